package db

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencui/structi-sub001/internal/domain"
	"github.com/opencui/structi-sub001/internal/meta"
)

// openStore connects to TEST_DB_DSN; the tests are skipped without it.
func openStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("TEST_DB_DSN")
	if dsn == "" {
		t.Skip("TEST_DB_DSN not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s, err := New(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)
	require.NoError(t, s.Migrate(ctx))
	return s
}

func TestTurnLogRoundTrip(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	agent := "test-" + uuid.NewString()
	rec := domain.TurnRecord{
		TurnID:       uuid.NewString(),
		Agent:        agent,
		Version:      3,
		SessionID:    "s1",
		Utterance:    "to paris",
		Expectations: domain.DialogExpectations{{Slots: []domain.ExpectedSlot{{Frame: "BookFlight", Slot: "destination"}}}},
		Events: []domain.FrameEvent{{Type: "BookFlight", Slots: []domain.EntityEvent{
			{Attribute: "destination", Value: `"paris"`, Type: "City", IsLeaf: true},
		}}},
		Latency: 42 * time.Millisecond,
	}
	require.NoError(t, s.LogTurn(ctx, rec))
	require.NoError(t, s.LogTurn(ctx, rec), "duplicate turn ids are ignored")

	got, err := s.RecentTurns(ctx, agent, "s1", 10)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, rec.Events, got[0].Events)
	assert.Equal(t, rec.Expectations, got[0].Expectations)
	assert.Equal(t, rec.Latency, got[0].Latency)
}

func TestBundleVersionsMoveForward(t *testing.T) {
	s := openStore(t)
	ctx := context.Background()
	agent := "test-" + uuid.NewString()
	b := &meta.Bundle{
		Agent:     agent,
		Version:   2,
		Lang:      "en",
		Frames:    []domain.FrameMeta{{Type: "Greeting"}},
		Exemplars: []domain.Exemplar{{Template: "hello", OwnerFrame: "Greeting"}},
	}
	require.NoError(t, s.SaveBundle(ctx, b))

	older := *b
	older.Version = 1
	err := s.SaveBundle(ctx, &older)
	assert.True(t, errors.Is(err, ErrStaleBundle))

	got, err := s.Load(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, b.Exemplars, got.Exemplars)

	_, err = s.Load(ctx, agent+"-missing")
	assert.True(t, errors.Is(err, meta.ErrNotFound))
}
