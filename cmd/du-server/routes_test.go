package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencui/structi-sub001/internal/agents"
	"github.com/opencui/structi-sub001/internal/db"
	"github.com/opencui/structi-sub001/internal/domain"
	"github.com/opencui/structi-sub001/internal/extractor"
	"github.com/opencui/structi-sub001/internal/matcher"
	"github.com/opencui/structi-sub001/internal/meta"
	"github.com/opencui/structi-sub001/internal/orchestrator"
)

type fakeEngine struct {
	err error
}

func (f *fakeEngine) Understand(_ context.Context, req domain.UnderstandRequest) (domain.UnderstandResponse, error) {
	if f.err != nil {
		return domain.UnderstandResponse{}, f.err
	}
	return domain.UnderstandResponse{TurnID: "t1", Agent: req.Agent, Events: []domain.FrameEvent{domain.NewFrameEvent("Greeting", "demo")}}, nil
}

func (f *fakeEngine) Analyze(_ context.Context, rt *agents.Runtime, utterance string, _ domain.DialogExpectations) (*orchestrator.Trace, error) {
	return &orchestrator.Trace{Events: []domain.FrameEvent{domain.NewFrameEvent("Greeting", rt.Agent)}}, nil
}

type fakeRegistry struct {
	reloaded []string
}

func (f *fakeRegistry) Runtime(_ context.Context, agent string) (*agents.Runtime, error) {
	if agent != "travel" {
		return nil, agents.ErrAgentNotFound
	}
	return &agents.Runtime{Agent: agent, Version: 7}, nil
}

func (f *fakeRegistry) Reload(ctx context.Context, agent string) (*agents.Runtime, error) {
	f.reloaded = append(f.reloaded, agent)
	return f.Runtime(ctx, agent)
}

func (f *fakeRegistry) List() []agents.Info {
	return []agents.Info{{Agent: "travel", Version: 7}}
}

type fakeStore struct {
	saved *meta.Bundle
	err   error
}

func (f *fakeStore) SaveBundle(_ context.Context, b *meta.Bundle) error {
	f.saved = b
	return f.err
}

func (f *fakeStore) RecentTurns(context.Context, string, string, int) ([]domain.TurnRecord, error) {
	return []domain.TurnRecord{{TurnID: "t1", Agent: "travel"}}, nil
}

func newTestServer(e engine, st bundleStore) (*server, *fakeRegistry) {
	reg := &fakeRegistry{}
	s := &server{engine: e, registry: reg, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
	if st != nil {
		s.store = st
		s.servesStoredBundles = true
	}
	return s, reg
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestUnderstandRoute(t *testing.T) {
	s, _ := newTestServer(&fakeEngine{}, nil)
	rec := do(t, s.routes(), http.MethodPost, "/v1/understand", `{"agent":"travel","utterance":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp domain.UnderstandResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "travel", resp.Agent)
	assert.Equal(t, "Greeting", resp.Events[0].Type)

	rec = do(t, s.routes(), http.MethodPost, "/v1/understand", `{`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{fmt.Errorf("%w: agent is required", orchestrator.ErrInvalidRequest), http.StatusBadRequest},
		{fmt.Errorf("expectations: %w", domain.ErrEmptyTopic), http.StatusBadRequest},
		{fmt.Errorf("travel: %w", agents.ErrAgentNotFound), http.StatusNotFound},
		{matcher.ErrUnsupported, http.StatusUnprocessableEntity},
		{extractor.ErrModelSkew, http.StatusBadGateway},
		{db.ErrStaleBundle, http.StatusConflict},
		{context.DeadlineExceeded, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		s, _ := newTestServer(&fakeEngine{err: tt.err}, nil)
		rec := do(t, s.routes(), http.MethodPost, "/v1/understand", `{"agent":"travel","utterance":"x"}`)
		assert.Equal(t, tt.want, rec.Code, tt.err.Error())
		assert.Contains(t, rec.Body.String(), `"error"`)
	}
}

func TestAgentRoutes(t *testing.T) {
	s, reg := newTestServer(&fakeEngine{}, nil)
	h := s.routes()

	rec := do(t, h, http.MethodGet, "/v1/agents", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"agent":"travel"`)

	rec = do(t, h, http.MethodPost, "/v1/agents/travel/reload", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"version":7`)

	rec = do(t, h, http.MethodPost, "/v1/agents/nope/reload", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, []string{"travel", "nope"}, reg.reloaded)

	rec = do(t, h, http.MethodPost, "/v1/debug/analyze", `{"agent":"travel","utterance":"hello"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"events"`)

	rec = do(t, h, http.MethodPut, "/v1/agents/travel/bundle", "agent: travel")
	assert.Equal(t, http.StatusNotFound, rec.Code, "bundle routes need a store")
}

func TestPublishBundle(t *testing.T) {
	st := &fakeStore{}
	s, reg := newTestServer(&fakeEngine{}, st)
	h := s.routes()
	bundle := `
agent: travel
version: 8
frames:
  - type: Greeting
exemplars:
  - template: hello
    owner: Greeting
`
	rec := do(t, h, http.MethodPut, "/v1/agents/travel/bundle", bundle)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NotNil(t, st.saved)
	assert.Equal(t, int64(8), st.saved.Version)
	assert.Equal(t, []string{"travel"}, reg.reloaded)

	rec = do(t, h, http.MethodPut, "/v1/agents/other/bundle", bundle)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	st.err = db.ErrStaleBundle
	rec = do(t, h, http.MethodPut, "/v1/agents/travel/bundle", bundle)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/agents/travel/turns?limit=5", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"TurnID":"t1"`)
}

func TestBundleRouteNeedsStoreSource(t *testing.T) {
	st := &fakeStore{}
	s, reg := newTestServer(&fakeEngine{}, st)
	s.servesStoredBundles = false
	h := s.routes()

	rec := do(t, h, http.MethodPut, "/v1/agents/travel/bundle", "agent: travel\nversion: 8\n")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Nil(t, st.saved)
	assert.Empty(t, reg.reloaded)

	rec = do(t, h, http.MethodGet, "/v1/agents/travel/turns", "")
	assert.Equal(t, http.StatusOK, rec.Code)
}
