package nlu

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opencui/structi-sub001/internal/domain"
	"github.com/opencui/structi-sub001/internal/metrics"
)

func TestIntentClient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/intent/predict", r.URL.Path)
		assert.Equal(t, http.MethodPost, r.Method)
		var req PredictRequest
		if !assert.NoError(t, json.NewDecoder(r.Body).Decode(&req)) {
			return
		}
		assert.Equal(t, "en", req.Lang)
		assert.Equal(t, []string{"book a flight", "hello"}, req.Probes)
		_ = json.NewEncoder(w).Encode(IntentResponse{Probabilities: []float64{0.9, 0.1}})
	}))
	defer srv.Close()

	c := NewIntentClient(srv.URL+"/", time.Second, metrics.New())
	require.True(t, c.Enabled())
	got, err := c.PredictIntent(context.Background(), "en", "i need a flight", []string{"book a flight", "hello"})
	require.NoError(t, err)
	assert.Equal(t, []float64{0.9, 0.1}, got)

	got, err = c.PredictIntent(context.Background(), "en", "i need a flight", nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestSlotClientStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model warming up", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	c := NewSlotClient(srv.URL, time.Second, nil)
	_, err := c.PredictSlot(context.Background(), "en", "to paris", []string{"destination"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status=503")
	assert.Contains(t, err.Error(), "model warming up")
}

func TestSlotClientDecodesResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"segments":["to","paris"],"class_logits":[0,4,1],"start_logits":[[0,3]],"end_logits":[[0,3]],"token_char_starts":[0,3],"token_char_ends":[2,8]}`)
	}))
	defer srv.Close()

	got, err := NewSlotClient(srv.URL, time.Second, nil).PredictSlot(context.Background(), "en", "to paris", []string{"destination"})
	require.NoError(t, err)
	assert.False(t, got.Empty())
	assert.Equal(t, ClassMentioned, got.Class(0))
	assert.Equal(t, []int{0, 3}, got.TokenCharStarts)
}

func TestDisabledClients(t *testing.T) {
	_, err := NewIntentClient("", 0, nil).PredictIntent(context.Background(), "en", "x", []string{"y"})
	assert.Error(t, err)
	_, err = NewSlotClient(" ", 0, nil).PredictSlot(context.Background(), "en", "x", []string{"y"})
	assert.Error(t, err)
	var nilClient *IntentClient
	assert.False(t, nilClient.Enabled())
}

func TestUnifiedResultClass(t *testing.T) {
	r := &UnifiedResult{ClassLogits: []float64{0.1, 0.2, 0.9, 3, 0, 0}}
	assert.Equal(t, ClassDontCare, r.Class(0))
	assert.Equal(t, ClassNeither, r.Class(1))
	assert.True(t, (*UnifiedResult)(nil).Empty())
	assert.True(t, (&UnifiedResult{}).Empty())
}

func TestParseYesNo(t *testing.T) {
	tests := map[string]domain.YesNo{
		"Affirmative":      domain.Affirmative,
		" affirmative.\n":  domain.Affirmative,
		"yes":              domain.Affirmative,
		"Negative":         domain.Negative,
		"\"no\"":           domain.Negative,
		"Indifferent":      domain.Indifferent,
		"Irrelevant":       domain.Irrelevant,
		"I am not certain": domain.Irrelevant,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseYesNo(in), in)
	}
}

type fakeLLM struct {
	reply string
	err   error
	req   domain.LLMRequest
}

func (f *fakeLLM) Complete(_ context.Context, req domain.LLMRequest) (domain.LLMResponse, error) {
	f.req = req
	return domain.LLMResponse{Content: f.reply}, f.err
}

func TestLLMYesNo(t *testing.T) {
	p := &fakeLLM{reply: "Negative"}
	m := NewLLMYesNo(p, "small")
	got, err := m.YesNoInference(context.Background(), "not really", "Do you want a window seat?")
	require.NoError(t, err)
	assert.Equal(t, domain.Negative, got)
	assert.Equal(t, "small", p.req.Model)
	require.Len(t, p.req.Messages, 1)
	assert.Contains(t, p.req.Messages[0].Content, "Do you want a window seat?")
	assert.Contains(t, p.req.Messages[0].Content, "not really")

	p.err = errors.New("rate limited")
	got, err = m.YesNoInference(context.Background(), "sure", "?")
	assert.Error(t, err)
	assert.Equal(t, domain.Irrelevant, got)

	_, err = (*LLMYesNo)(nil).YesNoInference(context.Background(), "sure", "?")
	assert.Error(t, err)
}

type countingIntent struct {
	calls int
}

func (c *countingIntent) PredictIntent(_ context.Context, _, _ string, probes []string) ([]float64, error) {
	c.calls++
	return make([]float64, len(probes)), nil
}

func TestCacheDegradesWhenRedisIsDown(t *testing.T) {
	client := redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 50 * time.Millisecond,
		MaxRetries:  -1,
	})
	cache := NewCacheWithClient(client, time.Minute, slog.New(slog.NewTextHandler(io.Discard, nil)), nil)
	defer cache.Close()

	next := &countingIntent{}
	model := cache.Intent(next)
	for i := 0; i < 2; i++ {
		got, err := model.PredictIntent(context.Background(), "en", "hello", []string{"hello", "bye"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	}
	assert.Equal(t, 2, next.calls)
}

func TestCacheKeyDependsOnProbes(t *testing.T) {
	a := cacheKey("intent", "en", "hello", []string{"a", "b"})
	b := cacheKey("intent", "en", "hello", []string{"a b"})
	c := cacheKey("slot", "en", "hello", []string{"a", "b"})
	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Contains(t, a, "du:predict:intent:")
}
