package nlu

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opencui/structi-sub001/internal/metrics"
)

type client struct {
	name    string
	baseURL string
	http    *http.Client
	metrics *metrics.Metrics
}

func newClient(name, baseURL string, timeout time.Duration, m *metrics.Metrics) client {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return client{
		name:    name,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
		metrics: m,
	}
}

func (c *client) post(ctx context.Context, path string, in, out any) (err error) {
	started := time.Now()
	defer func() { c.metrics.ObserveModel(c.name, time.Since(started), err) }()

	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s model status=%d body=%s", c.name, resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	return json.Unmarshal(respBody, out)
}

// IntentClient calls the intent model service.
type IntentClient struct {
	client
}

func NewIntentClient(baseURL string, timeout time.Duration, m *metrics.Metrics) *IntentClient {
	return &IntentClient{client: newClient("intent", baseURL, timeout, m)}
}

func (c *IntentClient) Enabled() bool {
	return c != nil && c.baseURL != ""
}

func (c *IntentClient) PredictIntent(ctx context.Context, lang, utterance string, probes []string) ([]float64, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("intent model is not configured")
	}
	if len(probes) == 0 {
		return []float64{}, nil
	}
	var out IntentResponse
	if err := c.post(ctx, "/v1/intent/predict", PredictRequest{Lang: lang, Utterance: utterance, Probes: probes}, &out); err != nil {
		return nil, err
	}
	return out.Probabilities, nil
}

// SlotClient calls the unified slot model service.
type SlotClient struct {
	client
}

func NewSlotClient(baseURL string, timeout time.Duration, m *metrics.Metrics) *SlotClient {
	return &SlotClient{client: newClient("slot", baseURL, timeout, m)}
}

func (c *SlotClient) Enabled() bool {
	return c != nil && c.baseURL != ""
}

func (c *SlotClient) PredictSlot(ctx context.Context, lang, utterance string, probes []string) (*UnifiedResult, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("slot model is not configured")
	}
	var out UnifiedResult
	if err := c.post(ctx, "/v1/slot/predict", PredictRequest{Lang: lang, Utterance: utterance, Probes: probes}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
