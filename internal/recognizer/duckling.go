package recognizer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DucklingClient speaks the Duckling /parse protocol.
type DucklingClient struct {
	baseURL string
	http    *http.Client
}

func NewDucklingClient(baseURL string, timeout time.Duration) *DucklingClient {
	if timeout <= 0 {
		timeout = 1500 * time.Millisecond
	}
	return &DucklingClient{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

func (c *DucklingClient) Enabled() bool {
	return c != nil && c.baseURL != ""
}

type ducklingHit struct {
	Body   string          `json:"body"`
	Start  int             `json:"start"`
	End    int             `json:"end"`
	Dim    string          `json:"dim"`
	Latent bool            `json:"latent"`
	Value  json.RawMessage `json:"value"`
}

type ducklingValue struct {
	Type  string          `json:"type"`
	Value json.RawMessage `json:"value"`
	Grain string          `json:"grain"`
	From  *ducklingPoint  `json:"from"`
	To    *ducklingPoint  `json:"to"`
}

type ducklingPoint struct {
	Value string `json:"value"`
	Grain string `json:"grain"`
}

func (c *DucklingClient) Parse(ctx context.Context, req NormalizeRequest) ([]Hit, error) {
	if !c.Enabled() {
		return nil, fmt.Errorf("normalizer service is not configured")
	}
	dims, _ := json.Marshal(req.Dims)
	form := url.Values{}
	form.Set("text", req.Text)
	form.Set("locale", locale(req.Lang))
	form.Set("dims", string(dims))
	if req.Timezone != "" {
		form.Set("tz", req.Timezone)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/parse", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("normalizer status=%d body=%s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}

	var raw []ducklingHit
	if err := json.Unmarshal(respBody, &raw); err != nil {
		return nil, err
	}
	hits := make([]Hit, 0, len(raw))
	for _, h := range raw {
		hits = append(hits, toHit(h))
	}
	return hits, nil
}

func toHit(h ducklingHit) Hit {
	out := Hit{Dim: h.Dim, Body: h.Body, Start: h.Start, End: h.End, Latent: h.Latent, Value: h.Value}
	var v ducklingValue
	if err := json.Unmarshal(h.Value, &v); err != nil {
		return out
	}
	switch v.Type {
	case "interval":
		interval := map[string]string{}
		if v.From != nil {
			interval["from"] = v.From.Value
			out.Grain = v.From.Grain
			if t, ok := parseTime(v.From.Value); ok {
				out.From = &t
			}
		}
		if v.To != nil {
			interval["to"] = v.To.Value
			if out.Grain == "" {
				out.Grain = v.To.Grain
			}
			if t, ok := parseTime(v.To.Value); ok {
				out.To = &t
			}
		}
		out.Value, _ = json.Marshal(interval)
	default:
		if len(v.Value) > 0 {
			out.Value = v.Value
		}
		out.Grain = v.Grain
		if h.Dim == "time" {
			var s string
			if json.Unmarshal(v.Value, &s) == nil {
				if t, ok := parseTime(s); ok {
					end := addGrain(t, v.Grain)
					out.From, out.To = &t, &end
				}
			}
		}
	}
	return out
}

func parseTime(s string) (time.Time, bool) {
	for _, layout := range []string{"2006-01-02T15:04:05.000-07:00", time.RFC3339Nano, time.RFC3339} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func addGrain(t time.Time, grain string) time.Time {
	switch grain {
	case "second":
		return t.Add(time.Second)
	case "minute":
		return t.Add(time.Minute)
	case "hour":
		return t.Add(time.Hour)
	case "day":
		return t.AddDate(0, 0, 1)
	case "week":
		return t.AddDate(0, 0, 7)
	case "month":
		return t.AddDate(0, 1, 0)
	case "quarter":
		return t.AddDate(0, 3, 0)
	case "year":
		return t.AddDate(1, 0, 0)
	default:
		return t
	}
}

func locale(lang string) string {
	switch strings.ToLower(lang) {
	case "", "en":
		return "en_US"
	case "zh":
		return "zh_CN"
	default:
		return strings.ReplaceAll(lang, "-", "_")
	}
}
