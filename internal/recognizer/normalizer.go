package recognizer

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"time"

	"github.com/opencui/structi-sub001/internal/analyzer"
	"github.com/opencui/structi-sub001/internal/domain"
)

const NormalizerRecognizerName = "normalizer"

// Hit is one raw result of the grammar-based normalizer. Start and End are
// character (rune) offsets as the normalizer reports them.
type Hit struct {
	Dim    string
	Body   string
	Start  int
	End    int
	Value  json.RawMessage
	Grain  string
	Latent bool
	// From/To bound the denoted time interval for time dims.
	From *time.Time
	To   *time.Time
}

type NormalizeRequest struct {
	Lang     string
	Timezone string
	Text     string
	Dims     []string
}

// Normalizer is the external grammar-based normalizer (numbers, times, contacts).
type Normalizer interface {
	Parse(ctx context.Context, req NormalizeRequest) ([]Hit, error)
}

// NormalizerRecognizer maps normalizer dims onto the agent's whitelisted types.
type NormalizerRecognizer struct {
	normalizer Normalizer
	timezone   string
	dimTypes   map[string]string
	dims       []string
	score      float64
}

func NewNormalizerRecognizer(schema *domain.Schema, n Normalizer, timezone string, score float64) *NormalizerRecognizer {
	r := &NormalizerRecognizer{
		normalizer: n,
		timezone:   timezone,
		dimTypes:   make(map[string]string),
		score:      score,
	}
	for t, e := range schema.Entities {
		if !e.UsesRecognizer(domain.RecognizerNormalizer) || e.Dim == "" {
			continue
		}
		if prev, ok := r.dimTypes[e.Dim]; !ok || t < prev {
			r.dimTypes[e.Dim] = t
		}
	}
	for d := range r.dimTypes {
		r.dims = append(r.dims, d)
	}
	sort.Strings(r.dims)
	return r
}

func (r *NormalizerRecognizer) Name() string { return NormalizerRecognizerName }

func (r *NormalizerRecognizer) Parse(ctx context.Context, in Input, out domain.Spans) error {
	if r.normalizer == nil || len(r.dims) == 0 || strings.TrimSpace(in.Text) == "" {
		return nil
	}
	hits, err := r.normalizer.Parse(ctx, NormalizeRequest{Lang: in.Lang, Timezone: r.timezone, Text: in.Text, Dims: r.dims})
	if err != nil {
		return err
	}
	for _, s := range r.spans(in.Text, hits) {
		out.Add(s)
	}
	return nil
}

type normalizedHit struct {
	span  domain.Span
	grain string
	from  *time.Time
	to    *time.Time
}

func (r *NormalizerRecognizer) spans(text string, hits []Hit) []domain.Span {
	runes := analyzer.RuneToByte(text)
	best := make(map[string]normalizedHit)
	var order []string
	for _, h := range hits {
		t, ok := r.dimTypes[h.Dim]
		if !ok || h.Start < 0 || h.End > len(runes)-1 || h.Start >= h.End {
			continue
		}
		start, end := runes[h.Start], runes[h.End]
		norm := compactJSON(h.Value)
		nh := normalizedHit{
			span: domain.Span{
				Type:       t,
				Start:      start,
				End:        end,
				Value:      text[start:end],
				Norm:       norm,
				Score:      r.score,
				Leaf:       true,
				Recognizer: NormalizerRecognizerName,
			},
			grain: h.Grain,
			from:  h.From,
			to:    h.To,
		}
		key := t + "|" + norm + "|" + h.Grain
		prev, seen := best[key]
		if !seen {
			order = append(order, key)
			best[key] = nh
			continue
		}
		if nh.span.Len() < prev.span.Len() || (nh.span.Len() == prev.span.Len() && nh.span.Start < prev.span.Start) {
			best[key] = nh
		}
	}

	kept := make([]normalizedHit, 0, len(order))
	for _, k := range order {
		kept = append(kept, best[k])
	}
	var out []domain.Span
	for i, small := range kept {
		if subsumed(small, kept, i) {
			continue
		}
		out = append(out, small.span)
	}
	return out
}

// subsumed reports whether a larger span of the same type covers this one and
// its time interval strictly contains this one's interval.
func subsumed(small normalizedHit, all []normalizedHit, self int) bool {
	if small.from == nil || small.to == nil {
		return false
	}
	for j, large := range all {
		if j == self || large.span.Type != small.span.Type || large.from == nil || large.to == nil {
			continue
		}
		if large.span.Len() <= small.span.Len() || !large.span.Covers(small.span) {
			continue
		}
		containsFrom := !large.from.After(*small.from)
		containsTo := !large.to.Before(*small.to)
		strict := large.from.Before(*small.from) || large.to.After(*small.to)
		if containsFrom && containsTo && strict {
			return true
		}
	}
	return false
}

func (r *NormalizerRecognizer) Normalize(span domain.Span) (string, bool) {
	if span.Norm == "" {
		return "", false
	}
	return span.Norm, true
}

func compactJSON(raw json.RawMessage) string {
	if len(raw) == 0 {
		return "null"
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return domain.JSONValue(string(raw))
	}
	return domain.JSONValue(v)
}
