package recognizer

import (
	"context"
	"fmt"
	"regexp"
	"sort"

	"github.com/opencui/structi-sub001/internal/domain"
)

const PatternRecognizerName = "pattern"

type typedPattern struct {
	entityType string
	re         *regexp.Regexp
}

// PatternRecognizer runs one compiled expression per configured entity type.
type PatternRecognizer struct {
	patterns []typedPattern
	score    float64
}

func NewPatternRecognizer(schema *domain.Schema, score float64) (*PatternRecognizer, error) {
	types := make([]string, 0)
	for t, e := range schema.Entities {
		if e.UsesRecognizer(domain.RecognizerPattern) && e.Pattern != "" {
			types = append(types, t)
		}
	}
	sort.Strings(types)

	r := &PatternRecognizer{score: score}
	for _, t := range types {
		re, err := regexp.Compile(schema.Entities[t].Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile pattern for %s: %w", t, err)
		}
		r.patterns = append(r.patterns, typedPattern{entityType: t, re: re})
	}
	return r, nil
}

func (r *PatternRecognizer) Name() string { return PatternRecognizerName }

func (r *PatternRecognizer) Parse(_ context.Context, in Input, out domain.Spans) error {
	for _, p := range r.patterns {
		for _, loc := range p.re.FindAllStringIndex(in.Text, -1) {
			if loc[0] == loc[1] {
				continue
			}
			raw := in.Text[loc[0]:loc[1]]
			out.Add(domain.Span{
				Type:       p.entityType,
				Start:      loc[0],
				End:        loc[1],
				Value:      raw,
				Norm:       raw,
				Score:      r.score,
				Leaf:       true,
				Recognizer: PatternRecognizerName,
			})
		}
	}
	return nil
}

func (r *PatternRecognizer) Normalize(span domain.Span) (string, bool) {
	if span.Value == "" {
		return "", false
	}
	return domain.JSONValue(span.Value), true
}
