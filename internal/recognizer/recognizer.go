// Package recognizer scans utterances for typed entity spans.
package recognizer

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/opencui/structi-sub001/internal/analyzer"
	"github.com/opencui/structi-sub001/internal/domain"
)

// Input is what every recognizer sees for one turn.
type Input struct {
	Lang     string
	Text     string
	Tokens   []analyzer.Token
	Expected []string
}

// Recognizer appends the spans it finds into out, keyed by entity type.
type Recognizer interface {
	Name() string
	Parse(ctx context.Context, in Input, out domain.Spans) error
	// Normalize returns the canonical JSON literal for a span, or false when
	// the span cannot be normalized.
	Normalize(span domain.Span) (string, bool)
}

// Set runs a fixed list of recognizers. It is built once per agent version
// and is safe for concurrent use.
type Set struct {
	recognizers []Recognizer
	byName      map[string]Recognizer
	logger      *slog.Logger
}

func NewSet(logger *slog.Logger, recognizers ...Recognizer) *Set {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Set{byName: make(map[string]Recognizer, len(recognizers)), logger: logger}
	for _, r := range recognizers {
		if r == nil {
			continue
		}
		s.recognizers = append(s.recognizers, r)
		s.byName[r.Name()] = r
	}
	return s
}

// Recognize fans out to every recognizer and merges their output in
// registration order. A failing recognizer is logged and skipped.
func (s *Set) Recognize(ctx context.Context, in Input) (domain.Spans, error) {
	partial := make([]domain.Spans, len(s.recognizers))
	g, gctx := errgroup.WithContext(ctx)
	for i, r := range s.recognizers {
		i, r := i, r // per-iteration copy (go 1.21 loop semantics)
		partial[i] = domain.Spans{}
		g.Go(func() error {
			if err := r.Parse(gctx, in, partial[i]); err != nil {
				if ctx.Err() != nil {
					return ctx.Err()
				}
				s.logger.Warn("recognizer failed", "recognizer", r.Name(), "error", err)
				partial[i] = domain.Spans{}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := domain.Spans{}
	for _, p := range partial {
		for t, spans := range p {
			out[t] = append(out[t], spans...)
		}
	}
	for t := range out {
		sortSpans(out[t])
	}
	return out, nil
}

// Normalize delegates to the recognizer that produced the span.
func (s *Set) Normalize(span domain.Span) (string, bool) {
	if r, ok := s.byName[span.Recognizer]; ok {
		return r.Normalize(span)
	}
	if span.Partial || span.Norm == "" {
		return "", false
	}
	return domain.JSONValue(span.Norm), true
}

func sortSpans(spans []domain.Span) {
	sort.SliceStable(spans, func(i, j int) bool {
		if spans[i].Start != spans[j].Start {
			return spans[i].Start < spans[j].Start
		}
		if spans[i].End != spans[j].End {
			return spans[i].End > spans[j].End
		}
		if spans[i].Partial != spans[j].Partial {
			return !spans[i].Partial
		}
		return spans[i].Norm < spans[j].Norm
	})
}
