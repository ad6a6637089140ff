// Package agents builds and caches the immutable per-version artifacts an
// agent needs to understand a turn.
package agents

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/opencui/structi-sub001/internal/analyzer"
	"github.com/opencui/structi-sub001/internal/domain"
	"github.com/opencui/structi-sub001/internal/extractor"
	"github.com/opencui/structi-sub001/internal/index"
	"github.com/opencui/structi-sub001/internal/matcher"
	"github.com/opencui/structi-sub001/internal/meta"
	"github.com/opencui/structi-sub001/internal/recognizer"
)

// Runtime is built once per agent version and shared read-only by every
// concurrent turn.
type Runtime struct {
	Agent    string
	Version  int64
	Lang     string
	Timezone string
	Tuning   meta.Tuning
	BuiltAt  time.Time

	Compiled    *meta.Compiled
	Schema      *domain.Schema
	Analyzer    analyzer.Analyzer
	Recognizers *recognizer.Set
	Index       *index.Index
	Exact       *matcher.Exact
	Resolver    *matcher.Resolver
	Extractor   *extractor.Extractor
}

// Build compiles a bundle into a runtime. normalizer may be nil, in which
// case normalizer-backed entity types are never recognized.
func Build(b *meta.Bundle, normalizer recognizer.Normalizer, logger *slog.Logger) (*Runtime, error) {
	if err := b.Validate(); err != nil {
		return nil, err
	}
	c := meta.Compile(b)
	a := analyzer.For(c.Lang)
	t := c.Tuning

	listCfg := recognizer.DefaultListConfig()
	listCfg.MaxNgram = t.ListWindow
	listCfg.FullScore = t.RecognizerScore
	pattern, err := recognizer.NewPatternRecognizer(c.Schema, t.RecognizerScore)
	if err != nil {
		return nil, fmt.Errorf("build %s: %w", b.Agent, err)
	}
	recognizers := []recognizer.Recognizer{
		recognizer.NewListRecognizer(c.Schema, a, listCfg),
		pattern,
	}
	if normalizer != nil {
		recognizers = append(recognizers, recognizer.NewNormalizerRecognizer(c.Schema, normalizer, c.Timezone, t.RecognizerScore))
	}
	set := recognizer.NewSet(logger, recognizers...)

	return &Runtime{
		Agent:       c.Agent,
		Version:     c.Version,
		Lang:        c.Lang,
		Timezone:    c.Timezone,
		Tuning:      t,
		BuiltAt:     time.Now(),
		Compiled:    c,
		Schema:      c.Schema,
		Analyzer:    a,
		Recognizers: set,
		Index:       index.Build(c.Schema, a, c.Exemplars, index.Config{HitsPerFrame: t.HitsPerFrame, Limit: t.RetrievalLimit}),
		Exact:       matcher.NewExact(c.Schema, a, t.ExactMatchBonus),
		Resolver:    matcher.NewResolver(c.Schema),
		Extractor: extractor.New(c.Schema, a, set, extractor.Config{
			TopK:                t.SlotTopK,
			MaxSpanTokens:       t.MaxSpanTokens,
			ExpectedSlotBonus:   t.ExpectedSlotBonus,
			MentionBonus:        t.MentionBonus,
			AffixBonus:          t.AffixBonus,
			NotPredictedPenalty: t.NotPredictedPenalty,
			MinSpanScore:        t.MinSpanScore,
		}),
	}, nil
}
