// Package ranker scores retrieved candidates with the intent model.
package ranker

import (
	"context"
	"log/slog"
	"sort"

	"github.com/opencui/structi-sub001/internal/domain"
	"github.com/opencui/structi-sub001/internal/nlu"
)

type Ranker struct {
	schema    *domain.Schema
	model     nlu.IntentModel
	threshold float64
	logger    *slog.Logger
}

func New(schema *domain.Schema, model nlu.IntentModel, threshold float64, logger *slog.Logger) *Ranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ranker{schema: schema, model: model, threshold: threshold, logger: logger}
}

// Rank replaces retrieval scores with intent probabilities and returns the
// best candidate per owner frame above the threshold, best first. When the
// model is unavailable the retrieval scores stand.
func (r *Ranker) Rank(ctx context.Context, lang, utterance string, spans domain.Spans, cands []domain.Candidate) []domain.Candidate {
	if len(cands) == 0 {
		return nil
	}
	scored := make([]domain.Candidate, len(cands))
	copy(scored, cands)
	probes := make([]string, len(scored))
	for i := range scored {
		if scored[i].Probe == "" {
			scored[i].Probe = domain.BuildProbe(r.schema, &scored[i])
		}
		probes[i] = scored[i].Probe
	}

	if r.model != nil {
		probs, err := r.model.PredictIntent(ctx, lang, utterance, probes)
		switch {
		case err != nil:
			r.logger.Warn("intent model unavailable, keeping retrieval scores", "error", err)
		case probs == nil:
			r.logger.Warn("intent model returned no prediction, keeping retrieval scores")
		case len(probs) != len(scored):
			r.logger.Warn("intent model probe count mismatch, keeping retrieval scores", "probes", len(scored), "scores", len(probs))
		default:
			for i := range scored {
				scored[i].Score = probs[i]
			}
		}
	}

	for i := range scored {
		if !HasRequiredTypes(r.schema, spans, scored[i].RequiredTypes) {
			scored[i].Score = 0
			scored[i].ExactMatch = false
		}
	}
	return Best(scored, r.threshold)
}

// HasRequiredTypes reports whether every required type has a recognized
// span of that type or of a subtype.
func HasRequiredTypes(schema *domain.Schema, spans domain.Spans, required []string) bool {
	for _, want := range required {
		found := false
		for t := range spans {
			if spans.Has(t) && schema.IsAssignable(want, t) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}

// Best keeps candidates at or above threshold, reduces them to the best per
// owner frame and sorts descending.
func Best(cands []domain.Candidate, threshold float64) []domain.Candidate {
	best := map[string]domain.Candidate{}
	for _, c := range cands {
		if c.Score < threshold {
			continue
		}
		if prev, ok := best[c.OwnerFrame]; !ok || c.Score > prev.Score {
			best[c.OwnerFrame] = c
		}
	}
	out := make([]domain.Candidate, 0, len(best))
	for _, c := range best {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].OwnerFrame < out[j].OwnerFrame
	})
	return out
}
