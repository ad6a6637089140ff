// Package nlu holds the clients of the external statistical models.
package nlu

import (
	"context"

	"github.com/opencui/structi-sub001/internal/domain"
)

// IntentModel scores (utterance, probe) pairs. A nil result with a nil
// error means the service had nothing to say.
type IntentModel interface {
	PredictIntent(ctx context.Context, lang, utterance string, probes []string) ([]float64, error)
}

type SlotModel interface {
	PredictSlot(ctx context.Context, lang, utterance string, probes []string) (*UnifiedResult, error)
}

type YesNoModel interface {
	YesNoInference(ctx context.Context, utterance, question string) (domain.YesNo, error)
}

type PredictRequest struct {
	Lang      string   `json:"lang"`
	Utterance string   `json:"utterance"`
	Probes    []string `json:"probes"`
}

type IntentResponse struct {
	Probabilities []float64 `json:"probabilities"`
}

// UnifiedResult is the slot model output. ClassLogits holds three entries per
// probe ([neither, mentioned, dontcare]); StartLogits and EndLogits hold one
// row per probe with one column per segment; token offsets are character
// (rune) offsets into the utterance.
type UnifiedResult struct {
	Segments        []string    `json:"segments"`
	ClassLogits     []float64   `json:"class_logits"`
	StartLogits     [][]float64 `json:"start_logits"`
	EndLogits       [][]float64 `json:"end_logits"`
	TokenCharStarts []int       `json:"token_char_starts"`
	TokenCharEnds   []int       `json:"token_char_ends"`
}

// Class labels in ClassLogits order.
const (
	ClassNeither = iota
	ClassMentioned
	ClassDontCare
)

// Empty reports whether the result carries no prediction at all.
func (r *UnifiedResult) Empty() bool {
	return r == nil || (len(r.ClassLogits) == 0 && len(r.StartLogits) == 0)
}

// Class returns the argmax class for probe i.
func (r *UnifiedResult) Class(i int) int {
	best, bestScore := ClassNeither, 0.0
	for c := 0; c < 3; c++ {
		idx := 3*i + c
		if idx >= len(r.ClassLogits) {
			break
		}
		if c == 0 || r.ClassLogits[idx] > bestScore {
			best, bestScore = c, r.ClassLogits[idx]
		}
	}
	return best
}
