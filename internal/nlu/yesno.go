package nlu

import (
	"context"
	"fmt"
	"strings"

	"github.com/opencui/structi-sub001/internal/domain"
	"github.com/opencui/structi-sub001/internal/llm"
)

const yesNoSystem = `You judge whether a user's reply answers a yes/no question.
Reply with exactly one word:
Affirmative if the reply means yes,
Negative if the reply means no,
Indifferent if the user does not mind either way,
Irrelevant if the reply does not answer the question.`

// LLMYesNo runs the yes/no decoder over a chat-completion provider.
type LLMYesNo struct {
	provider llm.Provider
	model    string
}

func NewLLMYesNo(provider llm.Provider, model string) *LLMYesNo {
	return &LLMYesNo{provider: provider, model: model}
}

func (m *LLMYesNo) YesNoInference(ctx context.Context, utterance, question string) (domain.YesNo, error) {
	if m == nil || m.provider == nil {
		return domain.Irrelevant, fmt.Errorf("yes/no model is not configured")
	}
	prompt := fmt.Sprintf("Question: %s\nReply: %s", strings.TrimSpace(question), strings.TrimSpace(utterance))
	resp, err := m.provider.Complete(ctx, domain.LLMRequest{
		Model:     m.model,
		System:    yesNoSystem,
		Messages:  []domain.Message{{Role: "user", Content: prompt}},
		MaxTokens: 8,
	})
	if err != nil {
		return domain.Irrelevant, err
	}
	return ParseYesNo(resp.Content), nil
}

// ParseYesNo maps a decoder reply to a verdict; anything unrecognized is Irrelevant.
func ParseYesNo(s string) domain.YesNo {
	s = strings.ToLower(strings.Trim(strings.TrimSpace(s), ".!\"'"))
	switch {
	case strings.HasPrefix(s, "affirmative"), s == "yes":
		return domain.Affirmative
	case strings.HasPrefix(s, "negative"), s == "no":
		return domain.Negative
	case strings.HasPrefix(s, "indifferent"):
		return domain.Indifferent
	default:
		return domain.Irrelevant
	}
}
