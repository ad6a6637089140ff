package domain

// YesNo is the decoder model's verdict on a boolean question.
type YesNo string

const (
	Affirmative YesNo = "Affirmative"
	Negative    YesNo = "Negative"
	Indifferent YesNo = "Indifferent"
	Irrelevant  YesNo = "Irrelevant"
)

// LLM request/response used by the yes/no decoder.

type Message struct {
	Role    string
	Content string
}

type LLMRequest struct {
	Model       string
	System      string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

type LLMResponse struct {
	Content string
}
