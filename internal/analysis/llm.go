package analysis

import "context"

// Provider is the interface for any LLM backend.
type Provider interface {
	Send(ctx context.Context, req *LLMRequest) (*LLMResponse, error)
}

// LLMRequest is a single-turn completion request.
type LLMRequest struct {
	MaxTokens int
	System    string
	Prompt    string
}

// LLMResponse is the text the model produced plus accounting data.
type LLMResponse struct {
	Text       string
	StopReason string
	Model      string
	Usage      Usage
}

type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}
