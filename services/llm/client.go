package llm

import (
	"context"
	"errors"
)

type GenerationParams struct {
	Temperature *float32 `json:"temperature"`
	TopK        *int     `json:"top_k"`
	TopP        *float32 `json:"top_p"`
	MaxTokens   *int     `json:"max_tokens"`
	Stop        []string `json:"stop"`
}

// ErrCredentialsExhausted is returned when every configured generation
// credential has been rate limited. Callers must treat it as terminal for the
// current request; retrying immediately would burn the same quota again.
var ErrCredentialsExhausted = errors.New("all generation credentials exhausted")

// StreamCallback receives each token as the model produces it. Returning an
// error aborts the stream.
type StreamCallback func(token string) error

// LLMClient defines the standard interface for any LLM backend.
type LLMClient interface {
	Generate(ctx context.Context, prompt string, params GenerationParams) (string, error)

	// ChatStream generates a reply for prompt and feeds tokens to onToken as
	// they arrive. Returns the full accumulated reply on success.
	ChatStream(ctx context.Context, prompt string, params GenerationParams, onToken StreamCallback) (string, error)
}
