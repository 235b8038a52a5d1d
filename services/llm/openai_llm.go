package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to an OpenAI-compatible endpoint with one or more API
// keys. On a rate-limit rejection it advances to the next key and retries the
// call; when every key has been burned it returns ErrCredentialsExhausted.
type OpenAIClient struct {
	mu      sync.Mutex
	clients []*openai.Client
	cursor  int
	model   string
}

func NewOpenAIClient() (*OpenAIClient, error) {
	rawKeys := os.Getenv("OPENAI_API_KEYS")
	if rawKeys == "" {
		rawKeys = os.Getenv("OPENAI_API_KEY")
	}
	model := os.Getenv("OPENAI_MODEL") // e.g., "gpt-4o"

	if rawKeys == "" {
		secretPath := "/run/secrets/openai_api_key"
		apiKeyBytes, err := os.ReadFile(secretPath)
		if err == nil {
			rawKeys = strings.TrimSpace(string(apiKeyBytes))
			slog.Info("Read the OpenAI API Key from Podman Secrets")
		} else {
			slog.Error("OPENAI_API_KEY environment variable not set and secret not found", "path", secretPath)
			return nil, fmt.Errorf("OPENAI_API_KEY environment variable not set")
		}
	}
	if model == "" {
		model = "gpt-4o-mini"
		slog.Warn("OPENAI_MODEL not set, defaulting to gpt-4o-mini")
	}

	var clients []*openai.Client
	for _, key := range strings.Split(rawKeys, ",") {
		key = strings.TrimSpace(key)
		if key == "" {
			continue
		}
		clients = append(clients, openai.NewClient(key))
	}
	if len(clients) == 0 {
		return nil, fmt.Errorf("no usable OpenAI API keys configured")
	}

	slog.Info("Initializing OpenAI client", "model", model, "keys", len(clients))
	return &OpenAIClient{
		clients: clients,
		model:   model,
	}, nil
}

func (o *OpenAIClient) current() *openai.Client {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.clients[o.cursor]
}

// advance moves to the next key. Returns false when no keys remain.
func (o *OpenAIClient) advance() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cursor >= len(o.clients)-1 {
		return false
	}
	o.cursor++
	return true
}

func isRateLimited(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode == 429 {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "rate limit") || strings.Contains(msg, "quota")
}

func (o *OpenAIClient) buildRequest(prompt string, params GenerationParams) openai.ChatCompletionRequest {
	systemRoleContent := systemPrompt()
	req := openai.ChatCompletionRequest{
		Model: o.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemRoleContent},
			{Role: openai.ChatMessageRoleUser, Content: prompt},
		},
	}
	if params.Temperature != nil {
		req.Temperature = *params.Temperature
	}
	if params.MaxTokens != nil {
		req.MaxCompletionTokens = *params.MaxTokens
	}
	if params.TopP != nil {
		req.TopP = *params.TopP
	}
	if len(params.Stop) > 0 {
		req.Stop = params.Stop
	}
	return req
}

// Generate implements the LLMClient interface
func (o *OpenAIClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	slog.Debug("Generating text via OpenAI", "model", o.model)
	req := o.buildRequest(prompt, params)

	for {
		resp, err := o.current().CreateChatCompletion(ctx, req)
		if err != nil {
			if isRateLimited(err) {
				if o.advance() {
					slog.Warn("OpenAI key rate limited, rotating", "error", err)
					continue
				}
				return "", ErrCredentialsExhausted
			}
			slog.Error("OpenAI API call failed", "error", err)
			return "", fmt.Errorf("OpenAI API call failed: %w", err)
		}

		if len(resp.Choices) == 0 {
			slog.Warn("OpenAI returned no choices or empty content")
			return "", fmt.Errorf("OpenAI returned no choices")
		}
		slog.Debug("Received response from OpenAI", "finish_reason", resp.Choices[0].FinishReason)
		return resp.Choices[0].Message.Content, nil
	}
}

// ChatStream implements the LLMClient interface
func (o *OpenAIClient) ChatStream(ctx context.Context, prompt string, params GenerationParams, onToken StreamCallback) (string, error) {
	slog.Debug("Streaming text via OpenAI", "model", o.model)
	req := o.buildRequest(prompt, params)
	req.Stream = true

	for {
		stream, err := o.current().CreateChatCompletionStream(ctx, req)
		if err != nil {
			if isRateLimited(err) {
				if o.advance() {
					slog.Warn("OpenAI key rate limited, rotating", "error", err)
					continue
				}
				return "", ErrCredentialsExhausted
			}
			slog.Error("OpenAI stream open failed", "error", err)
			return "", fmt.Errorf("OpenAI stream open failed: %w", err)
		}

		full, err := o.drainStream(stream, onToken)
		if err != nil {
			return "", err
		}
		return full, nil
	}
}

func (o *OpenAIClient) drainStream(stream *openai.ChatCompletionStream, onToken StreamCallback) (string, error) {
	defer stream.Close()

	var sb strings.Builder
	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			return sb.String(), nil
		}
		if err != nil {
			slog.Error("OpenAI stream receive failed", "error", err)
			return "", fmt.Errorf("OpenAI stream receive failed: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		token := chunk.Choices[0].Delta.Content
		if token == "" {
			continue
		}
		sb.WriteString(token)
		if onToken != nil {
			if err := onToken(token); err != nil {
				return "", err
			}
		}
	}
}
