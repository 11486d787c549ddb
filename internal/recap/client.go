package recap

import (
	"context"
	"fmt"
	"strings"
)

// Prompt is a single-turn completion request.
type Prompt struct {
	System string
	User   string
}

// Client completes a prompt against one provider's model.
type Client interface {
	Complete(ctx context.Context, p Prompt) (string, error)
}

// Factory builds a client for "provider" and "model"; the session wiring
// resolves API keys from configuration.
type Factory func(provider, model string) (Client, error)

type Option func(*clientOptions)

type clientOptions struct {
	baseURL   string
	maxTokens int64
}

func WithBaseURL(url string) Option {
	return func(o *clientOptions) {
		o.baseURL = url
	}
}

func WithMaxTokens(n int64) Option {
	return func(o *clientOptions) {
		o.maxTokens = n
	}
}

// ParseModel splits "provider/model".
func ParseModel(model string) (provider, name string, err error) {
	provider, name, ok := strings.Cut(strings.TrimSpace(model), "/")
	if !ok || provider == "" || name == "" {
		return "", "", fmt.Errorf("invalid model %q: expected provider/model_name", model)
	}
	return provider, name, nil
}

func NewClient(provider, apiKey, model string, opts ...Option) (Client, error) {
	o := &clientOptions{maxTokens: 2048}
	for _, opt := range opts {
		opt(o)
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("no api key for provider %q", provider)
	}

	switch provider {
	case "openai":
		return newOpenAIClient(apiKey, model, o), nil
	case "anthropic":
		return newAnthropicClient(apiKey, model, o), nil
	case "gemini":
		return newGeminiClient(apiKey, model, o)
	default:
		return nil, fmt.Errorf("unknown provider %q: supported providers are openai, anthropic, gemini", provider)
	}
}

// KeyedFactory returns a Factory resolving keys through keyFor.
func KeyedFactory(keyFor func(provider string) string, opts ...Option) Factory {
	return func(provider, model string) (Client, error) {
		return NewClient(provider, keyFor(provider), model, opts...)
	}
}
