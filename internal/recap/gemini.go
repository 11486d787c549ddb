package recap

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

type geminiClient struct {
	client    *genai.Client
	model     string
	maxTokens int32
}

func newGeminiClient(apiKey, model string, opts *clientOptions) (*geminiClient, error) {
	config := &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI}
	if opts.baseURL != "" {
		config.HTTPOptions.BaseURL = opts.baseURL
	}

	client, err := genai.NewClient(context.Background(), config)
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &geminiClient{client: client, model: model, maxTokens: int32(opts.maxTokens)}, nil
}

func geminiRequest(p Prompt) ([]*genai.Content, *genai.GenerateContentConfig) {
	config := &genai.GenerateContentConfig{}
	if p.System != "" {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: p.System}}}
	}
	contents := []*genai.Content{{Role: "user", Parts: []*genai.Part{{Text: p.User}}}}
	return contents, config
}

func (c *geminiClient) Complete(ctx context.Context, p Prompt) (string, error) {
	if strings.TrimSpace(p.User) == "" {
		return "", errors.New("gemini: empty user prompt")
	}

	contents, config := geminiRequest(p)
	if c.maxTokens > 0 {
		config.MaxOutputTokens = c.maxTokens
	}
	result, err := c.client.Models.GenerateContent(ctx, c.model, contents, config)
	if err != nil {
		return "", fmt.Errorf("gemini completion: %w", err)
	}

	text := strings.TrimSpace(result.Text())
	if text == "" {
		return "", errors.New("gemini: empty response text")
	}
	return text, nil
}
