// Package llm constructs the chat model used by the router agent.
package llm

import (
	"fmt"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
)

// Config selects the OpenAI-compatible model endpoint.
type Config struct {
	APIKey  string
	Model   string
	BaseURL string
}

// NewModel returns an OpenAI-compatible llms.Model with tool calling and
// streaming support.
func NewModel(cfg Config) (llms.Model, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("llm: api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm: model name is required")
	}

	opts := []openai.Option{
		openai.WithToken(cfg.APIKey),
		openai.WithModel(cfg.Model),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	model, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("llm: create openai client: %w", err)
	}
	return model, nil
}
