// Package llm is the text synthesis capability used by the relationship
// synthesizer and the hook generator. Providers sit behind Client so they can
// be swapped or mocked.
package llm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/memorable-ai/memorable/internal/config"
)

// Client is the interface for text synthesis providers.
type Client interface {
	Complete(ctx context.Context, prompt string) (*Response, error)
}

// ErrTruncated is returned when a provider stopped at MaxOutputTokens. A cut
// off summary or rule list is not used.
var ErrTruncated = errors.New("completion truncated")

// Response holds the result of a completion.
type Response struct {
	Content    string
	Provider   string
	TokensUsed int
}

// NewClient creates a client for the configured provider. Provider "none"
// (or empty) disables synthesis and returns a nil Client.
func NewClient(cfg config.LLMConfig) (Client, error) {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	switch cfg.Provider {
	case "", "none":
		return nil, nil
	case "claude-cli":
		model := cfg.Model
		if model == "" {
			model = "haiku"
		}
		return NewClaudeCLI(model, timeout), nil
	case "anthropic":
		if cfg.AnthropicKey == "" {
			return nil, fmt.Errorf("anthropic provider requires ANTHROPIC_API_KEY or config")
		}
		model := cfg.Model
		if model == "" {
			model = "claude-haiku-4-5-20251001"
		}
		return NewAnthropic(cfg.AnthropicKey, model, timeout), nil
	case "ollama":
		url := cfg.OllamaURL
		if url == "" {
			url = "http://localhost:11434"
		}
		model := cfg.OllamaModel
		if model == "" {
			model = "llama3.2"
		}
		return NewOllama(url, model, timeout), nil
	default:
		return nil, fmt.Errorf("unknown LLM provider: %q", cfg.Provider)
	}
}
