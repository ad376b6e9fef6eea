package ai

import (
	"errors"
	"fmt"

	"github.com/hrygo/casechat/internal/profile"
)

// LLMConfig represents LLM configuration.
type LLMConfig struct {
	Provider    string // deepseek, openai, ollama, anthropic
	Model       string // deepseek-chat
	APIKey      string
	BaseURL     string
	MaxTokens   int     // default: 2048
	Temperature float32 // default: 0.7
}

// NewLLMConfigFromProfile creates the LLM config from profile.
func NewLLMConfigFromProfile(p *profile.Profile) *LLMConfig {
	cfg := &LLMConfig{
		Provider:    p.LLMProvider,
		Model:       p.LLMModel,
		APIKey:      p.LLMAPIKey,
		BaseURL:     p.LLMBaseURL,
		MaxTokens:   p.LLMMaxTokens,
		Temperature: p.LLMTemperature,
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return cfg
}

// Validate validates the configuration.
func (c *LLMConfig) Validate() error {
	switch c.Provider {
	case "":
		return errors.New("LLM provider is required")
	case "deepseek", "openai", "anthropic":
		if c.APIKey == "" {
			return fmt.Errorf("LLM API key is required for provider %s", c.Provider)
		}
	case "ollama":
		if c.BaseURL == "" {
			return errors.New("LLM base URL is required for ollama")
		}
	default:
		return fmt.Errorf("unsupported LLM provider: %s", c.Provider)
	}
	if c.Model == "" {
		return errors.New("LLM model is required")
	}
	return nil
}
