package ai

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/hrygo/casechat/internal/profile"
)

func TestNewLLMConfigFromProfile(t *testing.T) {
	prof := &profile.Profile{
		LLMProvider:    "deepseek",
		LLMModel:       "deepseek-chat",
		LLMAPIKey:      "deepseek-key",
		LLMBaseURL:     "https://api.deepseek.com",
		LLMTemperature: 0.7,
	}

	cfg := NewLLMConfigFromProfile(prof)
	assert.Equal(t, "deepseek", cfg.Provider)
	assert.Equal(t, "deepseek-chat", cfg.Model)
	assert.Equal(t, "deepseek-key", cfg.APIKey)
	assert.Equal(t, "https://api.deepseek.com", cfg.BaseURL)
	assert.Equal(t, 2048, cfg.MaxTokens)
	assert.Equal(t, float32(0.7), cfg.Temperature)
}

func TestLLMConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     LLMConfig
		wantErr bool
	}{
		{"deepseek with key", LLMConfig{Provider: "deepseek", Model: "deepseek-chat", APIKey: "k"}, false},
		{"openai without key", LLMConfig{Provider: "openai", Model: "gpt-4o-mini"}, true},
		{"anthropic with key", LLMConfig{Provider: "anthropic", Model: "claude-3-7-sonnet-latest", APIKey: "k"}, false},
		{"ollama needs base url", LLMConfig{Provider: "ollama", Model: "llama3"}, true},
		{"ollama without key", LLMConfig{Provider: "ollama", Model: "llama3", BaseURL: "http://localhost:11434/v1"}, false},
		{"missing provider", LLMConfig{Model: "m"}, true},
		{"unknown provider", LLMConfig{Provider: "siliconflow", Model: "m", APIKey: "k"}, true},
		{"missing model", LLMConfig{Provider: "deepseek", APIKey: "k"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
