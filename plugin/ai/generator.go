package ai

import (
	"context"
	"log/slog"
)

// DefaultSystemPrompt frames the assistant for case work.
const DefaultSystemPrompt = "You are an assistant helping a legal professional with their case. Answer clearly and say when you are unsure."

// Generator produces an assistant reply for a conversation as a stream of text fragments.
//
// The fragment channel is closed when generation ends. A non-nil value on the error
// channel means the generation failed and the fragments received so far must be discarded.
type Generator interface {
	Generate(ctx context.Context, conversationUID string, history []Message) (<-chan string, <-chan error)
}

type llmGenerator struct {
	llm          LLMService
	systemPrompt string
}

// NewGenerator adapts an LLMService into a Generator.
func NewGenerator(llm LLMService, systemPrompt string) Generator {
	return &llmGenerator{llm: llm, systemPrompt: systemPrompt}
}

func (g *llmGenerator) Generate(ctx context.Context, conversationUID string, history []Message) (<-chan string, <-chan error) {
	slog.Debug("starting generation",
		slog.String("conversation_id", conversationUID),
		slog.Int("history_len", len(history)),
	)
	return g.llm.ChatStream(ctx, FormatMessages(g.systemPrompt, history))
}
