package ai

import (
	"context"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
)

type anthropicService struct {
	client      anthropic.Client
	model       anthropic.Model
	maxTokens   int64
	temperature float64
}

func newAnthropicService(cfg *LLMConfig, opts ...option.RequestOption) *anthropicService {
	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	options = append(options, opts...)
	return &anthropicService{
		client:      anthropic.NewClient(options...),
		model:       anthropic.Model(cfg.Model),
		maxTokens:   int64(cfg.MaxTokens),
		temperature: float64(cfg.Temperature),
	}
}

// params splits system messages out of the history; the Messages API takes them separately.
func (s *anthropicService) params(messages []Message) anthropic.MessageNewParams {
	var system []anthropic.TextBlockParam
	conv := make([]anthropic.MessageParam, 0, len(messages))
	for _, m := range messages {
		switch m.Role {
		case "system":
			system = append(system, anthropic.TextBlockParam{Text: m.Content})
		case "assistant":
			conv = append(conv, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			conv = append(conv, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	return anthropic.MessageNewParams{
		Model:       s.model,
		MaxTokens:   s.maxTokens,
		Temperature: anthropic.Float(s.temperature),
		System:      system,
		Messages:    conv,
	}
}

func (s *anthropicService) Chat(ctx context.Context, messages []Message) (string, error) {
	msg, err := s.client.Messages.New(ctx, s.params(messages))
	if err != nil {
		return "", fmt.Errorf("failed to complete chat: %w", err)
	}
	var sb strings.Builder
	for _, block := range msg.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			sb.WriteString(tb.Text)
		}
	}
	if sb.Len() == 0 {
		return "", fmt.Errorf("empty chat response")
	}
	return sb.String(), nil
}

func (s *anthropicService) ChatStream(ctx context.Context, messages []Message) (<-chan string, <-chan error) {
	contentChan := make(chan string)
	errChan := make(chan error, 1)

	go func() {
		defer close(contentChan)
		defer close(errChan)

		stream := s.client.Messages.NewStreaming(ctx, s.params(messages))
		defer stream.Close()

		for stream.Next() {
			event, ok := stream.Current().AsAny().(anthropic.ContentBlockDeltaEvent)
			if !ok {
				continue
			}
			delta, ok := event.Delta.AsAny().(anthropic.TextDelta)
			if !ok || delta.Text == "" {
				continue
			}
			select {
			case contentChan <- delta.Text:
			case <-ctx.Done():
				errChan <- ctx.Err()
				return
			}
		}
		if err := stream.Err(); err != nil {
			errChan <- fmt.Errorf("chat stream interrupted: %w", err)
		}
	}()

	return contentChan, errChan
}
