package completion

import (
	"context"
	"errors"
	"fmt"
	"io"

	openai "github.com/meguminnnnnnnnn/go-openai"

	"github.com/eldtechnologies/confab/internal/models"
)

// OpenAIProvider streams from the OpenAI chat completions API or any
// compatible endpoint.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	maxTokens int
}

// NewOpenAIProvider creates a provider. baseURL may be empty.
func NewOpenAIProvider(apiKey, model, baseURL string, maxTokens int) *OpenAIProvider {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIProvider{
		client:    openai.NewClientWithConfig(config),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Stream(ctx context.Context, turns []models.Turn) (<-chan string, <-chan error) {
	return stream(ctx, p.Name(), turns, func(emit emitFunc) error {
		req := openai.ChatCompletionRequest{
			Model:    p.model,
			Messages: openAIMessages(turns),
			Stream:   true,
		}
		if p.maxTokens > 0 {
			req.MaxTokens = p.maxTokens
		}

		s, err := p.client.CreateChatCompletionStream(ctx, req)
		if err != nil {
			return fmt.Errorf("openai: %w", err)
		}
		defer s.Close()

		for {
			resp, err := s.Recv()
			if errors.Is(err, io.EOF) {
				return nil
			}
			if err != nil {
				return fmt.Errorf("openai: %w", err)
			}
			for _, choice := range resp.Choices {
				if !emit(choice.Delta.Content) {
					return ctx.Err()
				}
			}
		}
	})
}

func openAIMessages(turns []models.Turn) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(turns)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: SystemPrompt,
	})
	for _, t := range turns {
		role := openai.ChatMessageRoleUser
		if t.Role == models.RoleAssistant {
			role = openai.ChatMessageRoleAssistant
		}
		msgs = append(msgs, openai.ChatCompletionMessage{Role: role, Content: t.Content})
	}
	return msgs
}
