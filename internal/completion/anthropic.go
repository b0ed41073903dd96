package completion

import (
	"context"
	"errors"
	"fmt"

	anthropic "github.com/liushuangls/go-anthropic/v2"

	"github.com/eldtechnologies/confab/internal/models"
)

// AnthropicProvider streams from the Anthropic Messages API.
type AnthropicProvider struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

func NewAnthropicProvider(apiKey, model string, maxTokens int) *AnthropicProvider {
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	return &AnthropicProvider{
		client:    anthropic.NewClient(apiKey),
		model:     model,
		maxTokens: maxTokens,
	}
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Stream(ctx context.Context, turns []models.Turn) (<-chan string, <-chan error) {
	return stream(ctx, p.Name(), turns, func(emit emitFunc) error {
		var streamErr error
		req := anthropic.MessagesStreamRequest{
			MessagesRequest: anthropic.MessagesRequest{
				Model:     anthropic.Model(p.model),
				System:    SystemPrompt,
				Messages:  anthropicMessages(turns),
				MaxTokens: p.maxTokens,
			},
		}
		req.OnError = func(errResp anthropic.ErrorResponse) {
			streamErr = fmt.Errorf("anthropic streaming error: %s", errResp.Error.Message)
		}
		req.OnContentBlockDelta = func(delta anthropic.MessagesEventContentBlockDeltaData) {
			if delta.Delta.Type == "text_delta" && delta.Delta.Text != nil {
				emit(*delta.Delta.Text)
			}
		}

		if _, err := p.client.CreateMessagesStream(ctx, req); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("anthropic: %w", errors.Join(err, streamErr))
		}
		return streamErr
	})
}

func anthropicMessages(turns []models.Turn) []anthropic.Message {
	alt := alternate(turns)
	msgs := make([]anthropic.Message, 0, len(alt))
	for _, t := range alt {
		role := anthropic.RoleUser
		if t.Role == models.RoleAssistant {
			role = anthropic.RoleAssistant
		}
		msgs = append(msgs, anthropic.Message{
			Role:    role,
			Content: []anthropic.MessageContent{anthropic.NewTextMessageContent(t.Content)},
		})
	}
	return msgs
}
