package completion

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/eldtechnologies/confab/internal/models"
)

// LangChainProvider streams through langchaingo, which reaches
// OpenAI-compatible servers such as Ollama or LM Studio.
type LangChainProvider struct {
	llm       llms.Model
	maxTokens int
}

func NewLangChainProvider(apiKey, model, baseURL string, maxTokens int) (*LangChainProvider, error) {
	opts := []lcopenai.Option{
		lcopenai.WithToken(apiKey),
		lcopenai.WithModel(model),
	}
	if baseURL != "" {
		opts = append(opts, lcopenai.WithBaseURL(baseURL))
	}
	llm, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("langchain: %w", err)
	}
	return &LangChainProvider{llm: llm, maxTokens: maxTokens}, nil
}

func (p *LangChainProvider) Name() string { return "langchain" }

func (p *LangChainProvider) Stream(ctx context.Context, turns []models.Turn) (<-chan string, <-chan error) {
	return stream(ctx, p.Name(), turns, func(emit emitFunc) error {
		opts := []llms.CallOption{
			llms.WithStreamingFunc(func(ctx context.Context, chunk []byte) error {
				if !emit(string(chunk)) {
					return ctx.Err()
				}
				return nil
			}),
		}
		if p.maxTokens > 0 {
			opts = append(opts, llms.WithMaxTokens(p.maxTokens))
		}

		if _, err := p.llm.GenerateContent(ctx, langChainContent(turns), opts...); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("langchain: %w", err)
		}
		return nil
	})
}

func langChainContent(turns []models.Turn) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(turns)+1)
	content = append(content, llms.TextParts(schema.ChatMessageTypeSystem, SystemPrompt))
	for _, t := range turns {
		kind := schema.ChatMessageTypeHuman
		if t.Role == models.RoleAssistant {
			kind = schema.ChatMessageTypeAI
		}
		content = append(content, llms.TextParts(kind, t.Content))
	}
	return content
}
