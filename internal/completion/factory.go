package completion

import (
	"fmt"

	"github.com/eldtechnologies/confab/internal/config"
)

// Provider names accepted in LLM_PROVIDER.
const (
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
	ProviderLangChain = "langchain"
	ProviderNone      = "none"
)

var defaultModels = map[string]string{
	ProviderOpenAI:    "gpt-4o-mini",
	ProviderAnthropic: "claude-3-5-haiku-latest",
	ProviderLangChain: "llama3.1",
}

// NewProvider builds the configured provider. It returns nil, nil when
// completions are disabled.
func NewProvider(cfg *config.Config) (Provider, error) {
	model := cfg.LLMModel
	if model == "" {
		model = defaultModels[cfg.LLMProvider]
	}

	switch cfg.LLMProvider {
	case ProviderNone, "":
		return nil, nil

	case ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("OPENAI_API_KEY not set")
		}
		return NewOpenAIProvider(cfg.OpenAIAPIKey, model, cfg.LLMBaseURL, cfg.LLMMaxTokens), nil

	case ProviderAnthropic:
		if cfg.AnthropicAPIKey == "" {
			return nil, fmt.Errorf("ANTHROPIC_API_KEY not set")
		}
		return NewAnthropicProvider(cfg.AnthropicAPIKey, model, cfg.LLMMaxTokens), nil

	case ProviderLangChain:
		// Local OpenAI-compatible servers accept any token.
		token := cfg.OpenAIAPIKey
		if token == "" {
			token = "local"
		}
		baseURL := cfg.LLMBaseURL
		if baseURL == "" {
			baseURL = "http://localhost:11434/v1"
		}
		p, err := NewLangChainProvider(token, model, baseURL, cfg.LLMMaxTokens)
		if err != nil {
			return nil, fmt.Errorf("failed to create langchain provider: %w", err)
		}
		return p, nil
	}

	return nil, fmt.Errorf("unknown LLM_PROVIDER: %s (supported: openai, anthropic, langchain, none)", cfg.LLMProvider)
}
