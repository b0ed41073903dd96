package completion

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"testing"

	anthropic "github.com/liushuangls/go-anthropic/v2"
	openai "github.com/meguminnnnnnnnn/go-openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/eldtechnologies/confab/internal/config"
	"github.com/eldtechnologies/confab/internal/models"
)

var prompt = []models.Turn{{Role: models.RoleUser, Content: "hello"}}

func drain(tokens <-chan string, errs <-chan error) (string, error) {
	var b strings.Builder
	for tok := range tokens {
		b.WriteString(tok)
	}
	return b.String(), <-errs
}

func TestStreamDeliversTokens(t *testing.T) {
	tokens, errs := stream(context.Background(), "test", prompt, func(emit emitFunc) error {
		for _, tok := range []string{"Hel", "", "lo"} {
			emit(tok)
		}
		return nil
	})

	text, err := drain(tokens, errs)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if text != "Hello" {
		t.Fatalf("got %q", text)
	}
}

func TestStreamReportsProducerError(t *testing.T) {
	boom := errors.New("boom")
	tokens, errs := stream(context.Background(), "test", prompt, func(emit emitFunc) error {
		emit("partial")
		return boom
	})

	text, err := drain(tokens, errs)
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if text != "partial" {
		t.Fatalf("tokens before the error should still arrive, got %q", text)
	}
}

func TestStreamRejectsPromptWithoutUserTurn(t *testing.T) {
	called := false
	tokens, errs := stream(context.Background(), "test", []models.Turn{{Role: models.RoleAssistant, Content: "hi"}}, func(emit emitFunc) error {
		called = true
		return nil
	})

	if _, err := drain(tokens, errs); !errors.Is(err, ErrEmptyPrompt) {
		t.Fatalf("expected ErrEmptyPrompt, got %v", err)
	}
	if called {
		t.Fatal("producer should not run")
	}
}

func TestStreamStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	tokens, errs := stream(ctx, "test", prompt, func(emit emitFunc) error {
		for emit("tok") {
		}
		return nil
	})

	<-tokens
	cancel()
	if _, err := drain(tokens, errs); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestAlternate(t *testing.T) {
	tests := []struct {
		name string
		in   []models.Turn
		want []models.Turn
	}{
		{
			name: "leading assistant dropped",
			in: []models.Turn{
				{Role: models.RoleAssistant, Content: "earlier reply"},
				{Role: models.RoleUser, Content: "q"},
			},
			want: []models.Turn{{Role: models.RoleUser, Content: "q"}},
		},
		{
			name: "consecutive user turns joined",
			in: []models.Turn{
				{Role: models.RoleUser, Content: "a"},
				{Role: models.RoleUser, Content: "b"},
				{Role: models.RoleAssistant, Content: "c"},
			},
			want: []models.Turn{
				{Role: models.RoleUser, Content: "a\n\nb"},
				{Role: models.RoleAssistant, Content: "c"},
			},
		},
		{
			name: "already alternating",
			in:   prompt,
			want: prompt,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := alternate(tt.in); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("alternate() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestRequestConversion(t *testing.T) {
	turns := []models.Turn{
		{Role: models.RoleUser, Content: "q1"},
		{Role: models.RoleAssistant, Content: "a1"},
		{Role: models.RoleUser, Content: "q2"},
	}

	oa := openAIMessages(turns)
	if len(oa) != 4 || oa[0].Role != openai.ChatMessageRoleSystem || oa[0].Content != SystemPrompt {
		t.Fatalf("openai: system prompt should lead, got %+v", oa[0])
	}
	if oa[2].Role != openai.ChatMessageRoleAssistant || oa[3].Content != "q2" {
		t.Fatalf("openai: unexpected roles %+v", oa)
	}

	an := anthropicMessages(turns)
	if len(an) != 3 || an[0].Role != anthropic.RoleUser || an[1].Role != anthropic.RoleAssistant {
		t.Fatalf("anthropic: unexpected messages %+v", an)
	}

	lc := langChainContent(turns)
	if len(lc) != 4 || lc[0].Role != schema.ChatMessageTypeSystem || lc[2].Role != schema.ChatMessageTypeAI {
		t.Fatalf("langchain: unexpected content %+v", lc)
	}
}

func TestNewProvider(t *testing.T) {
	tests := []struct {
		name     string
		cfg      config.Config
		wantName string
		wantErr  bool
	}{
		{name: "disabled", cfg: config.Config{LLMProvider: ProviderNone}},
		{name: "openai without key", cfg: config.Config{LLMProvider: ProviderOpenAI}, wantErr: true},
		{name: "openai", cfg: config.Config{LLMProvider: ProviderOpenAI, OpenAIAPIKey: "sk-test"}, wantName: "openai"},
		{name: "anthropic without key", cfg: config.Config{LLMProvider: ProviderAnthropic}, wantErr: true},
		{name: "anthropic", cfg: config.Config{LLMProvider: ProviderAnthropic, AnthropicAPIKey: "key"}, wantName: "anthropic"},
		{name: "langchain", cfg: config.Config{LLMProvider: ProviderLangChain}, wantName: "langchain"},
		{name: "unknown", cfg: config.Config{LLMProvider: "gemini"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(&tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantName == "" {
				if p != nil {
					t.Fatalf("expected no provider, got %s", p.Name())
				}
				return
			}
			if p == nil || p.Name() != tt.wantName {
				t.Fatalf("expected %s provider, got %v", tt.wantName, p)
			}
		})
	}
}
