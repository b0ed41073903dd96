package config

import "testing"

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("PORT", "")
	t.Setenv("NATS_URL", "")
	t.Setenv("REDIS_URL", "")
	t.Setenv("FEED_BACKEND", "")
	t.Setenv("LLM_MAX_TOKENS", "not-a-number")

	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port 8080, got %q", cfg.Port)
	}
	if cfg.FeedBackend != "memory" {
		t.Fatalf("expected memory feed without brokers, got %q", cfg.FeedBackend)
	}
	if cfg.LLMMaxTokens != 2048 {
		t.Fatalf("expected default max tokens, got %d", cfg.LLMMaxTokens)
	}
}

func TestFeedBackendPrefersNats(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("FEED_BACKEND", "")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("NATS_URL", "nats://localhost:4222")

	if got := Load().FeedBackend; got != "nats" {
		t.Fatalf("expected nats, got %q", got)
	}
}

func TestWhitelistParsing(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("RATE_LIMIT_WHITELIST", " 10.0.0.1, 192.168.0.0/16 ,,")

	cfg := Load()
	if len(cfg.RateLimitWhitelist) != 2 {
		t.Fatalf("expected 2 entries, got %v", cfg.RateLimitWhitelist)
	}
	if cfg.RateLimitWhitelist[1] != "192.168.0.0/16" {
		t.Fatalf("unexpected entry %q", cfg.RateLimitWhitelist[1])
	}
}

func TestProductionRequiresDatabase(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic without DATABASE_URL in production")
		}
	}()
	Load()
}

func TestAutoBlockParsing(t *testing.T) {
	t.Setenv("ENV", "development")

	for value, want := range map[string]bool{"true": true, "1": true, "false": false, "": false, "yes": false} {
		t.Setenv("AUTO_BLOCK_ENABLED", value)
		if got := Load().AutoBlockEnabled; got != want {
			t.Errorf("AUTO_BLOCK_ENABLED=%q: got %v, want %v", value, got, want)
		}
	}
}
