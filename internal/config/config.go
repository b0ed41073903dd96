package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the confab server.
type Config struct {
	Port string
	Env  string

	// Storage. SQLitePath is used when DatabaseURL is empty.
	DatabaseURL string
	SQLitePath  string
	RedisURL    string

	// Realtime feed: "redis", "nats" or "memory". Defaults to the first
	// broker that is configured.
	NatsURL     string
	FeedBackend string

	// Completion provider
	LLMProvider     string
	LLMModel        string
	LLMBaseURL      string
	LLMMaxTokens    int
	OpenAIAPIKey    string
	AnthropicAPIKey string

	// Key for sealing message bodies at rest; empty disables sealing.
	MessageEncryptionKey string

	RateLimitWhitelist []string // IPs or CIDRs exempt from rate limiting
	AutoBlockEnabled   bool
}

// requiredInProduction lists variables a production deployment must set.
var requiredInProduction = []string{"DATABASE_URL", "REDIS_URL", "MESSAGE_ENCRYPTION_KEY"}

// Load reads configuration from the environment, after a .env file if one
// is present. It panics in production when a required variable is missing.
func Load() *Config {
	_ = godotenv.Load()

	env := getEnv("ENV", "development")
	if env == "production" {
		for _, key := range requiredInProduction {
			if os.Getenv(key) == "" {
				panic(key + " is required in production")
			}
		}
	}

	cfg := &Config{
		Port:                 getEnv("PORT", "8080"),
		Env:                  env,
		DatabaseURL:          os.Getenv("DATABASE_URL"),
		SQLitePath:           getEnv("SQLITE_PATH", "./data/confab.db"),
		RedisURL:             os.Getenv("REDIS_URL"),
		NatsURL:              os.Getenv("NATS_URL"),
		FeedBackend:          os.Getenv("FEED_BACKEND"),
		LLMProvider:          getEnv("LLM_PROVIDER", "openai"),
		LLMModel:             os.Getenv("LLM_MODEL"),
		LLMBaseURL:           os.Getenv("LLM_BASE_URL"),
		LLMMaxTokens:         getEnvInt("LLM_MAX_TOKENS", 2048),
		OpenAIAPIKey:         os.Getenv("OPENAI_API_KEY"),
		AnthropicAPIKey:      os.Getenv("ANTHROPIC_API_KEY"),
		MessageEncryptionKey: os.Getenv("MESSAGE_ENCRYPTION_KEY"),
		RateLimitWhitelist:   getEnvList("RATE_LIMIT_WHITELIST"),
		AutoBlockEnabled:     getEnvBool("AUTO_BLOCK_ENABLED", false),
	}
	if cfg.FeedBackend == "" {
		cfg.FeedBackend = cfg.defaultFeedBackend()
	}
	return cfg
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

func (c *Config) defaultFeedBackend() string {
	switch {
	case c.NatsURL != "":
		return "nats"
	case c.RedisURL != "":
		return "redis"
	default:
		return "memory"
	}
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	n, err := strconv.Atoi(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return n
}

func getEnvBool(key string, defaultValue bool) bool {
	b, err := strconv.ParseBool(os.Getenv(key))
	if err != nil {
		return defaultValue
	}
	return b
}

// getEnvList splits a comma-separated variable, dropping blank entries.
func getEnvList(key string) []string {
	var out []string
	for _, entry := range strings.Split(os.Getenv(key), ",") {
		if entry = strings.TrimSpace(entry); entry != "" {
			out = append(out, entry)
		}
	}
	return out
}
