package config

import (
	"encoding/json"
	"os"
	"strconv"
)

// Config holds all configuration for the orchestrator. It is loaded
// once at startup and treated as a read-only input everywhere else.
type Config struct {
	Port    int
	Version string

	// DefaultModel is the model id used when a request omits one.
	DefaultModel string
	// DefaultTimeoutMs bounds a whole request (monolithic call or
	// agentic pipeline) unless the request overrides it.
	DefaultTimeoutMs int64

	Providers ProvidersConfig
	Aliases   map[string]string
	Database  DatabaseConfig
	Telemetry TelemetryConfig
}

// ProvidersConfig carries credentials and endpoints for each backend.
// A provider with no credentials is simply not registered.
type ProvidersConfig struct {
	OpenAIKey      string
	OpenAIEndpoint string

	AnthropicKey      string
	AnthropicEndpoint string

	GeminiKey      string
	GeminiEndpoint string

	OllamaEndpoint string
}

type DatabaseConfig struct {
	// URL enables the PostgreSQL run store when set; otherwise runs
	// are kept in memory.
	URL            string
	MaxConnections int
}

type TelemetryConfig struct {
	Enabled      bool
	OTLPEndpoint string
	ServiceName  string
}

// defaultAliases maps short human-friendly names to canonical model
// identifiers. KEYSTONE_MODEL_ALIASES (JSON object) extends or
// overrides these at startup.
var defaultAliases = map[string]string{
	"openai":    "gpt-4o-mini",
	"gpt":       "gpt-4o-mini",
	"anthropic": "claude-3-5-haiku-20241022",
	"claude":    "claude-3-5-haiku-20241022",
	"gemini":    "gemini-2.0-flash",
	"local":     "llama3.1",
	"ollama":    "llama3.1",
}

// Load reads configuration from environment variables with sensible
// defaults.
func Load() *Config {
	return &Config{
		Port:             envInt("KEYSTONE_PORT", 8080),
		Version:          envStr("KEYSTONE_VERSION", "0.4.0"),
		DefaultModel:     envStr("KEYSTONE_DEFAULT_MODEL", "gemini"),
		DefaultTimeoutMs: int64(envInt("KEYSTONE_DEFAULT_TIMEOUT_MS", 120000)),
		Providers: ProvidersConfig{
			OpenAIKey:         envStr("OPENAI_API_KEY", ""),
			OpenAIEndpoint:    envStr("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			AnthropicKey:      envStr("ANTHROPIC_API_KEY", ""),
			AnthropicEndpoint: envStr("ANTHROPIC_BASE_URL", "https://api.anthropic.com"),
			GeminiKey:         envStr("GEMINI_API_KEY", ""),
			GeminiEndpoint:    envStr("GEMINI_BASE_URL", "https://generativelanguage.googleapis.com/v1beta/openai"),
			OllamaEndpoint:    envStr("OLLAMA_BASE_URL", "http://localhost:11434"),
		},
		Aliases: loadAliases(),
		Database: DatabaseConfig{
			URL:            envStr("DATABASE_URL", ""),
			MaxConnections: envInt("DATABASE_MAX_CONNECTIONS", 10),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			OTLPEndpoint: envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			ServiceName:  envStr("OTEL_SERVICE_NAME", "keystone-orchestrator"),
		},
	}
}

func loadAliases() map[string]string {
	aliases := make(map[string]string, len(defaultAliases))
	for k, v := range defaultAliases {
		aliases[k] = v
	}
	if raw := os.Getenv("KEYSTONE_MODEL_ALIASES"); raw != "" {
		var overrides map[string]string
		if err := json.Unmarshal([]byte(raw), &overrides); err == nil {
			for k, v := range overrides {
				aliases[k] = v
			}
		}
	}
	return aliases
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return fallback
}
