// Package config provides application configuration management with multi-source priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (runtime override)
//  2. Config file (./config.yaml)
//  3. Default values (sensible defaults for quick start)
//
// Main configuration categories:
//   - AI: chat model, embedder model, temperature, max tokens
//   - Storage: PostgreSQL connection
//   - Ingestion: chunking budgets, docs crawl limits
//   - Memory: extraction and retrieval-merge tunables
//   - Observability: optional OTLP trace export
//
// Security: sensitive fields (passwords) are masked in MarshalJSON/String.
// Validation: range checks in validation.go with sentinel errors for errors.Is().
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderOllama   = "ollama"
	ProviderGoogleAI = "googleai"
)

const (
	// DefaultEmbedderModel outputs 3072 dimensions by default but supports
	// truncation to 768 via OutputDimensionality. The content_chunks BYTEA
	// encoding and the memories vector(768) column both assume 768.
	DefaultEmbedderModel = "gemini-embedding-001"

	// DefaultHistoryMessages is the number of recent messages loaded into
	// the chat context window.
	DefaultHistoryMessages = 10

	// MaxAllowedHistoryMessages is the absolute maximum to prevent OOM.
	MaxAllowedHistoryMessages = 1000
)

// IngestionConfig holds content ingestion tunables.
type IngestionConfig struct {
	// Chunking budgets, in estimated tokens.
	MaxChunkTokens int `mapstructure:"max_chunk_tokens" json:"max_chunk_tokens"`
	MaxLineTokens  int `mapstructure:"max_line_tokens" json:"max_line_tokens"`
	OverlapTokens  int `mapstructure:"overlap_tokens" json:"overlap_tokens"`

	// Docs crawl limits.
	CrawlDelayMS  int `mapstructure:"crawl_delay_ms" json:"crawl_delay_ms"`
	CrawlMaxPages int `mapstructure:"crawl_max_pages" json:"crawl_max_pages"`

	// EmbedWorkers bounds parallel chunk embedding within one job.
	EmbedWorkers int `mapstructure:"embed_workers" json:"embed_workers"`
}

// MemoryConfig holds memory extraction and retrieval-merge tunables.
type MemoryConfig struct {
	// RecentLimit is how many newest memories the retriever considers.
	RecentLimit int `mapstructure:"recent_limit" json:"recent_limit"`

	// ImportanceThreshold selects high-importance memories (1-5 scale).
	ImportanceThreshold int `mapstructure:"importance_threshold" json:"importance_threshold"`

	// MinSimilarity is the cosine floor for semantic memory retrieval.
	MinSimilarity float64 `mapstructure:"min_similarity" json:"min_similarity"`

	// SemanticBoost is added to the cosine score of semantic matches
	// so they outrank recency-only candidates at equal similarity.
	SemanticBoost float64 `mapstructure:"semantic_boost" json:"semantic_boost"`

	// ContextLimit caps the merged memory list handed to the chat prompt.
	ContextLimit int `mapstructure:"context_limit" json:"context_limit"`
}

// SearchConfig holds semantic search defaults.
type SearchConfig struct {
	DefaultLimit  int     `mapstructure:"default_limit" json:"default_limit"`
	MinSimilarity float64 `mapstructure:"min_similarity" json:"min_similarity"`
}

// ObservabilityConfig configures the optional OTLP trace exporter.
type ObservabilityConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"` // host:port of an OTLP HTTP collector
	Environment string `mapstructure:"environment" json:"environment"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	APIKey      string `mapstructure:"api_key" json:"api_key"` // SENSITIVE: masked in MarshalJSON
}

// MarshalJSON masks the API key.
func (o ObservabilityConfig) MarshalJSON() ([]byte, error) {
	type alias ObservabilityConfig
	a := alias(o)
	a.APIKey = maskSecret(a.APIKey)
	return json.Marshal(a)
}

// Config stores application configuration.
// SECURITY: sensitive fields are explicitly masked in MarshalJSON().
// When adding new sensitive fields, update MarshalJSON.
type Config struct {
	// AI provider and model configuration
	Provider      string  `mapstructure:"provider" json:"provider"`
	ModelName     string  `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string  `mapstructure:"embedder_model" json:"embedder_model"`
	Temperature   float32 `mapstructure:"temperature" json:"temperature"`
	MaxTokens     int     `mapstructure:"max_tokens" json:"max_tokens"`

	// Ollama configuration (only used when provider is "ollama")
	OllamaHost string `mapstructure:"ollama_host" json:"ollama_host"`

	// Chat configuration
	HistoryMessages int     `mapstructure:"history_messages" json:"history_messages"`
	ModelRateLimit  float64 `mapstructure:"model_rate_limit" json:"model_rate_limit"` // model calls per second, 0 disables

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	Ingestion     IngestionConfig     `mapstructure:"ingestion" json:"ingestion"`
	Memory        MemoryConfig        `mapstructure:"memory" json:"memory"`
	Search        SearchConfig        `mapstructure:"search" json:"search"`
	Observability ObservabilityConfig `mapstructure:"observability" json:"observability"`

	// Logging
	LogJSON  bool   `mapstructure:"log_json" json:"log_json"`
	LogLevel string `mapstructure:"log_level" json:"log_level"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > default values.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	setDefaults(v)
	bindEnvVariables(v)

	if err := v.ReadInConfig(); err != nil {
		// A missing config file is fine, defaults + env apply.
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using defaults", "config_name", "config.yaml")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// AI defaults
	v.SetDefault("provider", ProviderGemini)
	v.SetDefault("model_name", "gemini-2.5-flash")
	v.SetDefault("embedder_model", DefaultEmbedderModel)
	v.SetDefault("temperature", 0.7)
	v.SetDefault("max_tokens", 2048)
	v.SetDefault("ollama_host", "http://localhost:11434")

	// Chat defaults
	v.SetDefault("history_messages", DefaultHistoryMessages)
	v.SetDefault("model_rate_limit", 1.0)

	// PostgreSQL defaults (matching docker-compose.yml)
	v.SetDefault("postgres_host", "localhost")
	v.SetDefault("postgres_port", 5432)
	v.SetDefault("postgres_user", "coach")
	v.SetDefault("postgres_password", "coach_dev_password")
	v.SetDefault("postgres_db_name", "coach")
	v.SetDefault("postgres_ssl_mode", "disable")

	// Ingestion defaults
	v.SetDefault("ingestion.max_chunk_tokens", 400)
	v.SetDefault("ingestion.max_line_tokens", 100)
	v.SetDefault("ingestion.overlap_tokens", 50)
	v.SetDefault("ingestion.crawl_delay_ms", 500)
	v.SetDefault("ingestion.crawl_max_pages", 50)
	v.SetDefault("ingestion.embed_workers", 4)

	// Memory defaults
	v.SetDefault("memory.recent_limit", 10)
	v.SetDefault("memory.importance_threshold", 4)
	v.SetDefault("memory.min_similarity", 0.55)
	v.SetDefault("memory.semantic_boost", 0.2)
	v.SetDefault("memory.context_limit", 12)

	// Search defaults
	v.SetDefault("search.default_limit", 5)
	v.SetDefault("search.min_similarity", 0.3)

	// Observability defaults
	v.SetDefault("observability.enabled", false)
	v.SetDefault("observability.endpoint", "localhost:4318")
	v.SetDefault("observability.environment", "dev")
	v.SetDefault("observability.service_name", "coach")

	// Logging defaults
	v.SetDefault("log_json", false)
	v.SetDefault("log_level", "info")
}

// bindEnvVariables binds environment variable overrides explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via Viper; validation
// checks its presence based on the selected provider.
func bindEnvVariables(v *viper.Viper) {
	// Hardcoded keys cannot fail to bind; a panic here is a bug.
	mustBind := func(key, envVar string) {
		if err := v.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "COACH_PROVIDER")
	mustBind("model_name", "COACH_MODEL_NAME")
	mustBind("embedder_model", "COACH_EMBEDDER_MODEL")
	mustBind("ollama_host", "COACH_OLLAMA_HOST")

	mustBind("postgres_host", "COACH_POSTGRES_HOST")
	mustBind("postgres_port", "COACH_POSTGRES_PORT")
	mustBind("postgres_user", "COACH_POSTGRES_USER")
	mustBind("postgres_password", "COACH_POSTGRES_PASSWORD")
	mustBind("postgres_db_name", "COACH_POSTGRES_DB_NAME")
	mustBind("postgres_ssl_mode", "COACH_POSTGRES_SSL_MODE")

	mustBind("observability.enabled", "COACH_TRACING_ENABLED")
	mustBind("observability.endpoint", "COACH_OTLP_ENDPOINT")
	mustBind("observability.api_key", "COACH_OTLP_API_KEY")

	mustBind("log_json", "COACH_LOG_JSON")
	mustBind("log_level", "COACH_LOG_LEVEL")
}

// DatabaseURL assembles a postgres:// connection URL from the Postgres fields.
func (c *Config) DatabaseURL() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		c.PostgresUser, c.PostgresPassword,
		c.PostgresHost, c.PostgresPort,
		c.PostgresDBName, c.PostgresSSLMode)
}

// FullModelName returns the provider-qualified model name for Genkit.
// Examples: "googleai/gemini-2.5-flash", "ollama/llama3.3".
// If ModelName already contains a "/", it is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	switch c.Provider {
	case ProviderOllama:
		return ProviderOllama + "/" + c.ModelName
	default:
		return ProviderGoogleAI + "/" + c.ModelName
	}
}

// FullEmbedderName returns the provider-qualified embedder name for Genkit.
func (c *Config) FullEmbedderName() string {
	if strings.Contains(c.EmbedderModel, "/") {
		return c.EmbedderModel
	}
	switch c.Provider {
	case ProviderOllama:
		return ProviderOllama + "/" + c.EmbedderModel
	default:
		return ProviderGoogleAI + "/" + c.EmbedderModel
	}
}

// maskedValue is the placeholder for masked sensitive data.
// Full-width blocks avoid substring matching against real secret fragments.
const maskedValue = "████████"

// maskSecret masks a secret string for safe logging.
// Secrets of 8 chars or fewer are fully masked; longer secrets keep the
// first and last 2 characters for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with explicit sensitive field masking.
//
// Sensitive fields masked:
//   - PostgresPassword
//   - Observability.APIKey (via ObservabilityConfig.MarshalJSON)
func (c Config) MarshalJSON() ([]byte, error) {
	type alias Config
	a := alias(c)
	a.PostgresPassword = maskSecret(a.PostgresPassword)
	data, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("marshal config: %w", err)
	}
	return data, nil
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
