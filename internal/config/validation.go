package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidTemperature indicates the temperature value is out of range.
	ErrInvalidTemperature = errors.New("invalid temperature")

	// ErrInvalidMaxTokens indicates the max tokens value is out of range.
	ErrInvalidMaxTokens = errors.New("invalid max tokens")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidPostgresHost indicates the PostgreSQL host is invalid.
	ErrInvalidPostgresHost = errors.New("invalid PostgreSQL host")

	// ErrInvalidPostgresPort indicates the PostgreSQL port is out of range.
	ErrInvalidPostgresPort = errors.New("invalid PostgreSQL port")

	// ErrInvalidPostgresDBName indicates the PostgreSQL database name is invalid.
	ErrInvalidPostgresDBName = errors.New("invalid PostgreSQL database name")

	// ErrInvalidPostgresPassword indicates the PostgreSQL password is invalid.
	ErrInvalidPostgresPassword = errors.New("invalid PostgreSQL password")

	// ErrInvalidPostgresSSLMode indicates the PostgreSQL SSL mode is invalid.
	ErrInvalidPostgresSSLMode = errors.New("invalid PostgreSQL SSL mode")

	// ErrInvalidProvider indicates the AI provider is not supported.
	ErrInvalidProvider = errors.New("invalid provider")

	// ErrInvalidChunking indicates the chunking budgets are inconsistent.
	ErrInvalidChunking = errors.New("invalid chunking configuration")

	// ErrInvalidCrawl indicates the docs crawl limits are out of range.
	ErrInvalidCrawl = errors.New("invalid crawl configuration")

	// ErrInvalidMemoryTuning indicates the memory retrieval tunables are out of range.
	ErrInvalidMemoryTuning = errors.New("invalid memory configuration")
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	switch c.Provider {
	case ProviderGemini, ProviderGoogleAI:
		if os.Getenv("GEMINI_API_KEY") == "" {
			return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
				"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
				ErrMissingAPIKey)
		}
	case ProviderOllama:
		if c.OllamaHost == "" {
			return fmt.Errorf("%w: ollama_host cannot be empty", ErrInvalidProvider)
		}
	default:
		return fmt.Errorf("%w: %q (expected gemini, googleai or ollama)", ErrInvalidProvider, c.Provider)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}

	// Temperature range per the Gemini API documentation.
	if c.Temperature < 0.0 || c.Temperature > 2.0 {
		return fmt.Errorf("%w: must be between 0.0 and 2.0, got %.2f", ErrInvalidTemperature, c.Temperature)
	}

	if c.MaxTokens < 1 || c.MaxTokens > 2097152 {
		return fmt.Errorf("%w: must be between 1 and 2,097,152, got %d", ErrInvalidMaxTokens, c.MaxTokens)
	}

	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	if c.HistoryMessages < 1 || c.HistoryMessages > MaxAllowedHistoryMessages {
		return fmt.Errorf("%w: history_messages must be between 1 and %d, got %d",
			ErrInvalidMaxTokens, MaxAllowedHistoryMessages, c.HistoryMessages)
	}

	if err := c.validatePostgres(); err != nil {
		return err
	}
	if err := c.Ingestion.validate(); err != nil {
		return err
	}
	return c.Memory.validate()
}

func (c *Config) validatePostgres() error {
	if c.PostgresHost == "" {
		return fmt.Errorf("%w: host cannot be empty", ErrInvalidPostgresHost)
	}

	if c.PostgresPort < 1 || c.PostgresPort > 65535 {
		return fmt.Errorf("%w: must be between 1 and 65535, got %d", ErrInvalidPostgresPort, c.PostgresPort)
	}

	if c.PostgresDBName == "" {
		return fmt.Errorf("%w: database name cannot be empty", ErrInvalidPostgresDBName)
	}

	if c.PostgresPassword == "" {
		return fmt.Errorf("%w: postgres_password must be set", ErrInvalidPostgresPassword)
	}

	// Warn on the default dev password but don't block local development.
	if c.PostgresPassword == "coach_dev_password" {
		slog.Warn("using default development password for PostgreSQL",
			"warning", "change postgres_password for production deployments")
	}

	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only; allow/prefer are deprecated (MITM vulnerable).
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}

func (i IngestionConfig) validate() error {
	if i.MaxChunkTokens < 1 {
		return fmt.Errorf("%w: max_chunk_tokens must be positive, got %d", ErrInvalidChunking, i.MaxChunkTokens)
	}
	if i.MaxLineTokens < 1 || i.MaxLineTokens > i.MaxChunkTokens {
		return fmt.Errorf("%w: max_line_tokens must be between 1 and max_chunk_tokens, got %d",
			ErrInvalidChunking, i.MaxLineTokens)
	}
	if i.OverlapTokens < 0 || i.OverlapTokens >= i.MaxChunkTokens {
		return fmt.Errorf("%w: overlap_tokens must be non-negative and below max_chunk_tokens, got %d",
			ErrInvalidChunking, i.OverlapTokens)
	}
	if i.CrawlDelayMS < 0 {
		return fmt.Errorf("%w: crawl_delay_ms cannot be negative, got %d", ErrInvalidCrawl, i.CrawlDelayMS)
	}
	if i.CrawlMaxPages < 1 {
		return fmt.Errorf("%w: crawl_max_pages must be positive, got %d", ErrInvalidCrawl, i.CrawlMaxPages)
	}
	if i.EmbedWorkers < 1 {
		return fmt.Errorf("%w: embed_workers must be positive, got %d", ErrInvalidCrawl, i.EmbedWorkers)
	}
	return nil
}

func (m MemoryConfig) validate() error {
	if m.RecentLimit < 0 {
		return fmt.Errorf("%w: recent_limit cannot be negative, got %d", ErrInvalidMemoryTuning, m.RecentLimit)
	}
	if m.ImportanceThreshold < 1 || m.ImportanceThreshold > 5 {
		return fmt.Errorf("%w: importance_threshold must be between 1 and 5, got %d",
			ErrInvalidMemoryTuning, m.ImportanceThreshold)
	}
	if m.MinSimilarity < 0 || m.MinSimilarity > 1 {
		return fmt.Errorf("%w: min_similarity must be between 0 and 1, got %.2f",
			ErrInvalidMemoryTuning, m.MinSimilarity)
	}
	if m.SemanticBoost < 0 || m.SemanticBoost > 1 {
		return fmt.Errorf("%w: semantic_boost must be between 0 and 1, got %.2f",
			ErrInvalidMemoryTuning, m.SemanticBoost)
	}
	if m.ContextLimit < 1 {
		return fmt.Errorf("%w: context_limit must be positive, got %d", ErrInvalidMemoryTuning, m.ContextLimit)
	}
	return nil
}
