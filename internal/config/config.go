// Package config provides application configuration with multi-source
// priority.
//
// Configuration sources (highest to lowest priority):
//  1. Environment variables (SAGE_ prefix, runtime override)
//  2. Config file (~/.sage/config.yaml)
//  3. Default values
//
// The MISTRAL_API_KEY secret is read from the environment only; a .env file
// in the working directory is loaded if present.
//
// Error handling uses sentinel errors so callers can branch with errors.Is.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var (
	// ErrMissingAPIKey indicates MISTRAL_API_KEY is not set.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidChunking indicates chunk size/overlap values are unusable.
	ErrInvalidChunking = errors.New("invalid chunking parameters")

	// ErrInvalidTopK indicates a retrieval k value is out of range.
	ErrInvalidTopK = errors.New("invalid top-k")

	// ErrInvalidBackend indicates an unknown vector store backend name.
	ErrInvalidBackend = errors.New("invalid store backend")

	// ErrInvalidRetry indicates retry parameters are out of range.
	ErrInvalidRetry = errors.New("invalid retry configuration")
)

// Store backends selectable via storage.backend.
const (
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Config holds all application settings.
type Config struct {
	// Model settings
	MistralAPIKey string
	ChatModel     string
	EmbedModel    string
	EmbedDim      int
	Temperature   float64

	// Storage settings
	DataDir     string // SQLite store files and the ingest lock live here
	Backend     string // "sqlite" or "postgres"
	PostgresDSN string // required when Backend == "postgres"

	// Ingestion settings
	UploadsDir   string
	ChunkSize    int
	ChunkOverlap int

	// Retrieval settings
	KnowledgeK int
	MemoryK    int

	// Prompt assembly
	PromptTokenBudget int

	// Generation resilience
	MaxAttempts     int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
	GenerateTimeout time.Duration
}

// Defaults mirror the values the system was tuned with.
const (
	defaultChatModel   = "mistral-small-latest"
	defaultEmbedModel  = "mistral-embed"
	defaultEmbedDim    = 1024
	defaultTemperature = 0.7

	defaultChunkSize    = 500
	defaultChunkOverlap = 50

	defaultKnowledgeK = 3
	defaultMemoryK    = 5

	defaultPromptTokenBudget = 2048

	defaultMaxAttempts     = 3
	defaultInitialBackoff  = 500 * time.Millisecond
	defaultMaxBackoff      = 10 * time.Second
	defaultGenerateTimeout = 60 * time.Second
)

// Load reads configuration from file, environment and defaults.
// A missing config file is not an error; defaults apply.
func Load() (*Config, error) {
	// Best effort: the key may live in a .env next to the binary, as in
	// development setups. Absence is fine.
	_ = godotenv.Load()

	v := viper.New()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".sage"))
	}
	v.AddConfigPath(".")

	v.SetEnvPrefix("SAGE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	home, _ := os.UserHomeDir()

	cfg := &Config{
		MistralAPIKey: os.Getenv("MISTRAL_API_KEY"),
		ChatModel:     v.GetString("model.chat"),
		EmbedModel:    v.GetString("model.embed"),
		EmbedDim:      v.GetInt("model.embed_dim"),
		Temperature:   v.GetFloat64("model.temperature"),

		DataDir:     expandPath(v.GetString("storage.data_dir"), home),
		Backend:     v.GetString("storage.backend"),
		PostgresDSN: v.GetString("storage.postgres_dsn"),

		UploadsDir:   expandPath(v.GetString("ingest.uploads_dir"), home),
		ChunkSize:    v.GetInt("ingest.chunk_size"),
		ChunkOverlap: v.GetInt("ingest.chunk_overlap"),

		KnowledgeK: v.GetInt("retrieval.knowledge_k"),
		MemoryK:    v.GetInt("retrieval.memory_k"),

		PromptTokenBudget: v.GetInt("prompt.token_budget"),

		MaxAttempts:     v.GetInt("generate.max_attempts"),
		InitialBackoff:  v.GetDuration("generate.initial_backoff"),
		MaxBackoff:      v.GetDuration("generate.max_backoff"),
		GenerateTimeout: v.GetDuration("generate.timeout"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("model.chat", defaultChatModel)
	v.SetDefault("model.embed", defaultEmbedModel)
	v.SetDefault("model.embed_dim", defaultEmbedDim)
	v.SetDefault("model.temperature", defaultTemperature)

	v.SetDefault("storage.data_dir", "~/.sage/data")
	v.SetDefault("storage.backend", BackendSQLite)
	v.SetDefault("storage.postgres_dsn", "")

	v.SetDefault("ingest.uploads_dir", "./uploads")
	v.SetDefault("ingest.chunk_size", defaultChunkSize)
	v.SetDefault("ingest.chunk_overlap", defaultChunkOverlap)

	v.SetDefault("retrieval.knowledge_k", defaultKnowledgeK)
	v.SetDefault("retrieval.memory_k", defaultMemoryK)

	v.SetDefault("prompt.token_budget", defaultPromptTokenBudget)

	v.SetDefault("generate.max_attempts", defaultMaxAttempts)
	v.SetDefault("generate.initial_backoff", defaultInitialBackoff)
	v.SetDefault("generate.max_backoff", defaultMaxBackoff)
	v.SetDefault("generate.timeout", defaultGenerateTimeout)
}

// Validate checks value ranges. The API key is validated separately by
// RequireAPIKey so that offline commands (status, ingest with a fake
// embedder in tests) can still load configuration.
func (c *Config) Validate() error {
	if c.ChunkSize <= 0 {
		return fmt.Errorf("%w: chunk size %d must be positive", ErrInvalidChunking, c.ChunkSize)
	}
	if c.ChunkOverlap < 0 || c.ChunkOverlap >= c.ChunkSize {
		return fmt.Errorf("%w: overlap %d must be in [0, %d)", ErrInvalidChunking, c.ChunkOverlap, c.ChunkSize)
	}
	if c.KnowledgeK <= 0 || c.KnowledgeK > 100 {
		return fmt.Errorf("%w: knowledge_k %d must be in [1, 100]", ErrInvalidTopK, c.KnowledgeK)
	}
	if c.MemoryK <= 0 || c.MemoryK > 100 {
		return fmt.Errorf("%w: memory_k %d must be in [1, 100]", ErrInvalidTopK, c.MemoryK)
	}
	if c.Backend != BackendSQLite && c.Backend != BackendPostgres {
		return fmt.Errorf("%w: %q (want %q or %q)", ErrInvalidBackend, c.Backend, BackendSQLite, BackendPostgres)
	}
	if c.Backend == BackendPostgres && c.PostgresDSN == "" {
		return fmt.Errorf("%w: postgres backend requires storage.postgres_dsn", ErrInvalidBackend)
	}
	if c.MaxAttempts < 1 || c.MaxAttempts > 10 {
		return fmt.Errorf("%w: max_attempts %d must be in [1, 10]", ErrInvalidRetry, c.MaxAttempts)
	}
	if c.InitialBackoff <= 0 || c.MaxBackoff < c.InitialBackoff {
		return fmt.Errorf("%w: backoff window %v..%v", ErrInvalidRetry, c.InitialBackoff, c.MaxBackoff)
	}
	if c.PromptTokenBudget < 128 {
		return fmt.Errorf("%w: prompt token budget %d too small", ErrInvalidChunking, c.PromptTokenBudget)
	}
	return nil
}

// RequireAPIKey returns ErrMissingAPIKey when no Mistral key is configured.
func (c *Config) RequireAPIKey() error {
	if strings.TrimSpace(c.MistralAPIKey) == "" {
		return fmt.Errorf("%w: set MISTRAL_API_KEY in the environment or .env", ErrMissingAPIKey)
	}
	return nil
}

// expandPath resolves a leading ~ against the home directory.
func expandPath(p, home string) string {
	if home == "" || !strings.HasPrefix(p, "~") {
		return p
	}
	return filepath.Join(home, strings.TrimPrefix(p, "~"))
}
