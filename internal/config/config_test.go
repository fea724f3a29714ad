package config

import (
	"errors"
	"testing"
	"time"
)

// validConfig returns a configuration that passes Validate.
func validConfig() *Config {
	return &Config{
		ChatModel:         "mistral-small-latest",
		EmbedModel:        "mistral-embed",
		EmbedDim:          1024,
		Temperature:       0.7,
		DataDir:           "/tmp/sage",
		Backend:           BackendSQLite,
		UploadsDir:        "./uploads",
		ChunkSize:         500,
		ChunkOverlap:      50,
		KnowledgeK:        3,
		MemoryK:           5,
		PromptTokenBudget: 2048,
		MaxAttempts:       3,
		InitialBackoff:    500 * time.Millisecond,
		MaxBackoff:        10 * time.Second,
		GenerateTimeout:   time.Minute,
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr error
	}{
		{
			name:   "valid defaults",
			mutate: func(*Config) {},
		},
		{
			name:    "zero chunk size",
			mutate:  func(c *Config) { c.ChunkSize = 0 },
			wantErr: ErrInvalidChunking,
		},
		{
			name:    "overlap equals chunk size",
			mutate:  func(c *Config) { c.ChunkOverlap = c.ChunkSize },
			wantErr: ErrInvalidChunking,
		},
		{
			name:    "negative overlap",
			mutate:  func(c *Config) { c.ChunkOverlap = -1 },
			wantErr: ErrInvalidChunking,
		},
		{
			name:    "zero knowledge k",
			mutate:  func(c *Config) { c.KnowledgeK = 0 },
			wantErr: ErrInvalidTopK,
		},
		{
			name:    "oversized memory k",
			mutate:  func(c *Config) { c.MemoryK = 101 },
			wantErr: ErrInvalidTopK,
		},
		{
			name:    "unknown backend",
			mutate:  func(c *Config) { c.Backend = "dynamodb" },
			wantErr: ErrInvalidBackend,
		},
		{
			name:    "postgres backend without DSN",
			mutate:  func(c *Config) { c.Backend = BackendPostgres },
			wantErr: ErrInvalidBackend,
		},
		{
			name: "postgres backend with DSN",
			mutate: func(c *Config) {
				c.Backend = BackendPostgres
				c.PostgresDSN = "postgres://localhost:5432/sage"
			},
		},
		{
			name:    "zero attempts",
			mutate:  func(c *Config) { c.MaxAttempts = 0 },
			wantErr: ErrInvalidRetry,
		},
		{
			name:    "max backoff below initial",
			mutate:  func(c *Config) { c.MaxBackoff = time.Millisecond },
			wantErr: ErrInvalidRetry,
		},
		{
			name:    "tiny token budget",
			mutate:  func(c *Config) { c.PromptTokenBudget = 16 },
			wantErr: ErrInvalidChunking,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == nil {
				if err != nil {
					t.Fatalf("Validate() = %v, want nil", err)
				}
				return
			}
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequireAPIKey(t *testing.T) {
	cfg := validConfig()
	if err := cfg.RequireAPIKey(); !errors.Is(err, ErrMissingAPIKey) {
		t.Fatalf("RequireAPIKey() = %v, want ErrMissingAPIKey", err)
	}

	cfg.MistralAPIKey = "sk-test"
	if err := cfg.RequireAPIKey(); err != nil {
		t.Fatalf("RequireAPIKey() with key = %v, want nil", err)
	}
}

func TestExpandPath(t *testing.T) {
	if got := expandPath("~/data", "/home/u"); got != "/home/u/data" {
		t.Errorf("expandPath(~/data) = %q", got)
	}
	if got := expandPath("/abs/data", "/home/u"); got != "/abs/data" {
		t.Errorf("expandPath(/abs/data) = %q", got)
	}
	if got := expandPath("~/data", ""); got != "~/data" {
		t.Errorf("expandPath with no home = %q", got)
	}
}
