// Package config loads application configuration for both the API service and
// the schema worker.
//
// Sources, highest priority first:
//  1. Environment variables (SCHEMAPILOT_* plus DATABASE_URL)
//  2. Config file (./schemapilot.yaml or ~/.schemapilot/config.yaml)
//  3. Defaults
//
// Configuration is validated fail-fast at load time: a process without a base
// database target cannot do anything useful, so that is the one startup error
// treated as fatal.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

// Sentinel errors checked with errors.Is by callers and tests.
var (
	// ErrNoDatabaseURL indicates no base connection target is configured.
	ErrNoDatabaseURL = errors.New("no database URL configured")

	// ErrInvalidDatabaseURL indicates the configured DSN cannot be parsed.
	ErrInvalidDatabaseURL = errors.New("invalid database URL")

	// ErrInvalidBackend indicates an unknown vector backend name.
	ErrInvalidBackend = errors.New("invalid vector backend")

	// ErrInvalidTopK indicates an out-of-range retrieval depth.
	ErrInvalidTopK = errors.New("invalid top_k")

	// ErrInvalidRowLimit indicates an out-of-range default row cap.
	ErrInvalidRowLimit = errors.New("invalid row_limit")
)

// Vector backend identifiers used in Config.VectorBackend.
const (
	BackendChromem  = "chromem"
	BackendPGVector = "pgvector"
)

// TranslatorConfig configures the external question-to-SQL collaborator.
// Any OpenAI-compatible endpoint works (OpenRouter, a local gateway, ...).
type TranslatorConfig struct {
	BaseURL     string  `mapstructure:"base_url" json:"base_url"`
	APIKey      string  `mapstructure:"api_key" json:"api_key"` // SENSITIVE: never logged
	Model       string  `mapstructure:"model" json:"model"`
	Temperature float64 `mapstructure:"temperature" json:"temperature"`
}

// Config stores the full application configuration.
type Config struct {
	// DatabaseURL is the base Postgres DSN. Tenant databases are reached by
	// swapping the database name in this DSN (see TenantDSN).
	DatabaseURL string `mapstructure:"database_url" json:"database_url"`

	// DefaultTenant is the database the worker starts out pointing at.
	DefaultTenant string `mapstructure:"default_tenant" json:"default_tenant"`

	// Addresses of the two services.
	APIAddr    string `mapstructure:"api_addr" json:"api_addr"`
	WorkerAddr string `mapstructure:"worker_addr" json:"worker_addr"`

	// WorkerBaseURL is where the API service reaches the worker control surface.
	WorkerBaseURL string `mapstructure:"worker_base_url" json:"worker_base_url"`

	// Embedding configuration.
	Provider      string `mapstructure:"provider" json:"provider"` // "gemini" (default) or "ollama"
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`
	OllamaHost    string `mapstructure:"ollama_host" json:"ollama_host"`

	// Vector index configuration.
	VectorBackend string `mapstructure:"vector_backend" json:"vector_backend"` // "chromem" or "pgvector"
	StoreDir      string `mapstructure:"store_dir" json:"store_dir"`           // chromem persistence root

	// Retrieval and safety limits.
	TopK      int     `mapstructure:"top_k" json:"top_k"`
	RowLimit  int     `mapstructure:"row_limit" json:"row_limit"`
	CostGuard bool    `mapstructure:"cost_guard" json:"cost_guard"`
	CostLimit float64 `mapstructure:"cost_limit" json:"cost_limit"`

	// Translator is the external NL->SQL collaborator.
	Translator TranslatorConfig `mapstructure:"translator" json:"translator"`
}

// Load reads configuration from all sources and validates it.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("schemapilot")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".schemapilot"))
	}

	setDefaults(v)

	v.SetEnvPrefix("SCHEMAPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// No file is fine: env vars and defaults carry the load.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL wins over everything, matching common deployment practice.
	if dsn := os.Getenv("DATABASE_URL"); dsn != "" {
		cfg.DatabaseURL = dsn
	}
	if key := os.Getenv("OPENROUTER_API_KEY"); key != "" && cfg.Translator.APIKey == "" {
		cfg.Translator.APIKey = key
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api_addr", "127.0.0.1:3400")
	v.SetDefault("worker_addr", "127.0.0.1:9500")
	v.SetDefault("worker_base_url", "http://127.0.0.1:9500")
	v.SetDefault("provider", "gemini")
	v.SetDefault("embedder_model", "gemini-embedding-001")
	v.SetDefault("vector_backend", BackendChromem)
	v.SetDefault("store_dir", "storage/vectors")
	v.SetDefault("top_k", 6)
	v.SetDefault("row_limit", 1000)
	v.SetDefault("cost_guard", false)
	v.SetDefault("cost_limit", 1_000_000)
	v.SetDefault("translator.base_url", "https://openrouter.ai/api")
	v.SetDefault("translator.model", "deepseek/deepseek-chat")
	v.SetDefault("translator.temperature", 0.0)
}

// Validate checks the configuration and fails fast on anything unusable.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.DatabaseURL) == "" {
		return ErrNoDatabaseURL
	}
	if _, err := url.Parse(c.DatabaseURL); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidDatabaseURL, err)
	}
	switch c.VectorBackend {
	case BackendChromem, BackendPGVector:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidBackend, c.VectorBackend)
	}
	if c.TopK < 1 || c.TopK > 50 {
		return fmt.Errorf("%w: %d (must be 1-50)", ErrInvalidTopK, c.TopK)
	}
	if c.RowLimit < 1 || c.RowLimit > 100_000 {
		return fmt.Errorf("%w: %d (must be 1-100000)", ErrInvalidRowLimit, c.RowLimit)
	}
	return nil
}

// TenantDSN returns the base DSN with its database name replaced by tenant.
// An empty tenant returns the base DSN unchanged.
func (c *Config) TenantDSN(tenant string) (string, error) {
	if tenant == "" {
		return c.DatabaseURL, nil
	}
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidDatabaseURL, err)
	}
	u.Path = "/" + tenant
	return u.String(), nil
}

// BaseDatabase returns the database name of the base DSN, or DefaultTenant
// when set.
func (c *Config) BaseDatabase() string {
	if c.DefaultTenant != "" {
		return c.DefaultTenant
	}
	u, err := url.Parse(c.DatabaseURL)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}
