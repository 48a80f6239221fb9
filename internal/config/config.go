// Package config provides application configuration with multi-source
// priority.
//
// Sources, highest to lowest:
//  1. Environment variables (DATABASE_URL, WRENCH_*)
//  2. Config file (~/.wrench/config.yaml or ./config.yaml)
//  3. Defaults
//
// Sensitive values (the PostgreSQL password) are masked in MarshalJSON and
// String; never log the raw struct fields directly.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"
)

var (
	// ErrConfigNil indicates the configuration is nil.
	ErrConfigNil = errors.New("configuration is nil")

	// ErrMissingAPIKey indicates a required API key is missing.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidModelName indicates the model name is invalid.
	ErrInvalidModelName = errors.New("invalid model name")

	// ErrInvalidEmbedderModel indicates the embedder model is invalid.
	ErrInvalidEmbedderModel = errors.New("invalid embedder model")

	// ErrInvalidRetrieval indicates a retrieval tuning value is out of range.
	ErrInvalidRetrieval = errors.New("invalid retrieval configuration")

	// ErrInvalidAssembly indicates a prompt assembly value is out of range.
	ErrInvalidAssembly = errors.New("invalid assembly configuration")

	// ErrInvalidServerAddr indicates the HTTP listen address is invalid.
	ErrInvalidServerAddr = errors.New("invalid server address")

	// ErrInvalidEngine indicates a stage timeout or retry value is out of range.
	ErrInvalidEngine = errors.New("invalid engine configuration")

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
)

// AI provider identifiers used in Config.Provider.
const (
	ProviderGemini   = "gemini"
	ProviderGoogleAI = "googleai"
)

// DefaultEmbedderModel outputs 3072 dimensions by default but supports
// truncation to the 768 dimensions our pgvector schema stores.
const DefaultEmbedderModel = "gemini-embedding-001"

// RetrievalConfig tunes the retrieval plan.
type RetrievalConfig struct {
	TopK               int     `mapstructure:"top_k" json:"top_k"`
	StrongThreshold    float64 `mapstructure:"strong_threshold" json:"strong_threshold"`
	BaselineThreshold  float64 `mapstructure:"baseline_threshold" json:"baseline_threshold"`
	MinBaselineMatches int     `mapstructure:"min_baseline_matches" json:"min_baseline_matches"`
	FallbackEnabled    bool    `mapstructure:"fallback_enabled" json:"fallback_enabled"`
	FallbackResults    int     `mapstructure:"fallback_results" json:"fallback_results"`
}

// AssemblyConfig tunes prompt assembly.
type AssemblyConfig struct {
	PromptBudget  int     `mapstructure:"prompt_budget" json:"prompt_budget"`
	EvidenceShare float64 `mapstructure:"evidence_share" json:"evidence_share"`
	HistoryShare  float64 `mapstructure:"history_share" json:"history_share"`
	MarkerFormat  string  `mapstructure:"marker_format" json:"marker_format"`
}

// EngineConfig tunes per-stage timeouts and the transient retry budget.
// Retries never apply after the first streamed chunk reaches the consumer.
type EngineConfig struct {
	RetrieveTimeoutMS int `mapstructure:"retrieve_timeout_ms" json:"retrieve_timeout_ms"`
	GenerateTimeoutMS int `mapstructure:"generate_timeout_ms" json:"generate_timeout_ms"`
	MaxRetries        int `mapstructure:"max_retries" json:"max_retries"`
}

// WebSearchConfig tunes the web fallback and page scraper.
type WebSearchConfig struct {
	BaseURL     string `mapstructure:"base_url" json:"base_url"`
	Parallelism int    `mapstructure:"parallelism" json:"parallelism"`
	DelayMS     int    `mapstructure:"delay_ms" json:"delay_ms"`
	TimeoutMS   int    `mapstructure:"timeout_ms" json:"timeout_ms"`
}

// OTLPConfig configures trace export. Tracing degrades gracefully when the
// collector is unreachable.
type OTLPConfig struct {
	Enabled     bool   `mapstructure:"enabled" json:"enabled"`
	Endpoint    string `mapstructure:"endpoint" json:"endpoint"`
	ServiceName string `mapstructure:"service_name" json:"service_name"`
	Environment string `mapstructure:"environment" json:"environment"`
}

// Config stores application configuration.
// Sensitive fields are masked in MarshalJSON; update it when adding any.
type Config struct {
	// AI provider and model configuration
	Provider      string `mapstructure:"provider" json:"provider"`
	ModelName     string `mapstructure:"model_name" json:"model_name"`
	EmbedderModel string `mapstructure:"embedder_model" json:"embedder_model"`

	// HTTP server (serve mode)
	ServerAddr string `mapstructure:"server_addr" json:"server_addr"`

	// Storage configuration
	PostgresHost     string `mapstructure:"postgres_host" json:"postgres_host"`
	PostgresPort     int    `mapstructure:"postgres_port" json:"postgres_port"`
	PostgresUser     string `mapstructure:"postgres_user" json:"postgres_user"`
	PostgresPassword string `mapstructure:"postgres_password" json:"postgres_password"` // SENSITIVE: masked in MarshalJSON
	PostgresDBName   string `mapstructure:"postgres_db_name" json:"postgres_db_name"`
	PostgresSSLMode  string `mapstructure:"postgres_ssl_mode" json:"postgres_ssl_mode"`

	Retrieval RetrievalConfig `mapstructure:"retrieval" json:"retrieval"`
	Assembly  AssemblyConfig  `mapstructure:"assembly" json:"assembly"`
	Engine    EngineConfig    `mapstructure:"engine" json:"engine"`
	WebSearch WebSearchConfig `mapstructure:"web_search" json:"web_search"`
	OTLP      OTLPConfig      `mapstructure:"otlp" json:"otlp"`
}

// Load loads configuration.
// Priority: environment variables > configuration file > defaults.
func Load() (*Config, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, fmt.Errorf("getting user home directory: %w", err)
	}

	configDir := filepath.Join(home, ".wrench")
	if err := os.MkdirAll(configDir, 0o750); err != nil {
		return nil, fmt.Errorf("creating config directory: %w", err)
	}

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(configDir)
	viper.AddConfigPath(".")

	setDefaults()
	bindEnvVariables()

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configNotFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		slog.Debug("configuration file not found, using default values",
			"search_paths", []string{configDir, "."})
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing configuration: %w", err)
	}

	// DATABASE_URL takes priority over the individual postgres_* settings.
	if err := cfg.parseDatabaseURL(); err != nil {
		return nil, fmt.Errorf("parsing DATABASE_URL: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets all default configuration values.
func setDefaults() {
	viper.SetDefault("provider", ProviderGemini)
	viper.SetDefault("model_name", "gemini-2.5-flash")
	viper.SetDefault("embedder_model", DefaultEmbedderModel)

	viper.SetDefault("server_addr", ":8080")

	viper.SetDefault("postgres_host", "localhost")
	viper.SetDefault("postgres_port", 5432)
	viper.SetDefault("postgres_user", "wrench")
	viper.SetDefault("postgres_password", "wrench_dev_password")
	viper.SetDefault("postgres_db_name", "wrench")
	viper.SetDefault("postgres_ssl_mode", "disable")

	viper.SetDefault("retrieval.top_k", 6)
	viper.SetDefault("retrieval.strong_threshold", 0.85)
	viper.SetDefault("retrieval.baseline_threshold", 0.60)
	viper.SetDefault("retrieval.min_baseline_matches", 3)
	viper.SetDefault("retrieval.fallback_enabled", true)
	viper.SetDefault("retrieval.fallback_results", 4)

	viper.SetDefault("assembly.prompt_budget", 4096)
	viper.SetDefault("assembly.evidence_share", 0.60)
	viper.SetDefault("assembly.history_share", 0.30)
	viper.SetDefault("assembly.marker_format", "[%d]")

	viper.SetDefault("engine.retrieve_timeout_ms", 30000)
	viper.SetDefault("engine.generate_timeout_ms", 90000)
	viper.SetDefault("engine.max_retries", 2)

	viper.SetDefault("web_search.base_url", "https://html.duckduckgo.com")
	viper.SetDefault("web_search.parallelism", 2)
	viper.SetDefault("web_search.delay_ms", 1000)
	viper.SetDefault("web_search.timeout_ms", 30000)

	viper.SetDefault("otlp.enabled", false)
	viper.SetDefault("otlp.endpoint", "localhost:4318")
	viper.SetDefault("otlp.service_name", "wrench")
	viper.SetDefault("otlp.environment", "dev")
}

// bindEnvVariables binds environment overrides explicitly.
// GEMINI_API_KEY is read directly by Genkit, not via Viper; Validate only
// checks its presence.
func bindEnvVariables() {
	mustBind := func(key, envVar string) {
		if err := viper.BindEnv(key, envVar); err != nil {
			panic(fmt.Sprintf("BUG: failed to bind %q to %q: %v", key, envVar, err))
		}
	}

	mustBind("provider", "WRENCH_PROVIDER")
	mustBind("model_name", "WRENCH_MODEL_NAME")
	mustBind("embedder_model", "WRENCH_EMBEDDER_MODEL")
	mustBind("server_addr", "WRENCH_SERVER_ADDR")
	mustBind("retrieval.fallback_enabled", "WRENCH_FALLBACK_ENABLED")
	mustBind("web_search.base_url", "WRENCH_WEB_SEARCH_URL")
	mustBind("otlp.enabled", "WRENCH_OTLP_ENABLED")
	mustBind("otlp.endpoint", "WRENCH_OTLP_ENDPOINT")
}

// maskedValue uses full-width blocks so a masked value can never be a
// substring of the secret it replaces.
const maskedValue = "████████"

// maskSecret masks a secret for safe logging. Secrets of 8 characters or
// fewer are fully masked; longer ones keep the first and last 2 characters
// for debug utility.
func maskSecret(s string) string {
	if s == "" {
		return ""
	}
	if len(s) <= 8 {
		return maskedValue
	}
	return s[:2] + "<" + maskedValue + ">" + s[len(s)-2:]
}

// MarshalJSON implements json.Marshaler with sensitive field masking.
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

// FullModelName returns the provider-qualified model name for Genkit,
// for example "googleai/gemini-2.5-flash". A ModelName that already
// contains "/" is returned as-is.
func (c *Config) FullModelName() string {
	if strings.Contains(c.ModelName, "/") {
		return c.ModelName
	}
	return ProviderGoogleAI + "/" + c.ModelName
}

// String implements Stringer to prevent accidental printing of secrets.
func (c Config) String() string {
	data, err := c.MarshalJSON()
	if err != nil {
		return fmt.Sprintf("Config{error: %v}", err)
	}
	return string(data)
}
