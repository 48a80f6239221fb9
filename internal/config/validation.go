package config

import (
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
)

// Validate validates configuration values.
// Returns sentinel errors that can be checked with errors.Is().
func (c *Config) Validate() error {
	if c == nil {
		return ErrConfigNil
	}

	if os.Getenv("GEMINI_API_KEY") == "" {
		return fmt.Errorf("%w: GEMINI_API_KEY environment variable is required\n"+
			"Get your API key at: https://ai.google.dev/gemini-api/docs/api-key",
			ErrMissingAPIKey)
	}

	if c.ModelName == "" {
		return fmt.Errorf("%w: model_name cannot be empty", ErrInvalidModelName)
	}
	if c.EmbedderModel == "" {
		return fmt.Errorf("%w: embedder_model cannot be empty", ErrInvalidEmbedderModel)
	}

	if !strings.Contains(c.ServerAddr, ":") {
		return fmt.Errorf("%w: %q must be host:port or :port", ErrInvalidServerAddr, c.ServerAddr)
	}

	if err := c.Retrieval.validate(); err != nil {
		return err
	}
	if err := c.Assembly.validate(); err != nil {
		return err
	}
	if err := c.Engine.validate(); err != nil {
		return err
	}

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
	if c.PostgresPassword == "wrench_dev_password" {
		slog.Warn("Using default development password for PostgreSQL",
			"warning", "Change postgres_password in config.yaml for production deployments")
	}
	if len(c.PostgresPassword) < 8 {
		return fmt.Errorf("%w: postgres_password must be at least 8 characters (got %d)",
			ErrInvalidPostgresPassword, len(c.PostgresPassword))
	}

	// Modern SSL modes only; allow/prefer are deprecated.
	validSSLModes := []string{"disable", "require", "verify-ca", "verify-full"}
	if !slices.Contains(validSSLModes, c.PostgresSSLMode) {
		return fmt.Errorf("%w: %q is not valid, must be one of: %v",
			ErrInvalidPostgresSSLMode, c.PostgresSSLMode, validSSLModes)
	}

	return nil
}

func (r RetrievalConfig) validate() error {
	if r.TopK < 1 || r.TopK > 50 {
		return fmt.Errorf("%w: top_k must be between 1 and 50, got %d", ErrInvalidRetrieval, r.TopK)
	}
	if r.StrongThreshold <= 0 || r.StrongThreshold > 1 {
		return fmt.Errorf("%w: strong_threshold must be in (0, 1], got %.2f", ErrInvalidRetrieval, r.StrongThreshold)
	}
	if r.BaselineThreshold <= 0 || r.BaselineThreshold > r.StrongThreshold {
		return fmt.Errorf("%w: baseline_threshold must be in (0, strong_threshold], got %.2f", ErrInvalidRetrieval, r.BaselineThreshold)
	}
	if r.MinBaselineMatches < 1 {
		return fmt.Errorf("%w: min_baseline_matches must be at least 1, got %d", ErrInvalidRetrieval, r.MinBaselineMatches)
	}
	if r.FallbackEnabled && (r.FallbackResults < 1 || r.FallbackResults > 10) {
		return fmt.Errorf("%w: fallback_results must be between 1 and 10, got %d", ErrInvalidRetrieval, r.FallbackResults)
	}
	return nil
}

func (e EngineConfig) validate() error {
	if e.RetrieveTimeoutMS < 1000 {
		return fmt.Errorf("%w: retrieve_timeout_ms must be at least 1000, got %d", ErrInvalidEngine, e.RetrieveTimeoutMS)
	}
	if e.GenerateTimeoutMS < 1000 {
		return fmt.Errorf("%w: generate_timeout_ms must be at least 1000, got %d", ErrInvalidEngine, e.GenerateTimeoutMS)
	}
	if e.MaxRetries < 1 || e.MaxRetries > 5 {
		return fmt.Errorf("%w: max_retries must be between 1 and 5, got %d", ErrInvalidEngine, e.MaxRetries)
	}
	return nil
}

func (a AssemblyConfig) validate() error {
	if a.PromptBudget < 256 {
		return fmt.Errorf("%w: prompt_budget must be at least 256 tokens, got %d", ErrInvalidAssembly, a.PromptBudget)
	}
	if a.EvidenceShare <= 0 || a.HistoryShare <= 0 || a.EvidenceShare+a.HistoryShare >= 1 {
		return fmt.Errorf("%w: evidence_share %.2f + history_share %.2f must leave a reserve below 1",
			ErrInvalidAssembly, a.EvidenceShare, a.HistoryShare)
	}
	if strings.Count(a.MarkerFormat, "%d") != 1 {
		return fmt.Errorf("%w: marker_format %q must contain exactly one %%d", ErrInvalidAssembly, a.MarkerFormat)
	}
	return nil
}
