// Package retrieval decides where evidence comes from for a query: the
// local vector index, and, when local results are insufficient, a single
// web search fallback.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/wrenchai/wrench/internal/evidence"
)

// Rationale tags explain a plan for logging and span attributes.
type Rationale string

const (
	// RationaleLocalSufficient: local matches passed the sufficiency test;
	// no fallback was attempted.
	RationaleLocalSufficient Rationale = "local-sufficient"

	// RationaleFallbackTriggered: local evidence was insufficient and the
	// web fallback ran (successfully or not).
	RationaleFallbackTriggered Rationale = "fallback-triggered"

	// RationaleNoEvidence: nothing usable from any source. The turn
	// proceeds degraded.
	RationaleNoEvidence Rationale = "no-evidence-found"

	// RationaleLocalWeak: local evidence failed the sufficiency test but no
	// fallback was available; the turn proceeds with the weak matches.
	RationaleLocalWeak Rationale = "local-weak"
)

// Defaults for Config zero values.
const (
	DefaultTopK               = 6
	DefaultStrongThreshold    = 0.85
	DefaultBaselineThreshold  = 0.60
	DefaultMinBaselineMatches = 3
	DefaultFallbackResults    = 4
)

// Config tunes the sufficiency test and the fallback.
type Config struct {
	// TopK is how many local passages to request.
	TopK int

	// StrongThreshold: one match at or above this makes local evidence
	// sufficient on its own.
	StrongThreshold float64

	// BaselineThreshold and MinBaselineMatches: local evidence is also
	// sufficient with at least MinBaselineMatches results at or above
	// BaselineThreshold.
	BaselineThreshold  float64
	MinBaselineMatches int

	// FallbackEnabled gates the web search entirely.
	FallbackEnabled bool

	// FallbackResults is how many web results to request.
	FallbackResults int
}

// DefaultConfig returns the production defaults with fallback enabled.
func DefaultConfig() Config {
	return Config{
		TopK:               DefaultTopK,
		StrongThreshold:    DefaultStrongThreshold,
		BaselineThreshold:  DefaultBaselineThreshold,
		MinBaselineMatches: DefaultMinBaselineMatches,
		FallbackEnabled:    true,
		FallbackResults:    DefaultFallbackResults,
	}
}

func (c *Config) validate() error {
	if c.TopK <= 0 || c.TopK > 50 {
		return fmt.Errorf("top_k must be in 1..50, got %d", c.TopK)
	}
	if c.StrongThreshold < 0 || c.StrongThreshold > 1 {
		return fmt.Errorf("strong_threshold must be in [0,1], got %f", c.StrongThreshold)
	}
	if c.BaselineThreshold < 0 || c.BaselineThreshold > c.StrongThreshold {
		return fmt.Errorf("baseline_threshold must be in [0, strong_threshold], got %f", c.BaselineThreshold)
	}
	if c.MinBaselineMatches <= 0 {
		return fmt.Errorf("min_baseline_matches must be positive, got %d", c.MinBaselineMatches)
	}
	if c.FallbackEnabled && c.FallbackResults <= 0 {
		return fmt.Errorf("fallback_results must be positive, got %d", c.FallbackResults)
	}
	return nil
}

// Embedder turns query text into a vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EvidenceSearcher serves ranked local passages.
type EvidenceSearcher interface {
	Search(ctx context.Context, embedding []float32, k int, threshold float64) ([]evidence.Passage, error)
}

// WebSearcher serves web fallback passages.
type WebSearcher interface {
	Search(ctx context.Context, query string, k int) ([]evidence.Passage, error)
}

// Result is the outcome of one retrieval pass.
type Result struct {
	Passages  []evidence.Passage
	Rationale Rationale

	// UsedFallback is set when the web search ran.
	UsedFallback bool

	// FallbackFailed is set when the web search ran and failed. The turn
	// continues with local evidence only.
	FallbackFailed bool
}

// Planner executes retrieval for one query.
type Planner struct {
	embedder Embedder
	store    EvidenceSearcher
	web      WebSearcher
	cfg      Config
	logger   *slog.Logger
}

// New creates a planner. web may be nil when no fallback provider is
// configured; the planner then behaves as if fallback were disabled.
func New(cfg Config, embedder Embedder, store EvidenceSearcher, web WebSearcher, logger *slog.Logger) (*Planner, error) {
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("retrieval config: %w", err)
	}
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if store == nil {
		return nil, errors.New("store is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Planner{embedder: embedder, store: store, web: web, cfg: cfg, logger: logger}, nil
}

// Retrieve embeds the query, searches the local index, and runs the web
// fallback at most once when local evidence fails the sufficiency test.
// Embedding and local search errors propagate; a fallback failure is soft
// and only degrades the result.
func (p *Planner) Retrieve(ctx context.Context, query string) (*Result, error) {
	vec, err := p.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}

	local, err := p.store.Search(ctx, vec, p.cfg.TopK, p.cfg.BaselineThreshold)
	if err != nil {
		return nil, fmt.Errorf("local search: %w", err)
	}

	if p.sufficient(local) {
		p.logger.Debug("local evidence sufficient", "matches", len(local))
		return &Result{Passages: local, Rationale: RationaleLocalSufficient}, nil
	}

	res := &Result{Passages: local}
	if p.cfg.FallbackEnabled && p.web != nil {
		res.UsedFallback = true
		res.Rationale = RationaleFallbackTriggered

		web, err := p.web.Search(ctx, query, p.cfg.FallbackResults)
		switch {
		case err != nil:
			res.FallbackFailed = true
			p.logger.Warn("web fallback failed, continuing degraded", "error", err)
		default:
			res.Passages = merge(local, scoreWeb(query, web))
		}
	}

	if len(res.Passages) == 0 {
		res.Rationale = RationaleNoEvidence
	} else if !res.UsedFallback {
		res.Rationale = RationaleLocalWeak
	}

	p.logger.Info("retrieval plan executed",
		"rationale", string(res.Rationale),
		"passages", len(res.Passages),
		"used_fallback", res.UsedFallback,
		"fallback_failed", res.FallbackFailed)

	return res, nil
}

// sufficient applies the two-tier test: one strong match, or enough
// baseline matches.
func (p *Planner) sufficient(local []evidence.Passage) bool {
	if len(local) == 0 {
		return false
	}
	baseline := 0
	for _, passage := range local {
		if passage.Similarity >= p.cfg.StrongThreshold {
			return true
		}
		if passage.Similarity >= p.cfg.BaselineThreshold {
			baseline++
		}
	}
	return baseline >= p.cfg.MinBaselineMatches
}

// scoreWeb assigns lexical scores to web passages.
func scoreWeb(query string, web []evidence.Passage) []evidence.Passage {
	scored := make([]evidence.Passage, len(web))
	for i, p := range web {
		p.Similarity = lexicalScore(query, p.Content)
		scored[i] = p
	}
	return scored
}

// merge interleaves local and web passages by score, descending. Ties
// prefer manual passages, then keep input order (local before web), so the
// combined ranking is deterministic.
func merge(local, web []evidence.Passage) []evidence.Passage {
	combined := make([]evidence.Passage, 0, len(local)+len(web))
	combined = append(combined, local...)
	combined = append(combined, web...)

	sort.SliceStable(combined, func(i, j int) bool {
		if combined[i].Similarity != combined[j].Similarity {
			return combined[i].Similarity > combined[j].Similarity
		}
		return combined[i].Collection == evidence.CollectionManuals &&
			combined[j].Collection != evidence.CollectionManuals
	})
	return combined
}
