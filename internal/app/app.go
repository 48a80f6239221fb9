// Package app is the composition root: it builds the diagnostic pipeline
// from configuration and owns resource lifecycle.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/googlegenai"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wrenchai/wrench/db"
	"github.com/wrenchai/wrench/internal/assemble"
	"github.com/wrenchai/wrench/internal/config"
	"github.com/wrenchai/wrench/internal/conversation"
	"github.com/wrenchai/wrench/internal/database"
	"github.com/wrenchai/wrench/internal/engine"
	"github.com/wrenchai/wrench/internal/evidence"
	"github.com/wrenchai/wrench/internal/generate"
	"github.com/wrenchai/wrench/internal/observability"
	"github.com/wrenchai/wrench/internal/retrieval"
	"github.com/wrenchai/wrench/internal/websearch"
)

// App is the core application container.
type App struct {
	Config *config.Config
	Logger *slog.Logger

	Genkit        *genkit.Genkit
	Pool          *pgxpool.Pool
	Evidence      *evidence.Store
	Embedder      *evidence.Embedder
	Planner       *retrieval.Planner
	Generator     *generate.Service
	Engine        *engine.Engine
	Conversations *conversation.MemoryStore

	cleanups []func()
}

// New builds the full pipeline. Construction order matters: tracing before
// Genkit so the exporter catches Genkit's spans, migrations before the
// pool so the schema exists when pgvector types register.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	if cfg == nil {
		return nil, config.ErrConfigNil
	}
	if logger == nil {
		logger = slog.Default()
	}

	a := &App{
		Config:        cfg,
		Logger:        logger,
		Conversations: conversation.NewMemoryStore(),
	}

	if cfg.OTLP.Enabled {
		shutdown, err := observability.Setup(ctx, observability.Config{
			Endpoint:    cfg.OTLP.Endpoint,
			Environment: cfg.OTLP.Environment,
			ServiceName: cfg.OTLP.ServiceName,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("setting up tracing: %w", err)
		}
		a.cleanups = append(a.cleanups, func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Warn("failed to shutdown tracer provider", "error", err)
			}
		})
	}

	a.Genkit = genkit.Init(ctx, genkit.WithPlugins(&googlegenai.GoogleAI{}))

	if err := db.Migrate(ctx, cfg.PostgresURL()); err != nil {
		a.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	pool, err := database.NewPool(ctx, cfg.PostgresConnectionString())
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	a.Pool = pool
	a.cleanups = append(a.cleanups, pool.Close)

	if err := a.buildPipeline(); err != nil {
		a.Close()
		return nil, err
	}

	logger.Info("application initialized",
		"model", cfg.FullModelName(),
		"embedder", cfg.EmbedderModel,
		"fallback_enabled", cfg.Retrieval.FallbackEnabled)

	return a, nil
}

func (a *App) buildPipeline() error {
	cfg := a.Config

	store, err := evidence.NewStore(evidence.NewQueries(a.Pool), a.Logger)
	if err != nil {
		return fmt.Errorf("creating evidence store: %w", err)
	}
	a.Evidence = store

	embedder, err := evidence.NewEmbedder(
		googlegenai.GoogleAIEmbedder(a.Genkit, cfg.EmbedderModel), 0, a.Logger)
	if err != nil {
		return fmt.Errorf("creating embedder: %w", err)
	}
	a.Embedder = embedder

	var web retrieval.WebSearcher
	if cfg.Retrieval.FallbackEnabled {
		fetcher, err := websearch.NewPageFetcher(websearch.FetcherConfig{
			Parallelism: cfg.WebSearch.Parallelism,
			Delay:       time.Duration(cfg.WebSearch.DelayMS) * time.Millisecond,
			Timeout:     time.Duration(cfg.WebSearch.TimeoutMS) * time.Millisecond,
		}, a.Logger)
		if err != nil {
			return fmt.Errorf("creating page fetcher: %w", err)
		}
		ddg, err := websearch.NewDuckDuckGo(websearch.Config{
			BaseURL: cfg.WebSearch.BaseURL,
			Timeout: time.Duration(cfg.WebSearch.TimeoutMS) * time.Millisecond,
		}, fetcher, a.Logger)
		if err != nil {
			return fmt.Errorf("creating web search: %w", err)
		}
		web = ddg
	}

	planner, err := retrieval.New(retrieval.Config{
		TopK:               cfg.Retrieval.TopK,
		StrongThreshold:    cfg.Retrieval.StrongThreshold,
		BaselineThreshold:  cfg.Retrieval.BaselineThreshold,
		MinBaselineMatches: cfg.Retrieval.MinBaselineMatches,
		FallbackEnabled:    cfg.Retrieval.FallbackEnabled,
		FallbackResults:    cfg.Retrieval.FallbackResults,
	}, embedder, store, web, a.Logger)
	if err != nil {
		return fmt.Errorf("creating retrieval planner: %w", err)
	}
	a.Planner = planner

	assembler, err := assemble.New(assemble.Config{
		PromptBudget:  cfg.Assembly.PromptBudget,
		EvidenceShare: cfg.Assembly.EvidenceShare,
		HistoryShare:  cfg.Assembly.HistoryShare,
		MarkerFormat:  cfg.Assembly.MarkerFormat,
	})
	if err != nil {
		return fmt.Errorf("creating assembler: %w", err)
	}

	generator, err := generate.New(a.Genkit, generate.Config{
		ModelName: cfg.FullModelName(),
	}, a.Logger)
	if err != nil {
		return fmt.Errorf("creating generator: %w", err)
	}
	a.Generator = generator

	eng, err := engine.New(engine.Config{
		RetrieveTimeout: time.Duration(cfg.Engine.RetrieveTimeoutMS) * time.Millisecond,
		GenerateTimeout: time.Duration(cfg.Engine.GenerateTimeoutMS) * time.Millisecond,
		Retry:           engine.RetryConfig{MaxRetries: cfg.Engine.MaxRetries},
	}, planner, assembler, generator, a.Logger)
	if err != nil {
		return fmt.Errorf("creating engine: %w", err)
	}
	a.Engine = eng

	return nil
}

// Close releases resources in reverse construction order.
func (a *App) Close() {
	for i := len(a.cleanups) - 1; i >= 0; i-- {
		a.cleanups[i]()
	}
	a.cleanups = nil
}
