// Package generate adapts a genkit model to the answer pipeline: streaming
// generation guarded by a circuit breaker and a rate limiter, with raw
// provider errors classified into the shared taxonomy.
package generate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"golang.org/x/time/rate"

	"github.com/wrenchai/wrench/internal/provider"
)

// ChunkFunc receives streamed answer text as it is produced. Returning an
// error aborts generation; the text streamed so far stays with the caller.
type ChunkFunc func(ctx context.Context, text string) error

// Config tunes the generation service.
type Config struct {
	// ModelName is the provider-qualified model, e.g. "googleai/gemini-2.5-flash".
	ModelName string

	// RequestsPerSecond and Burst feed the rate limiter. Zero values
	// disable limiting.
	RequestsPerSecond float64
	Burst             int

	Breaker CircuitBreakerConfig
}

// Service produces answers from assembled prompts.
type Service struct {
	g         *genkit.Genkit
	modelName string
	breaker   *CircuitBreaker
	limiter   *rate.Limiter
	logger    *slog.Logger
}

// New creates the generation service.
func New(g *genkit.Genkit, cfg Config, logger *slog.Logger) (*Service, error) {
	if g == nil {
		return nil, errors.New("genkit instance is required")
	}
	if cfg.ModelName == "" {
		return nil, errors.New("model name is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &Service{
		g:         g,
		modelName: cfg.ModelName,
		breaker:   NewCircuitBreaker(cfg.Breaker),
		limiter:   limiter,
		logger:    logger,
	}, nil
}

// Generate produces the answer for prompt. onChunk may be nil for
// non-streaming callers. The full answer text is returned either way.
//
// The circuit breaker is consulted before the provider call and updated
// after it; an open circuit surfaces as ErrUnavailable without touching
// the provider.
func (s *Service) Generate(ctx context.Context, prompt string, onChunk ChunkFunc) (string, error) {
	if strings.TrimSpace(prompt) == "" {
		return "", errors.New("empty prompt")
	}

	if err := s.breaker.Allow(); err != nil {
		s.logger.Warn("generation rejected, circuit open", "state", s.breaker.State().String())
		return "", fmt.Errorf("generation: %w", errors.Join(provider.ErrUnavailable, err))
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return "", fmt.Errorf("generation rate limit: %w", provider.Classify(err))
		}
	}

	opts := []ai.GenerateOption{
		ai.WithPrompt(prompt),
		ai.WithModelName(s.modelName),
	}
	if onChunk != nil {
		opts = append(opts, ai.WithStreaming(func(ctx context.Context, chunk *ai.ModelResponseChunk) error {
			text := chunk.Text()
			if text == "" {
				return nil
			}
			return onChunk(ctx, text)
		}))
	}

	resp, err := genkit.Generate(ctx, s.g, opts...)
	if err != nil {
		classified := provider.Classify(err)
		// Caller aborts are not provider health signals.
		if !errors.Is(classified, context.Canceled) {
			s.breaker.Failure()
		}
		return "", fmt.Errorf("generation: %w", classified)
	}

	s.breaker.Success()

	text := resp.Text()
	if strings.TrimSpace(text) == "" {
		return "", fmt.Errorf("generation: %w", errors.Join(provider.ErrContentFiltered, errors.New("empty model response")))
	}
	return text, nil
}

// BreakerState exposes the circuit state for readiness reporting.
func (s *Service) BreakerState() CircuitState {
	return s.breaker.State()
}
