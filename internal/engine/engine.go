// Package engine orchestrates one diagnostic turn: retrieval, context
// assembly, generation and answer validation, as an explicit stage
// progression with per-stage timeouts, retries and spans.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wrenchai/wrench/internal/assemble"
	"github.com/wrenchai/wrench/internal/conversation"
	"github.com/wrenchai/wrench/internal/evidence"
	"github.com/wrenchai/wrench/internal/generate"
	"github.com/wrenchai/wrench/internal/provider"
	"github.com/wrenchai/wrench/internal/retrieval"
)

// Stage identifies a step in the turn lifecycle.
type Stage string

const (
	StageReceived   Stage = "received"
	StagePlanning   Stage = "planning"
	StageRetrieving Stage = "retrieving"
	StageAssembling Stage = "assembling"
	StageGenerating Stage = "generating"
	StageValidating Stage = "validating"
	StageCompleted  Stage = "completed"
	StageFailed     Stage = "failed"
)

// StageError attributes a failure to the stage that produced it.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string { return fmt.Sprintf("stage %s: %v", e.Stage, e.Err) }

func (e *StageError) Unwrap() error { return e.Err }

// errStreamAborted wraps the error a streaming consumer returned from its
// chunk callback.
var errStreamAborted = errors.New("stream aborted by consumer")

// Retriever executes the retrieval plan for a query.
type Retriever interface {
	Retrieve(ctx context.Context, query string) (*retrieval.Result, error)
}

// ContextAssembler builds the generation prompt.
type ContextAssembler interface {
	Assemble(query string, turns []conversation.Turn, passages []evidence.Passage) (*assemble.Context, error)
	MarkerFormat() string
}

// Generator produces answer text, optionally streaming chunks.
type Generator interface {
	Generate(ctx context.Context, prompt string, onChunk generate.ChunkFunc) (string, error)
}

// Config tunes the orchestration.
type Config struct {
	// RetrieveTimeout and GenerateTimeout bound one attempt of the
	// respective stage. Defaults: 30s and 90s.
	RetrieveTimeout time.Duration
	GenerateTimeout time.Duration

	Retry RetryConfig
}

// Answer is the completed result of one turn.
type Answer struct {
	Text      string              `json:"text"`
	Citations []assemble.Citation `json:"citations"`

	// Rationale echoes the retrieval plan tag for observability.
	Rationale retrieval.Rationale `json:"rationale"`

	// UsedFallback is set when web fallback evidence contributed.
	UsedFallback bool `json:"used_fallback"`

	// FallbackFailed is set when the web fallback was attempted and failed.
	FallbackFailed bool `json:"fallback_failed,omitempty"`

	// LowConfidence marks answers generated without any evidence.
	LowConfidence bool `json:"low_confidence"`

	// Truncated marks answers cut off mid-stream by the consumer.
	Truncated bool `json:"truncated,omitempty"`
}

// Engine runs diagnostic turns. Safe for concurrent use; per-conversation
// ordering is the caller's concern (one in-flight turn per conversation).
type Engine struct {
	retriever Retriever
	assembler ContextAssembler
	generator Generator
	cfg       Config
	marker    *regexp.Regexp
	logger    *slog.Logger
	tracer    trace.Tracer
}

// New wires an engine from its collaborators.
func New(cfg Config, retriever Retriever, assembler ContextAssembler, generator Generator, logger *slog.Logger) (*Engine, error) {
	if retriever == nil {
		return nil, errors.New("retriever is required")
	}
	if assembler == nil {
		return nil, errors.New("assembler is required")
	}
	if generator == nil {
		return nil, errors.New("generator is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if cfg.RetrieveTimeout <= 0 {
		cfg.RetrieveTimeout = 30 * time.Second
	}
	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 90 * time.Second
	}
	cfg.Retry = cfg.Retry.withDefaults()

	marker, err := assemble.MarkerPattern(assembler.MarkerFormat())
	if err != nil {
		return nil, fmt.Errorf("marker format: %w", err)
	}

	return &Engine{
		retriever: retriever,
		assembler: assembler,
		generator: generator,
		cfg:       cfg,
		marker:    marker,
		logger:    logger,
		tracer:    otel.Tracer("wrench/engine"),
	}, nil
}

// Handle runs one non-streaming turn.
func (e *Engine) Handle(ctx context.Context, q conversation.Query, history *conversation.History) (*Answer, error) {
	return e.HandleStream(ctx, q, history, nil)
}

// HandleStream runs one turn, forwarding answer chunks to onChunk when it
// is non-nil.
//
// Side effects on success: the user turn and the generated assistant turn
// are appended to history. On failure only the user turn is appended and a
// *StageError is returned; no partial answer escapes. The one exception is
// consumer-initiated stream abort after the first chunk: the turn completes
// with Truncated set and the partial text recorded as a truncated turn.
func (e *Engine) HandleStream(ctx context.Context, q conversation.Query, history *conversation.History, onChunk generate.ChunkFunc) (*Answer, error) {
	if history == nil {
		return nil, errors.New("history is required")
	}
	if strings.TrimSpace(q.Text) == "" {
		return nil, &StageError{Stage: StageReceived, Err: conversation.ErrEmptyQuery}
	}

	ctx, span := e.tracer.Start(ctx, "engine.turn", trace.WithAttributes(
		attribute.String("conversation.id", q.ConversationID.String()),
	))
	defer span.End()

	logger := e.logger.With("conversation_id", q.ConversationID.String())
	logger.Info("turn received", "stage", string(StageReceived), "query_runes", len([]rune(q.Text)))

	// Working copy taken before the user turn is appended: the prompt's
	// history section must not repeat the current question.
	priorTurns := history.Turns()
	history.Append(conversation.RoleUser, q.Text)

	result, err := e.retrieve(ctx, logger, q.Text)
	if err != nil {
		return nil, e.fail(span, logger, StageRetrieving, err)
	}

	assembled, err := e.assembleContext(ctx, logger, q.Text, priorTurns, result)
	if err != nil {
		return nil, e.fail(span, logger, StageAssembling, err)
	}

	text, truncated, err := e.generateAnswer(ctx, logger, assembled.Prompt, onChunk)
	if err != nil {
		return nil, e.fail(span, logger, StageGenerating, err)
	}

	answer := e.validate(ctx, logger, text, assembled, result)
	answer.Truncated = truncated

	assistantTurn := conversation.Turn{
		Role:      conversation.RoleAssistant,
		Text:      answer.Text,
		Timestamp: time.Now().UTC(),
		Ordinal:   len(priorTurns) + 2,
		Truncated: truncated,
	}
	if err := history.AppendTurn(assistantTurn); err != nil {
		// Ordinal drift means a concurrent writer broke the one-turn-per-
		// conversation contract; record the turn at the next free ordinal.
		history.Append(conversation.RoleAssistant, answer.Text)
	}

	span.SetAttributes(
		attribute.String("retrieval.rationale", string(answer.Rationale)),
		attribute.Bool("answer.used_fallback", answer.UsedFallback),
		attribute.Bool("answer.low_confidence", answer.LowConfidence),
		attribute.Bool("answer.truncated", answer.Truncated),
	)
	logger.Info("turn completed",
		"stage", string(StageCompleted),
		"rationale", string(answer.Rationale),
		"citations", len(answer.Citations),
		"low_confidence", answer.LowConfidence,
		"truncated", answer.Truncated)

	return answer, nil
}

func (e *Engine) retrieve(ctx context.Context, logger *slog.Logger, query string) (*retrieval.Result, error) {
	ctx, span := e.tracer.Start(ctx, "engine.retrieve")
	defer span.End()

	logger.Debug("turn stage", "stage", string(StagePlanning))

	var result *retrieval.Result
	err := e.runWithRetry(ctx, logger, string(StageRetrieving), e.cfg.RetrieveTimeout, func(ctx context.Context) error {
		var err error
		result, err = e.retriever.Retrieve(ctx, query)
		return err
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.String("rationale", string(result.Rationale)),
		attribute.Int("passages", len(result.Passages)),
		attribute.Bool("used_fallback", result.UsedFallback),
	)
	return result, nil
}

func (e *Engine) assembleContext(ctx context.Context, logger *slog.Logger, query string, turns []conversation.Turn, result *retrieval.Result) (*assemble.Context, error) {
	_, span := e.tracer.Start(ctx, "engine.assemble")
	defer span.End()

	logger.Debug("turn stage", "stage", string(StageAssembling))

	assembled, err := e.assembler.Assemble(query, turns, result.Passages)
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(
		attribute.Int("estimated_tokens", assembled.EstimatedTokens),
		attribute.Int("passages_included", len(assembled.Passages)),
		attribute.Int("turns_included", len(assembled.Turns)),
		attribute.Bool("degraded", assembled.Degraded),
	)
	return assembled, nil
}

// generateAnswer runs the generation stage. Retries apply only while no
// chunk has reached the consumer; after first output the stream is
// authoritative and a provider failure fails the turn.
func (e *Engine) generateAnswer(ctx context.Context, logger *slog.Logger, prompt string, onChunk generate.ChunkFunc) (text string, truncated bool, err error) {
	ctx, span := e.tracer.Start(ctx, "engine.generate")
	defer span.End()

	logger.Debug("turn stage", "stage", string(StageGenerating))

	var (
		streamed  strings.Builder
		chunkSent bool
		wrappedCb generate.ChunkFunc
	)

	if onChunk != nil {
		wrappedCb = func(ctx context.Context, chunk string) error {
			if err := onChunk(ctx, chunk); err != nil {
				return fmt.Errorf("%w: %w", errStreamAborted, err)
			}
			chunkSent = true
			streamed.WriteString(chunk)
			return nil
		}
	}

	attemptTimeout := e.cfg.GenerateTimeout
	retryCfg := e.cfg.Retry
	delay := retryCfg.InitialInterval
	start := time.Now()

	for attempt := 0; ; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, attemptTimeout)
		text, err = e.generator.Generate(attemptCtx, prompt, wrappedCb)
		cancel()

		if err == nil {
			span.SetAttributes(attribute.Int("attempts", attempt+1))
			return text, false, nil
		}

		// Consumer aborted mid-stream: complete with the partial text.
		if chunkSent && (errors.Is(err, errStreamAborted) || errors.Is(err, context.Canceled)) {
			logger.Warn("stream aborted after partial output", "error", err)
			span.SetAttributes(attribute.Bool("truncated", true))
			return streamed.String(), true, nil
		}
		if errors.Is(err, errStreamAborted) {
			return "", false, err
		}

		// No retry once output reached the consumer, for permanent
		// failures, or when the attempt budget is spent.
		if chunkSent || !provider.Transient(err) || attempt >= retryCfg.MaxRetries {
			span.SetStatus(codes.Error, err.Error())
			return "", false, err
		}

		logger.Debug("retrying generation",
			"attempt", attempt+1,
			"delay", delay,
			"elapsed", time.Since(start),
			"error", err)

		select {
		case <-ctx.Done():
			return "", false, fmt.Errorf("context canceled during retry: %w", ctx.Err())
		case <-time.After(delay):
			delay = min(delay*2, retryCfg.MaxInterval)
		}
	}
}

// validate strips markers that do not correspond to an assembled citation
// and keeps only the citations the final text actually references.
func (e *Engine) validate(ctx context.Context, logger *slog.Logger, text string, assembled *assemble.Context, result *retrieval.Result) *Answer {
	_, span := e.tracer.Start(ctx, "engine.validate")
	defer span.End()

	logger.Debug("turn stage", "stage", string(StageValidating))

	text, cited, mismatched := reconcileCitations(e.marker, text, assembled.Citations)
	if mismatched > 0 {
		logger.Warn("citation mismatch corrected", "stripped_markers", mismatched)
		span.SetAttributes(attribute.Int("stripped_markers", mismatched))
	}

	return &Answer{
		Text:           text,
		Citations:      cited,
		Rationale:      result.Rationale,
		UsedFallback:   result.UsedFallback,
		FallbackFailed: result.FallbackFailed,
		LowConfidence:  assembled.Degraded,
	}
}

func (e *Engine) fail(span trace.Span, logger *slog.Logger, stage Stage, err error) *StageError {
	stageErr := &StageError{Stage: stage, Err: err}
	span.SetStatus(codes.Error, stageErr.Error())
	logger.Error("turn failed", "stage", string(StageFailed), "failed_stage", string(stage), "error", err)
	return stageErr
}
