package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/firebase/genkit/go/ai"
	"google.golang.org/genai"

	"github.com/wrenchai/wrench/internal/provider"
)

// VectorDimension is the embedding width stored in the passages table.
// Every embed request pins OutputDimensionality to this value; the Gemini
// embedding models default to 3072 dimensions otherwise, which the
// vector(768) column would reject.
const VectorDimension = 768

// DefaultMaxInputRunes bounds the text sent to the embedding provider.
// Inputs beyond the limit are truncated at a rune boundary; inputs more
// than twice the limit are rejected outright because a majority-truncated
// embedding no longer represents the query.
const DefaultMaxInputRunes = 8192

const embedTimeout = 15 * time.Second

// Embedder adapts a genkit embedder to the retrieval pipeline, adding
// deterministic truncation and taxonomy classification.
type Embedder struct {
	embedder      ai.Embedder
	maxInputRunes int
	logger        *slog.Logger
}

// NewEmbedder wraps the given genkit embedder. maxInputRunes <= 0 selects
// DefaultMaxInputRunes.
func NewEmbedder(embedder ai.Embedder, maxInputRunes int, logger *slog.Logger) (*Embedder, error) {
	if embedder == nil {
		return nil, errors.New("embedder is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	if maxInputRunes <= 0 {
		maxInputRunes = DefaultMaxInputRunes
	}
	return &Embedder{embedder: embedder, maxInputRunes: maxInputRunes, logger: logger}, nil
}

// Embed returns the embedding vector for text. Identical inputs always
// take the identical truncation path, so the vector a given provider
// returns is reproducible.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("empty text")
	}

	runes := []rune(text)
	if len(runes) > 2*e.maxInputRunes {
		return nil, fmt.Errorf("%w: %d runes exceeds limit %d", provider.ErrInputTooLarge, len(runes), 2*e.maxInputRunes)
	}
	if len(runes) > e.maxInputRunes {
		e.logger.Debug("truncating embedding input",
			"runes", len(runes),
			"limit", e.maxInputRunes)
		text = string(runes[:e.maxInputRunes])
	}

	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()

	dim := int32(VectorDimension)
	resp, err := e.embedder.Embed(ctx, &ai.EmbedRequest{
		Input:   []*ai.Document{ai.DocumentFromText(text, nil)},
		Options: &genai.EmbedContentConfig{OutputDimensionality: &dim},
	})
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", provider.Classify(err))
	}
	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Embedding) == 0 {
		return nil, fmt.Errorf("embedding query: %w", errors.Join(provider.ErrUnavailable, errors.New("empty embedding response")))
	}

	vec := resp.Embeddings[0].Embedding
	if len(vec) != VectorDimension {
		return nil, fmt.Errorf("embedding query: provider returned %d dimensions, want %d", len(vec), VectorDimension)
	}

	return vec, nil
}
