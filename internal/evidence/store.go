package evidence

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pgvector/pgvector-go"

	"github.com/wrenchai/wrench/internal/provider"
)

var (
	// ErrEmptyContent indicates an upsert with no passage text.
	ErrEmptyContent = errors.New("empty passage content")

	// ErrUnknownCollection indicates a collection outside the local corpus.
	ErrUnknownCollection = errors.New("unknown collection")
)

// searchTimeout bounds a single similarity query against the database.
const searchTimeout = 10 * time.Second

// SearchPassagesParams are the inputs for a similarity search.
type SearchPassagesParams struct {
	Embedding pgvector.Vector
	Threshold float64
	Limit     int32
}

// SearchPassagesRow is one ranked result from the database.
type SearchPassagesRow struct {
	ID         uuid.UUID
	SourceID   string
	Content    string
	Collection string
	URL        string
	Similarity float64
}

// UpsertPassageParams are the inputs for inserting or replacing a passage.
type UpsertPassageParams struct {
	SourceID   string
	Content    string
	Collection string
	URL        string
	Embedding  pgvector.Vector
}

// Querier is the database surface the store depends on. Defined here, on
// the consumer side, so tests can substitute a fake and the pgx
// implementation stays swappable.
type Querier interface {
	SearchPassages(ctx context.Context, arg SearchPassagesParams) ([]SearchPassagesRow, error)
	UpsertPassage(ctx context.Context, arg UpsertPassageParams) error
	ListSources(ctx context.Context, collection string) ([]string, error)
}

// Store serves similarity search over the local passage index.
type Store struct {
	queries Querier
	logger  *slog.Logger
}

// NewStore creates a store over the given querier.
func NewStore(queries Querier, logger *slog.Logger) (*Store, error) {
	if queries == nil {
		return nil, errors.New("queries is required")
	}
	if logger == nil {
		return nil, errors.New("logger is required")
	}
	return &Store{queries: queries, logger: logger}, nil
}

// Search returns up to k passages whose cosine similarity to the query
// embedding meets the threshold, ordered by similarity descending. Ordering
// is fully deterministic: equal similarities are broken by insertion time,
// then row ID, so repeated searches return identical slices.
func (s *Store) Search(ctx context.Context, embedding []float32, k int, threshold float64) ([]Passage, error) {
	if len(embedding) == 0 {
		return nil, errors.New("empty embedding")
	}
	if k <= 0 {
		return nil, fmt.Errorf("invalid k: %d", k)
	}

	ctx, cancel := context.WithTimeout(ctx, searchTimeout)
	defer cancel()

	rows, err := s.queries.SearchPassages(ctx, SearchPassagesParams{
		Embedding: pgvector.NewVector(embedding),
		Threshold: threshold,
		Limit:     int32(k), //nolint:gosec // k is validated small and positive
	})
	if err != nil {
		return nil, fmt.Errorf("searching passages: %w", provider.Classify(err))
	}

	passages := make([]Passage, 0, len(rows))
	for _, row := range rows {
		passages = append(passages, Passage{
			SourceID:   row.SourceID,
			Content:    row.Content,
			Similarity: row.Similarity,
			Origin:     OriginLocalIndex,
			Collection: row.Collection,
			URL:        row.URL,
		})
	}

	s.logger.Debug("passage search completed",
		"requested", k,
		"threshold", threshold,
		"found", len(passages))

	return passages, nil
}

// Upsert inserts a passage or replaces the existing one with the same
// source ID. Ingestion pipelines call this; the diagnostic path never does.
func (s *Store) Upsert(ctx context.Context, p Passage, embedding []float32) error {
	if p.Content == "" {
		return ErrEmptyContent
	}
	if p.Collection != CollectionManuals && p.Collection != CollectionOnlineResources {
		return fmt.Errorf("%w: %q", ErrUnknownCollection, p.Collection)
	}
	if len(embedding) == 0 {
		return errors.New("empty embedding")
	}

	err := s.queries.UpsertPassage(ctx, UpsertPassageParams{
		SourceID:   p.SourceID,
		Content:    p.Content,
		Collection: p.Collection,
		URL:        p.URL,
		Embedding:  pgvector.NewVector(embedding),
	})
	if err != nil {
		return fmt.Errorf("upserting passage %q: %w", p.SourceID, provider.Classify(err))
	}
	return nil
}

// ListSources returns the distinct source IDs in a collection.
func (s *Store) ListSources(ctx context.Context, collection string) ([]string, error) {
	if collection != CollectionManuals && collection != CollectionOnlineResources {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCollection, collection)
	}
	sources, err := s.queries.ListSources(ctx, collection)
	if err != nil {
		return nil, fmt.Errorf("listing sources: %w", provider.Classify(err))
	}
	return sources, nil
}
