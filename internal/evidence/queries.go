package evidence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Ties at equal similarity break by insertion time then row id so result
// order is stable across identical searches.
const searchPassagesSQL = `
SELECT id, source_id, content, collection, url,
       1 - (embedding <=> $1) AS similarity
FROM passages
WHERE 1 - (embedding <=> $1) >= $2
ORDER BY embedding <=> $1 ASC, inserted_at ASC, id ASC
LIMIT $3`

const upsertPassageSQL = `
INSERT INTO passages (source_id, content, collection, url, embedding)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (source_id) DO UPDATE
SET content = EXCLUDED.content,
    collection = EXCLUDED.collection,
    url = EXCLUDED.url,
    embedding = EXCLUDED.embedding`

const listSourcesSQL = `
SELECT DISTINCT source_id
FROM passages
WHERE collection = $1
ORDER BY source_id`

// Queries is the pgx implementation of Querier.
type Queries struct {
	pool *pgxpool.Pool
}

// NewQueries creates the pgx-backed query layer.
func NewQueries(pool *pgxpool.Pool) *Queries {
	return &Queries{pool: pool}
}

// SearchPassages runs the similarity query.
func (q *Queries) SearchPassages(ctx context.Context, arg SearchPassagesParams) ([]SearchPassagesRow, error) {
	rows, err := q.pool.Query(ctx, searchPassagesSQL, arg.Embedding, arg.Threshold, arg.Limit)
	if err != nil {
		return nil, fmt.Errorf("query passages: %w", err)
	}
	defer rows.Close()

	var out []SearchPassagesRow
	for rows.Next() {
		var r SearchPassagesRow
		if err := rows.Scan(&r.ID, &r.SourceID, &r.Content, &r.Collection, &r.URL, &r.Similarity); err != nil {
			return nil, fmt.Errorf("scan passage row: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate passage rows: %w", err)
	}
	return out, nil
}

// UpsertPassage inserts or replaces a passage by source ID.
func (q *Queries) UpsertPassage(ctx context.Context, arg UpsertPassageParams) error {
	_, err := q.pool.Exec(ctx, upsertPassageSQL,
		arg.SourceID, arg.Content, arg.Collection, arg.URL, arg.Embedding)
	if err != nil {
		return fmt.Errorf("exec upsert: %w", err)
	}
	return nil
}

// ListSources returns distinct source IDs for a collection.
func (q *Queries) ListSources(ctx context.Context, collection string) ([]string, error) {
	rows, err := q.pool.Query(ctx, listSourcesSQL, collection)
	if err != nil {
		return nil, fmt.Errorf("query sources: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, fmt.Errorf("scan source id: %w", err)
		}
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate source rows: %w", err)
	}
	return out, nil
}
