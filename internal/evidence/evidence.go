// Package evidence provides the retrieval corpus: passage types, the
// pgvector-backed store and the embedding adapter.
//
// Passages come from two places. The local index holds chunks of workshop
// manuals and curated online resources with precomputed embeddings. The web
// fallback produces passages on the fly; those carry no stored embedding
// and are scored lexically by the planner.
package evidence

// Origin tells where a passage came from.
type Origin string

const (
	OriginLocalIndex Origin = "local-index"
	OriginWebSearch  Origin = "web-search"
)

// Local corpus collections. Manual passages win similarity ties because
// workshop manuals are the most accurate source available.
const (
	CollectionManuals         = "manuals"
	CollectionOnlineResources = "online-resources"
)

// Passage is a unit of retrievable evidence.
type Passage struct {
	// SourceID identifies the source document chunk, or the page URL for
	// web results.
	SourceID string

	// Content is the passage text.
	Content string

	// Similarity is the relevance score in [0, 1]. Cosine similarity for
	// local passages, lexical overlap for web passages.
	Similarity float64

	Origin     Origin
	Collection string

	// URL is set for web passages and for local passages that index an
	// online resource.
	URL string
}
