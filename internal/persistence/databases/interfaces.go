package databases

import "context"

// SearchResult represents a single hit from the full-text search backend.
type SearchResult struct {
	ID       string
	Score    float64
	Snippet  string
	Text     string
	Metadata map[string]string
}

// FullTextSearch defines the minimum interface for a pluggable FTS backend.
// Archive entities (messages, discussions, topics, people) are indexed under
// an id of the form "<entity_type>:<entity_id>" so a single backend serves
// every keyword-searchable entity kind named in the hybrid searcher.
type FullTextSearch interface {
	Index(ctx context.Context, id string, text string, metadata map[string]string) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// VectorResult represents a single nearest neighbor lookup result.
type VectorResult struct {
	ID       string
	Score    float64 // Higher is closer by default
	Metadata map[string]string
}

// VectorStore defines the minimum interface for a pluggable vector store.
// Embeddings are keyed the same way as FullTextSearch ("<entity_type>:<entity_id>")
// and carry entity_type/content_hash in metadata so callers can filter by kind
// and skip re-embedding unchanged content.
type VectorStore interface {
	Upsert(ctx context.Context, id string, vector []float32, metadata map[string]string) error
	Delete(ctx context.Context, id string) error
	SimilaritySearch(ctx context.Context, vector []float32, k int, filter map[string]string) ([]VectorResult, error)
	Dimension() int
}

// HashLookup is an optional capability a VectorStore backend may implement to
// let the embedding indexer skip re-embedding content whose hash hasn't
// changed since the last index. Backends that don't implement it (e.g. a bare
// noop store) simply never short-circuit.
type HashLookup interface {
	ContentHash(ctx context.Context, id string) (string, bool, error)
}

// Manager holds concrete database backends resolved from configuration.
type Manager struct {
	Search FullTextSearch
	Vector VectorStore
}

// Close attempts to close any underlying pools. It's a no-op for memory backends.
func (m Manager) Close() {
	if c, ok := any(m.Search).(interface{ Close() }); ok {
		c.Close()
	}
	if c, ok := any(m.Vector).(interface{ Close() }); ok {
		c.Close()
	}
}
