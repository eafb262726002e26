package databases

import (
	"context"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// pgSearch is the Postgres full-text search backend. Archive entities
// (messages, discussions, topics, people) share one "documents" table keyed
// by "<entity_type>:<entity_id>"; entity_type is promoted to a real column so
// the hybrid searcher's per-kind keyword scoring is a plain indexed filter
// rather than a JSONB containment scan.
type pgSearch struct{ pool *pgxpool.Pool }

func NewPostgresSearch(pool *pgxpool.Pool) FullTextSearch {
	ctx := context.Background()
	_, _ = pool.Exec(ctx, `
CREATE TABLE IF NOT EXISTS documents (
  id TEXT PRIMARY KEY,
  entity_type TEXT NOT NULL,
  text TEXT NOT NULL,
  metadata JSONB NOT NULL DEFAULT '{}'::jsonb,
  ts tsvector GENERATED ALWAYS AS (to_tsvector('english', coalesce(text,''))) STORED
);
`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS documents_ts_idx ON documents USING GIN (ts)`)
	_, _ = pool.Exec(ctx, `CREATE INDEX IF NOT EXISTS documents_entity_type_idx ON documents (entity_type)`)
	return &pgSearch{pool: pool}
}

func (p *pgSearch) Index(ctx context.Context, id, text string, metadata map[string]string) error {
	md := mapToJSON(metadata)
	entityType := md["entity_type"]
	_, err := p.pool.Exec(ctx, `
INSERT INTO documents(id, entity_type, text, metadata) VALUES($1,$2,$3,$4)
ON CONFLICT (id) DO UPDATE SET entity_type=EXCLUDED.entity_type, text=EXCLUDED.text, metadata=EXCLUDED.metadata
`, id, entityType, text, md)
	return err
}

func (p *pgSearch) Remove(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM documents WHERE id=$1`, id)
	return err
}

func (p *pgSearch) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	q := strings.TrimSpace(query)
	if q == "" {
		return nil, nil
	}
	rows, err := p.pool.Query(ctx, `
SELECT id, ts_rank(ts, websearch_to_tsquery('english',$1)) AS score,
       left(text, 160) AS snippet,
       text,
       metadata
FROM documents
WHERE ts @@ websearch_to_tsquery('english',$1)
ORDER BY score DESC
LIMIT $2
`, q, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]SearchResult, 0, limit)
	for rows.Next() {
		var r SearchResult
		var md map[string]string
		if err := rows.Scan(&r.ID, &r.Score, &r.Snippet, &r.Text, &md); err != nil {
			return nil, err
		}
		r.Metadata = md
		out = append(out, r)
	}
	return out, rows.Err()
}

// mapToJSON ensures we never return nil to the database layer; return an empty
// map when callers provide nil so INSERT/UPDATE won't try to write a SQL NULL
// into a NOT NULL JSONB column.
func mapToJSON(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
