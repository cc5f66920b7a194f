package knowledge

import (
	"context"
	"log/slog"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PgxRetriever ranks knowledge_documents rows with pgvector cosine distance.
// Score ties break by row id, which follows insertion order.
type PgxRetriever struct {
	pool     *pgxpool.Pool
	embedder Embedder
}

func NewPgxRetriever(pool *pgxpool.Pool, embedder Embedder) *PgxRetriever {
	return &PgxRetriever{pool: pool, embedder: embedder}
}

func (r *PgxRetriever) Search(ctx context.Context, query string, topK int) ([]Snippet, error) {
	if topK <= 0 {
		topK = DefaultTopK
	}
	if r.pool == nil {
		slog.Warn("Knowledge index not configured, proceeding without snippets", "query", query)
		return nil, nil
	}

	vector, err := r.embedder.Embed(ctx, query)
	if err != nil {
		slog.Warn("Knowledge embedding failed, proceeding without snippets", "error", err, "query", query)
		return nil, nil
	}

	rows, err := r.pool.Query(ctx, `
		SELECT source, COALESCE(table_name, ''), content, 1 - (embedding <=> $1::vector) AS score
		FROM knowledge_documents
		WHERE deleted_at IS NULL
		ORDER BY embedding <=> $1::vector, id
		LIMIT $2`,
		VectorLiteral(vector), topK)
	if err != nil {
		slog.Warn("Knowledge index unavailable, proceeding without snippets", "error", err, "query", query)
		return nil, nil
	}
	defer rows.Close()

	var snippets []Snippet
	for rows.Next() {
		var s Snippet
		if err := rows.Scan(&s.Source, &s.Table, &s.Content, &s.Score); err != nil {
			slog.Warn("Failed to scan knowledge row, proceeding without snippets", "error", err)
			return nil, nil
		}
		snippets = append(snippets, s)
	}
	if err := rows.Err(); err != nil {
		slog.Warn("Knowledge index read failed, proceeding without snippets", "error", err)
		return nil, nil
	}

	slog.Info("Knowledge search completed", "query", query, "results", len(snippets))
	return snippets, nil
}

// VectorLiteral renders an embedding in pgvector input syntax: [x,y,z].
func VectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}

var _ Retriever = (*PgxRetriever)(nil)
