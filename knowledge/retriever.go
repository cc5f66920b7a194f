package knowledge

import "context"

// DefaultTopK is the number of snippets returned when the caller does not ask
// for a specific count. Matches the number of references the planner folds
// into its prompt.
const DefaultTopK = 5

// Snippet is one retrieved piece of auxiliary knowledge: a table rule or a
// sample query. Snippets are produced by the index and never persisted by the
// query-construction core.
type Snippet struct {
	Source  string  `json:"source"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	Table   string  `json:"table,omitempty"`
}

// Retriever is the similarity-search contract over the knowledge index.
// Results are ordered by descending score with ties broken by document
// insertion order, and the slice length never exceeds topK.
//
// An unavailable backing index degrades to an empty result set with a nil
// error: a turn proceeds without table rules rather than failing.
type Retriever interface {
	Search(ctx context.Context, query string, topK int) ([]Snippet, error)
}

// Embedder turns query text into the vector the index ranks against.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}
