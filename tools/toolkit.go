package tools

import (
	"context"
	"fmt"

	"github.com/retailiq/analytics/knowledge"
	"github.com/retailiq/analytics/models"
)

// Column is one entry of a table schema as reported by the warehouse. The
// reported name is the authoritative casing for identifiers in composed SQL.
type Column struct {
	Name     string `json:"name"`
	DataType string `json:"data_type"`
	Nullable bool   `json:"nullable"`
}

// QueryResult holds the ordered rows of a completed read-only query.
type QueryResult struct {
	Columns []string `json:"columns"`
	Rows    [][]any  `json:"rows"`
}

// RowCount returns the number of returned rows.
func (r *QueryResult) RowCount() int {
	return len(r.Rows)
}

// NullCount returns how many cells in the result are NULL.
func (r *QueryResult) NullCount() int {
	count := 0
	for _, row := range r.Rows {
		for _, cell := range row {
			if cell == nil {
				count++
			}
		}
	}
	return count
}

// ForbiddenOperationError signals a statement that is not read-only. It is
// never retried: the turn aborts with an explanation.
type ForbiddenOperationError struct {
	Verb string
}

func (e *ForbiddenOperationError) Error() string {
	return fmt.Sprintf("statement contains forbidden operation %q; only read-only queries are allowed", e.Verb)
}

// QueryError carries the executor's failure message back to the controller,
// which feeds it into the next composition attempt.
type QueryError struct {
	SQL     string
	Message string
}

func (e *QueryError) Error() string {
	return fmt.Sprintf("query failed: %s", e.Message)
}

// Arg is one ordered key/value argument of a recorded tool call.
type Arg struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// Executor is the warehouse boundary: schema introspection and read-only
// query execution against the retail database.
type Executor interface {
	DescribeTable(ctx context.Context, name string) ([]Column, error)
	RunQuery(ctx context.Context, sql string) (*QueryResult, error)
}

// CallLog persists tool-call records and serves the history needed for
// follow-up repair. Implemented by the session store.
type CallLog interface {
	RecordToolCall(ctx context.Context, sessionID, tool string, args []Arg, summary string) error
	ToolCallHistory(ctx context.Context, sessionID string, n int) ([]models.ToolCall, error)
}

// Toolkit is the set of operations the controller may invoke during a turn.
// Every invocation, success or failure, becomes a ToolCall record on the
// session.
type Toolkit interface {
	DescribeTable(ctx context.Context, name string) ([]Column, error)
	RunQuery(ctx context.Context, sql string) (*QueryResult, error)
	SearchKnowledgeBase(ctx context.Context, topic string) ([]knowledge.Snippet, error)
	GetToolCallHistory(ctx context.Context, n int) ([]models.ToolCall, error)
}
