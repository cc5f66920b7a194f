package services

import (
	"context"

	"github.com/retailiq/analytics/knowledge"
	"github.com/retailiq/analytics/semantic"
	"github.com/retailiq/analytics/tools"
)

// TablePlan is the planner's reading of a user question: which semantic
// tables it needs, whether the user explicitly asked for the unbounded result
// set, and, when the question cannot be answered from the model, a clarifying
// question to send back instead of proceeding.
type TablePlan struct {
	Tables        []string `json:"tables"`
	AllRows       bool     `json:"all_rows"`
	Clarification string   `json:"clarification,omitempty"`
}

// ComposeRequest carries everything the planner may use to produce one
// syntactically valid PostgreSQL statement: confirmed schemas, binding
// knowledge snippets, resolved joins, and on a retry or follow-up repair the
// prior statement and the error it produced.
type ComposeRequest struct {
	Question   string
	Tables     []*semantic.Table
	Schemas    map[string][]tools.Column
	Snippets   []knowledge.Snippet
	Joins      []semantic.JoinStep
	AllRows    bool
	PriorSQL   string
	PriorError string
}

// ResultStats summarizes an executed result set for the analysis step.
type ResultStats struct {
	RowCount    int
	ColumnCount int
	NullCount   int
	NullDensity float64
}

// Planner is the language-understanding collaborator. It proposes tables,
// composes SQL, and narrates analysis; every safety- and correctness-critical
// behavior (row caps, forbidden statements, retry budgets, join fallback
// order) is enforced structurally by the controller, never delegated to the
// planner's prompt.
type Planner interface {
	PlanTables(ctx context.Context, question string, graph *semantic.Graph) (*TablePlan, error)
	ComposeQuery(ctx context.Context, req *ComposeRequest) (string, error)
	AnalyzeResults(ctx context.Context, question, sql string, stats ResultStats, preview string) (string, error)
}
