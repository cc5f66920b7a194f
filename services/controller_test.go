package services

import (
	"context"
	"strings"
	"testing"

	"github.com/retailiq/analytics/knowledge"
	"github.com/retailiq/analytics/models"
	"github.com/retailiq/analytics/semantic"
	"github.com/retailiq/analytics/tools"
)

const controllerTestModel = `{
  "tables": [
    {
      "table_name": "DIM_CUSTOMER",
      "table_description": "Customer master data.",
      "Use Case": "Customer segmentation and purchase analysis.",
      "relationships": [
        {
          "related_table": "FACT_SALES",
          "relationship_type": "one-to-many",
          "join_columns": {"customer_id": "customer_id"},
          "description": "Sales transactions per customer."
        }
      ]
    },
    {
      "table_name": "FACT_SALES",
      "table_description": "Sales transaction facts.",
      "Use Case": "Revenue and sales trend analysis.",
      "relationships": []
    },
    {
      "table_name": "DIM_PRODUCT",
      "table_description": "Product master data.",
      "Use Case": "Product performance analysis.",
      "relationships": []
    },
    {
      "table_name": "FACT_INVENTORY",
      "table_description": "Inventory level facts.",
      "Use Case": "Stock level analysis.",
      "relationships": []
    }
  ]
}`

func newControllerTestGraph(t *testing.T) *semantic.Graph {
	t.Helper()
	graph, err := semantic.LoadModel(strings.NewReader(controllerTestModel))
	if err != nil {
		t.Fatalf("failed to load test model: %v", err)
	}
	return graph
}

type fakePlanner struct {
	plan         *TablePlan
	planErr      error
	composed     []string
	composeCalls []ComposeRequest
	analysis     string
	analyzed     bool
}

func (p *fakePlanner) PlanTables(ctx context.Context, question string, graph *semantic.Graph) (*TablePlan, error) {
	if p.planErr != nil {
		return nil, p.planErr
	}
	return p.plan, nil
}

func (p *fakePlanner) ComposeQuery(ctx context.Context, req *ComposeRequest) (string, error) {
	p.composeCalls = append(p.composeCalls, *req)
	sql := p.composed[0]
	if len(p.composed) > 1 {
		p.composed = p.composed[1:]
	}
	return sql, nil
}

func (p *fakePlanner) AnalyzeResults(ctx context.Context, question, sql string, stats ResultStats, preview string) (string, error) {
	p.analyzed = true
	if p.analysis == "" {
		return "The results look plausible.", nil
	}
	return p.analysis, nil
}

type fakeToolkit struct {
	schemas  map[string][]tools.Column
	snippets map[string][]knowledge.Snippet
	result   *tools.QueryResult
	runErrs  []error
	executed []string
	history  []models.ToolCall
}

func (f *fakeToolkit) DescribeTable(ctx context.Context, name string) ([]tools.Column, error) {
	columns, ok := f.schemas[name]
	if !ok {
		return nil, &semantic.NotFoundError{Name: name}
	}
	return columns, nil
}

func (f *fakeToolkit) RunQuery(ctx context.Context, sql string) (*tools.QueryResult, error) {
	f.executed = append(f.executed, sql)
	if len(f.runErrs) > 0 {
		err := f.runErrs[0]
		f.runErrs = f.runErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return f.result, nil
}

func (f *fakeToolkit) SearchKnowledgeBase(ctx context.Context, topic string) ([]knowledge.Snippet, error) {
	return f.snippets[topic], nil
}

func (f *fakeToolkit) GetToolCallHistory(ctx context.Context, n int) ([]models.ToolCall, error) {
	if n > 0 && len(f.history) > n {
		return f.history[len(f.history)-n:], nil
	}
	return f.history, nil
}

type memoryTurnLog struct {
	turns []models.Turn
}

func (m *memoryTurnLog) AppendTurn(ctx context.Context, sessionID string, turn *models.Turn) error {
	turn.SessionID = sessionID
	turn.Seq = len(m.turns) + 1
	m.turns = append(m.turns, *turn)
	return nil
}

func (m *memoryTurnLog) GetTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	out := make([]models.Turn, len(m.turns))
	copy(out, m.turns)
	return out, nil
}

type captureEmitter struct {
	deltas []string
}

func (e *captureEmitter) ContentDelta(text string) {
	e.deltas = append(e.deltas, text)
}

func customerSalesSchemas() map[string][]tools.Column {
	return map[string][]tools.Column{
		"DIM_CUSTOMER": {
			{Name: "customer_id", DataType: "bigint"},
			{Name: "first_name", DataType: "text", Nullable: true},
		},
		"FACT_SALES": {
			{Name: "sale_id", DataType: "bigint"},
			{Name: "customer_id", DataType: "bigint"},
			{Name: "total_amount", DataType: "double precision", Nullable: true},
		},
	}
}

const topCustomersSQL = `SELECT "DIM_CUSTOMER"."first_name", SUM("FACT_SALES"."total_amount") AS "total_spent" FROM "FACT_SALES" JOIN "DIM_CUSTOMER" ON "FACT_SALES"."customer_id" = "DIM_CUSTOMER"."customer_id" GROUP BY "DIM_CUSTOMER"."first_name" ORDER BY "total_spent" DESC LIMIT 5`

func TestRunTurnTopCustomersScenario(t *testing.T) {
	planner := &fakePlanner{
		plan:     &TablePlan{Tables: []string{"DIM_CUSTOMER", "FACT_SALES"}},
		composed: []string{topCustomersSQL},
	}
	toolkit := &fakeToolkit{
		schemas: customerSalesSchemas(),
		result: &tools.QueryResult{
			Columns: []string{"first_name", "total_spent"},
			Rows: [][]any{
				{"Ava", 912.50}, {"Ben", 877.25}, {"Cora", 640.00},
				{"Dan", 512.75}, {"Eli", 498.10},
			},
		},
	}
	log := &memoryTurnLog{}
	emitter := &captureEmitter{}
	controller := NewController(newControllerTestGraph(t), planner, log, 100)

	outcome, err := controller.RunTurn(context.Background(), &models.ChatSession{ID: "s1", UserID: "u1"},
		toolkit, "top 5 customers by total purchase amount", emitter)
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}

	if outcome.State != StateAwaitFollowup {
		t.Errorf("expected state %q, got %q", StateAwaitFollowup, outcome.State)
	}
	if len(planner.composeCalls) != 1 {
		t.Fatalf("expected 1 compose call, got %d", len(planner.composeCalls))
	}

	req := planner.composeCalls[0]
	if len(req.Joins) != 1 {
		t.Fatalf("expected 1 join step, got %d", len(req.Joins))
	}
	join := req.Joins[0]
	if len(join.JoinColumns) != 1 || join.JoinColumns[0].Source != "customer_id" || join.JoinColumns[0].Target != "customer_id" {
		t.Errorf("expected declared customer_id join, got %+v", join.JoinColumns)
	}

	if len(toolkit.executed) != 1 || toolkit.executed[0] != topCustomersSQL {
		t.Errorf("unexpected executed SQL: %v", toolkit.executed)
	}
	if !planner.analyzed {
		t.Error("analysis must run before presenting")
	}
	if !strings.Contains(outcome.Answer, topCustomersSQL) {
		t.Error("answer should include the exact SQL used")
	}
	if !strings.Contains(outcome.Answer, "Ava") {
		t.Error("answer should include the result preview")
	}

	// Deltas stream in order and together form the recorded answer.
	if strings.Join(emitter.deltas, "") != outcome.Answer {
		t.Error("streamed deltas should reassemble into the recorded answer")
	}
	if len(log.turns) != 2 || log.turns[0].Role != models.RoleUser || log.turns[1].Role != models.RoleAssistant {
		t.Errorf("expected user then assistant turn, got %+v", log.turns)
	}
}

func TestRunTurnClarifiesWhenNoTables(t *testing.T) {
	planner := &fakePlanner{
		plan: &TablePlan{Clarification: "Which subject should I look at?"},
	}
	controller := NewController(newControllerTestGraph(t), planner, &memoryTurnLog{}, 100)

	outcome, err := controller.RunTurn(context.Background(), &models.ChatSession{ID: "s1"},
		&fakeToolkit{}, "what is the meaning of life", &captureEmitter{})
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if outcome.State != StateClarify {
		t.Errorf("expected state %q, got %q", StateClarify, outcome.State)
	}
	if outcome.Answer != "Which subject should I look at?" {
		t.Errorf("expected the planner's clarification verbatim, got %q", outcome.Answer)
	}
}

func TestRunTurnInjectsRowCap(t *testing.T) {
	planner := &fakePlanner{
		plan:     &TablePlan{Tables: []string{"DIM_CUSTOMER"}},
		composed: []string{`SELECT "first_name" FROM "DIM_CUSTOMER"`},
	}
	toolkit := &fakeToolkit{
		schemas: customerSalesSchemas(),
		result:  &tools.QueryResult{Columns: []string{"first_name"}, Rows: [][]any{{"Ava"}}},
	}
	controller := NewController(newControllerTestGraph(t), planner, &memoryTurnLog{}, 100)

	if _, err := controller.RunTurn(context.Background(), &models.ChatSession{ID: "s1"},
		toolkit, "list customer first names", &captureEmitter{}); err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if len(toolkit.executed) != 1 || !strings.HasSuffix(toolkit.executed[0], "LIMIT 100") {
		t.Errorf("expected the row cap appended, got %v", toolkit.executed)
	}
}

func TestRunTurnSkipsRowCapWhenAllRowsRequested(t *testing.T) {
	planner := &fakePlanner{
		plan:     &TablePlan{Tables: []string{"DIM_CUSTOMER"}},
		composed: []string{`SELECT "first_name" FROM "DIM_CUSTOMER"`},
	}
	toolkit := &fakeToolkit{
		schemas: customerSalesSchemas(),
		result:  &tools.QueryResult{Columns: []string{"first_name"}, Rows: [][]any{{"Ava"}}},
	}
	controller := NewController(newControllerTestGraph(t), planner, &memoryTurnLog{}, 100)

	if _, err := controller.RunTurn(context.Background(), &models.ChatSession{ID: "s1"},
		toolkit, "show all rows of customer first names", &captureEmitter{}); err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if strings.Contains(toolkit.executed[0], "LIMIT") {
		t.Errorf("explicit all-rows request must not be capped, got %q", toolkit.executed[0])
	}
}

func TestRunTurnFallsBackToNameTypeJoin(t *testing.T) {
	planner := &fakePlanner{
		plan:     &TablePlan{Tables: []string{"DIM_PRODUCT", "FACT_INVENTORY"}},
		composed: []string{`SELECT "product_name" FROM "DIM_PRODUCT" JOIN "FACT_INVENTORY" ON "DIM_PRODUCT"."product_id" = "FACT_INVENTORY"."product_id" LIMIT 10`},
	}
	toolkit := &fakeToolkit{
		schemas: map[string][]tools.Column{
			"DIM_PRODUCT": {
				{Name: "product_id", DataType: "bigint"},
				{Name: "product_name", DataType: "text"},
			},
			"FACT_INVENTORY": {
				{Name: "inventory_id", DataType: "bigint"},
				{Name: "product_id", DataType: "bigint"},
				{Name: "quantity", DataType: "bigint"},
			},
		},
		result: &tools.QueryResult{Columns: []string{"product_name"}, Rows: [][]any{{"Widget"}}},
	}
	controller := NewController(newControllerTestGraph(t), planner, &memoryTurnLog{}, 100)

	outcome, err := controller.RunTurn(context.Background(), &models.ChatSession{ID: "s1"},
		toolkit, "inventory levels per product", &captureEmitter{})
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if outcome.State != StateAwaitFollowup {
		t.Fatalf("expected state %q, got %q", StateAwaitFollowup, outcome.State)
	}

	joins := planner.composeCalls[0].Joins
	if len(joins) != 1 {
		t.Fatalf("expected 1 fallback join step, got %d", len(joins))
	}
	if len(joins[0].JoinColumns) != 1 || joins[0].JoinColumns[0].Source != "product_id" {
		t.Errorf("expected fallback join on product_id, got %+v", joins[0].JoinColumns)
	}
}

func TestRunTurnClarifiesWhenNoJoinExists(t *testing.T) {
	planner := &fakePlanner{
		plan: &TablePlan{Tables: []string{"DIM_PRODUCT", "DIM_CUSTOMER"}},
	}
	toolkit := &fakeToolkit{
		schemas: map[string][]tools.Column{
			"DIM_PRODUCT": {
				{Name: "product_id", DataType: "bigint"},
				{Name: "product_name", DataType: "text"},
			},
			"DIM_CUSTOMER": {
				{Name: "customer_id", DataType: "bigint"},
				{Name: "first_name", DataType: "text"},
			},
		},
	}
	controller := NewController(newControllerTestGraph(t), planner, &memoryTurnLog{}, 100)

	outcome, err := controller.RunTurn(context.Background(), &models.ChatSession{ID: "s1"},
		toolkit, "products per customer", &captureEmitter{})
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if outcome.State != StateClarify {
		t.Errorf("expected state %q, got %q", StateClarify, outcome.State)
	}
	if len(toolkit.executed) != 0 {
		t.Errorf("no query should run without a join, got %v", toolkit.executed)
	}
}

func TestRunTurnRetriesQueryErrorsThenClarifies(t *testing.T) {
	planner := &fakePlanner{
		plan:     &TablePlan{Tables: []string{"DIM_CUSTOMER"}},
		composed: []string{`SELECT "first_name" FROM "DIM_CUSTOMER" LIMIT 10`},
	}
	toolkit := &fakeToolkit{
		schemas: customerSalesSchemas(),
		runErrs: []error{
			&tools.QueryError{Message: "relation does not exist"},
			&tools.QueryError{Message: "relation does not exist"},
			&tools.QueryError{Message: "relation does not exist"},
		},
	}
	controller := NewController(newControllerTestGraph(t), planner, &memoryTurnLog{}, 100)

	outcome, err := controller.RunTurn(context.Background(), &models.ChatSession{ID: "s1"},
		toolkit, "customer first names", &captureEmitter{})
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if outcome.State != StateClarify {
		t.Errorf("expected state %q after retry exhaustion, got %q", StateClarify, outcome.State)
	}
	if len(toolkit.executed) != 3 {
		t.Errorf("expected initial attempt plus 2 retries, got %d executions", len(toolkit.executed))
	}

	// Retries carry the failure back into composition.
	last := planner.composeCalls[len(planner.composeCalls)-1]
	if !strings.Contains(last.PriorError, "relation does not exist") {
		t.Errorf("expected prior error as composition context, got %q", last.PriorError)
	}
}

func TestRunTurnForbiddenOperationAborts(t *testing.T) {
	planner := &fakePlanner{
		plan:     &TablePlan{Tables: []string{"DIM_CUSTOMER"}},
		composed: []string{`SELECT "first_name" FROM "DIM_CUSTOMER" LIMIT 10`},
	}
	toolkit := &fakeToolkit{
		schemas: customerSalesSchemas(),
		runErrs: []error{&tools.ForbiddenOperationError{Verb: "delete"}},
	}
	controller := NewController(newControllerTestGraph(t), planner, &memoryTurnLog{}, 100)

	outcome, err := controller.RunTurn(context.Background(), &models.ChatSession{ID: "s1"},
		toolkit, "customer first names", &captureEmitter{})
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if outcome.State != StateEnd {
		t.Errorf("expected state %q, got %q", StateEnd, outcome.State)
	}
	if len(toolkit.executed) != 1 {
		t.Errorf("a forbidden statement must never be retried, got %d executions", len(toolkit.executed))
	}
	if !strings.Contains(outcome.Answer, "read-only") {
		t.Errorf("expected an explanation of the read-only policy, got %q", outcome.Answer)
	}
}

func TestRunTurnValidationRejectsUnknownIdentifiers(t *testing.T) {
	planner := &fakePlanner{
		plan: &TablePlan{Tables: []string{"DIM_CUSTOMER"}},
		composed: []string{
			`SELECT "nonexistent_column" FROM "DIM_CUSTOMER" LIMIT 10`,
			`SELECT "first_name" FROM "DIM_CUSTOMER" LIMIT 10`,
		},
	}
	toolkit := &fakeToolkit{
		schemas: customerSalesSchemas(),
		result:  &tools.QueryResult{Columns: []string{"first_name"}, Rows: [][]any{{"Ava"}}},
	}
	controller := NewController(newControllerTestGraph(t), planner, &memoryTurnLog{}, 100)

	outcome, err := controller.RunTurn(context.Background(), &models.ChatSession{ID: "s1"},
		toolkit, "customer first names", &captureEmitter{})
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if outcome.State != StateAwaitFollowup {
		t.Fatalf("expected recovery to %q, got %q", StateAwaitFollowup, outcome.State)
	}
	if len(toolkit.executed) != 1 {
		t.Fatalf("the invalid statement must not reach the warehouse, got %v", toolkit.executed)
	}
	if !strings.Contains(planner.composeCalls[1].PriorError, "nonexistent_column") {
		t.Errorf("expected the rejected identifier in the retry context, got %q", planner.composeCalls[1].PriorError)
	}
}

func TestRunTurnValidationRejectsUnquotedIdentifiers(t *testing.T) {
	planner := &fakePlanner{
		plan: &TablePlan{Tables: []string{"DIM_CUSTOMER"}},
		composed: []string{
			`SELECT first_name FROM "DIM_CUSTOMER" LIMIT 10`,
			`SELECT "first_name" FROM "DIM_CUSTOMER" LIMIT 10`,
		},
	}
	toolkit := &fakeToolkit{
		schemas: customerSalesSchemas(),
		result:  &tools.QueryResult{Columns: []string{"first_name"}, Rows: [][]any{{"Ava"}}},
	}
	controller := NewController(newControllerTestGraph(t), planner, &memoryTurnLog{}, 100)

	outcome, err := controller.RunTurn(context.Background(), &models.ChatSession{ID: "s1"},
		toolkit, "customer first names", &captureEmitter{})
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if outcome.State != StateAwaitFollowup {
		t.Fatalf("expected recovery to %q, got %q", StateAwaitFollowup, outcome.State)
	}
	if len(toolkit.executed) != 1 || toolkit.executed[0] != `SELECT "first_name" FROM "DIM_CUSTOMER" LIMIT 10` {
		t.Fatalf("the unquoted statement must not reach the warehouse, got %v", toolkit.executed)
	}
	if !strings.Contains(planner.composeCalls[1].PriorError, "first_name") {
		t.Errorf("expected the bare identifier in the retry context, got %q", planner.composeCalls[1].PriorError)
	}
}

func TestRunTurnFollowupRepairRecoversPriorQuery(t *testing.T) {
	prior := topCustomersSQL
	planner := &fakePlanner{
		composed: []string{topCustomersSQL},
	}
	toolkit := &fakeToolkit{
		schemas: customerSalesSchemas(),
		result:  &tools.QueryResult{Columns: []string{"first_name", "total_spent"}, Rows: [][]any{{"Ava", 912.50}}},
		history: []models.ToolCall{
			{
				SessionID: "s1",
				Seq:       1,
				ToolName:  "run_query",
				Arguments: tools.EncodeArgs([]tools.Arg{{Key: "sql", Value: prior}}),
			},
		},
	}
	log := &memoryTurnLog{
		turns: []models.Turn{
			{SessionID: "s1", Seq: 1, Role: models.RoleUser, Content: "top 5 customers by total purchase amount"},
			{SessionID: "s1", Seq: 2, Role: models.RoleAssistant, Content: "here are the results"},
		},
	}
	controller := NewController(newControllerTestGraph(t), planner, log, 100)

	outcome, err := controller.RunTurn(context.Background(), &models.ChatSession{ID: "s1"},
		toolkit, "yes", &captureEmitter{})
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if outcome.State != StateAwaitFollowup {
		t.Fatalf("expected state %q, got %q", StateAwaitFollowup, outcome.State)
	}

	req := planner.composeCalls[0]
	if req.PriorSQL != prior {
		t.Errorf("expected the prior statement recovered from history, got %q", req.PriorSQL)
	}
	if req.Question != "top 5 customers by total purchase amount" {
		t.Errorf("expected the original question, got %q", req.Question)
	}
}

func TestRunTurnNegativeReplyEnds(t *testing.T) {
	planner := &fakePlanner{}
	controller := NewController(newControllerTestGraph(t), planner, &memoryTurnLog{}, 100)

	outcome, err := controller.RunTurn(context.Background(), &models.ChatSession{ID: "s1"},
		&fakeToolkit{}, "No thanks.", &captureEmitter{})
	if err != nil {
		t.Fatalf("RunTurn failed: %v", err)
	}
	if outcome.State != StateEnd {
		t.Errorf("expected state %q, got %q", StateEnd, outcome.State)
	}
	if len(planner.composeCalls) != 0 {
		t.Error("a negative reply must not trigger composition")
	}
}
