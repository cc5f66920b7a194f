package services

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/retailiq/analytics/semantic"

	"google.golang.org/genai"
)

// GeminiPlanner is the Gemini-backed language-understanding collaborator. It
// also serves as the embedder for the knowledge index so one client covers
// both generation and retrieval.
type GeminiPlanner struct {
	client         *genai.Client
	model          string
	embeddingModel string
	debug          bool
}

func newGeminiPlanner(cfg *Config, model string) (Planner, error) {
	client, err := genai.NewClient(context.Background(), &genai.ClientConfig{
		APIKey: cfg.AI.GeminiAPIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create genai client: %w", err)
	}
	return &GeminiPlanner{
		client:         client,
		model:          model,
		embeddingModel: cfg.AI.EmbeddingModel,
		debug:          cfg.AI.Debug,
	}, nil
}

const plannerInstruction = `You are RetailIQ, an elite text-to-SQL engine for retail analytics:
sales performance, inventory management, customer behavior, product
profitability, store performance, and promotional effectiveness. You combine
deep retail knowledge with SQL expertise to answer questions precisely.`

// PlanTables asks the model which semantic tables the question needs. The
// model answers in JSON; anything it names that is not in the graph is
// discarded by the controller.
func (g *GeminiPlanner) PlanTables(ctx context.Context, question string, graph *semantic.Graph) (*TablePlan, error) {
	var catalog strings.Builder
	for _, table := range graph.Tables() {
		fmt.Fprintf(&catalog, "- %s: %s %s\n", table.Name, table.Description, table.UseCase)
	}

	prompt := fmt.Sprintf(`Identify the warehouse tables needed to answer the question below.

Tables:
%s
Question: %s

Reply with JSON only, in this exact shape:
{"tables": ["TABLE_A", "TABLE_B"], "all_rows": false, "clarification": ""}

Set "all_rows" true only when the user explicitly asks for all rows or the
complete result set. If the question cannot be answered from these tables,
leave "tables" empty and put a clarifying question for the user in
"clarification".`, catalog.String(), question)

	text, err := g.generate(ctx, prompt)
	if err != nil {
		return nil, fmt.Errorf("failed to plan tables: %w", err)
	}

	var plan TablePlan
	if err := json.Unmarshal([]byte(stripFences(text)), &plan); err != nil {
		slog.Warn("Planner returned unparseable table plan", "error", err, "response_length", len(text))
		return nil, fmt.Errorf("failed to parse table plan: %w", err)
	}

	if g.debug {
		slog.Info("Planned tables", "tables", plan.Tables, "all_rows", plan.AllRows)
	}
	return &plan, nil
}

// ComposeQuery produces exactly one PostgreSQL statement. The prompt restates
// the structural obligations (quoting, no separator, retrieved rules are
// binding), but the controller re-checks each one rather than trusting the
// model.
func (g *GeminiPlanner) ComposeQuery(ctx context.Context, req *ComposeRequest) (string, error) {
	var b strings.Builder

	b.WriteString("Write one syntactically correct PostgreSQL query for the question below.\n\n")
	fmt.Fprintf(&b, "Question: %s\n\n", req.Question)

	b.WriteString("Confirmed table schemas (use these exact identifiers):\n")
	for _, table := range req.Tables {
		fmt.Fprintf(&b, "%s (%s)\n", table.Name, table.Description)
		for _, col := range req.Schemas[table.Name] {
			nullable := "not null"
			if col.Nullable {
				nullable = "nullable"
			}
			fmt.Fprintf(&b, "  - %s %s (%s)\n", col.Name, col.DataType, nullable)
		}
	}

	if len(req.Joins) > 0 {
		b.WriteString("\nJoin using exactly these declared relationships:\n")
		for _, step := range req.Joins {
			for _, pair := range step.JoinColumns {
				fmt.Fprintf(&b, "  - %s.%s = %s.%s\n", step.Source, pair.Source, step.Target, pair.Target)
			}
		}
	}

	if len(req.Snippets) > 0 {
		b.WriteString("\nTable rules and sample queries. Rules are binding; never ignore them:\n")
		for _, s := range req.Snippets {
			fmt.Fprintf(&b, "[%s] %s\n", s.Source, s.Content)
		}
	}

	if req.PriorSQL != "" {
		fmt.Fprintf(&b, "\nThe previous attempt was:\n%s\n", req.PriorSQL)
	}
	if req.PriorError != "" {
		fmt.Fprintf(&b, "It failed with: %s\nFix the problem in the next attempt.\n", req.PriorError)
	}

	b.WriteString(`
Requirements:
- Put every table and column identifier inside double quotes to preserve case.
- Do not add a ; at the end of the query.
- Account for duplicate records and null values.
- Reply with the SQL statement only, no commentary.`)
	if !req.AllRows {
		b.WriteString("\n- Include a LIMIT clause.")
	}

	text, err := g.generate(ctx, b.String())
	if err != nil {
		return "", fmt.Errorf("failed to compose query: %w", err)
	}
	return strings.TrimSpace(strings.TrimSuffix(stripFences(text), ";")), nil
}

// AnalyzeResults narrates the validation of an executed result set.
func (g *GeminiPlanner) AnalyzeResults(ctx context.Context, question, sql string, stats ResultStats, preview string) (string, error) {
	prompt := fmt.Sprintf(`Analyze the result of this retail analytics query before it is
presented. Reason about whether the results make sense for the question,
whether they are complete and correct, and whether there could be data
quality issues.

Question: %s
SQL: %s
Rows returned: %d
Columns: %d
NULL cells: %d (density %.2f)
First rows:
%s

Reply with a short analysis in markdown. Derive everything from the data and
the query; do not use phrases like "based on the information provided".`,
		question, sql, stats.RowCount, stats.ColumnCount, stats.NullCount, stats.NullDensity, preview)

	text, err := g.generate(ctx, prompt)
	if err != nil {
		return "", fmt.Errorf("failed to analyze results: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// Embed produces the query vector for knowledge retrieval.
func (g *GeminiPlanner) Embed(ctx context.Context, text string) ([]float32, error) {
	result, err := g.client.Models.EmbedContent(
		ctx,
		g.embeddingModel,
		genai.Text(text),
		nil,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(result.Embeddings) == 0 {
		return nil, fmt.Errorf("embedding response contained no vectors")
	}
	return result.Embeddings[0].Values, nil
}

func (g *GeminiPlanner) generate(ctx context.Context, prompt string) (string, error) {
	config := &genai.GenerateContentConfig{
		SystemInstruction: genai.NewContentFromText(plannerInstruction, genai.RoleUser),
	}

	result, err := g.client.Models.GenerateContent(
		ctx,
		g.model,
		genai.Text(prompt),
		config,
	)
	if err != nil {
		return "", err
	}

	response := result.Text()
	if g.debug {
		slog.Info("Generated planner response", "prompt_length", len(prompt), "response_length", len(response))
	}
	return response, nil
}

// stripFences removes a markdown code fence wrapper when the model adds one.
func stripFences(s string) string {
	trimmed := strings.TrimSpace(s)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if idx := strings.IndexByte(trimmed, '\n'); idx >= 0 {
		trimmed = trimmed[idx+1:]
	}
	trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
	return strings.TrimSpace(trimmed)
}
