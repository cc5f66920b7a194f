package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/retailiq/analytics/knowledge"
	"github.com/retailiq/analytics/models"
	"github.com/retailiq/analytics/semantic"
	"github.com/retailiq/analytics/tools"
)

// State names the stages of a query-construction turn. A turn runs
// Start through AwaitFollowup in order; Clarify is reachable from any stage
// that cannot proceed and is terminal for the turn.
type State string

const (
	StateStart            State = "start"
	StateIdentifyTables   State = "identify_tables"
	StateRetrieveMetadata State = "retrieve_metadata"
	StateResolveJoins     State = "resolve_joins"
	StateComposeQuery     State = "compose_query"
	StateValidateQuery    State = "validate_query"
	StateExecute          State = "execute"
	StateAnalyze          State = "analyze"
	StatePresent          State = "present"
	StateAwaitFollowup    State = "await_followup"
	StateClarify          State = "clarify"
	StateEnd              State = "end"
)

// retryBudget bounds each recoverable loop (validation rejects, query
// errors). Exhaustion always surfaces a clarifying question, never a silent
// failure or an unbounded retry.
const retryBudget = 2

const (
	historyWindow = 20
	previewRows   = 10
)

// Emitter receives the assistant's response as an ordered stream of content
// deltas. Tool-call events reach the same consumer through the toolkit's
// OnCall hook; the consumer applies both kinds in emission order.
type Emitter interface {
	ContentDelta(text string)
}

// TurnLog is the slice of the session store the controller needs: appending
// transcript entries and reading them back for follow-up repair.
type TurnLog interface {
	AppendTurn(ctx context.Context, sessionID string, turn *models.Turn) error
	GetTurns(ctx context.Context, sessionID string) ([]models.Turn, error)
}

// TurnOutcome reports how a turn ended and what it produced.
type TurnOutcome struct {
	State  State
	Answer string
	SQL    string
}

// Controller drives one conversation turn through the query-construction
// state machine. The schema graph and planner are shared across sessions;
// per-session state lives in the toolkit and the turn log.
type Controller struct {
	graph   *semantic.Graph
	planner Planner
	turns   TurnLog
	rowCap  int
}

func NewController(graph *semantic.Graph, planner Planner, turns TurnLog, rowCap int) *Controller {
	return &Controller{
		graph:   graph,
		planner: planner,
		turns:   turns,
		rowCap:  rowCap,
	}
}

// RunTurn processes one user message to completion. The turn is recorded
// before any work starts; a store failure is fatal because nothing can be
// durably recorded. Every other failure path ends in a clarifying question
// or an explanation, never an unexplained error to the user.
func (c *Controller) RunTurn(ctx context.Context, session *models.ChatSession, toolkit tools.Toolkit, question string, emit Emitter) (*TurnOutcome, error) {
	if err := c.turns.AppendTurn(ctx, session.ID, &models.Turn{Role: models.RoleUser, Content: question}); err != nil {
		return nil, err
	}

	if isNegative(question) {
		return c.finish(ctx, session, emit, StateEnd,
			"Sounds good. Ask another question whenever you need more analysis.", "")
	}

	effective := question
	priorSQL := ""
	if isAffirmative(question) {
		history, err := toolkit.GetToolCallHistory(ctx, historyWindow)
		if err != nil {
			return nil, err
		}
		if sql, ok := tools.LastQuery(history); ok {
			priorSQL = sql
			if prev, ok := c.lastUserQuestion(ctx, session.ID, question); ok {
				effective = prev
			}
			slog.Info("Re-entering composition for follow-up repair", "session_id", session.ID)
		}
	}

	// IdentifyTables. A follow-up repair reuses the prior statement's tables
	// instead of re-planning from an affirmation like "yes".
	var tables []*semantic.Table
	allRows := wantsAllRows(effective)
	if priorSQL != "" {
		tables = c.tablesFromSQL(priorSQL)
	}
	if len(tables) == 0 {
		plan, err := c.planner.PlanTables(ctx, effective, c.graph)
		if err != nil {
			slog.Warn("Table planning failed", "error", err, "session_id", session.ID)
			return c.clarify(ctx, session, emit,
				"I couldn't work out which data this question needs. Could you rephrase it, naming the subject (sales, inventory, customers, stores)?")
		}
		if plan.Clarification != "" {
			return c.clarify(ctx, session, emit, plan.Clarification)
		}
		allRows = allRows || plan.AllRows
		for _, name := range plan.Tables {
			table, err := c.graph.Lookup(name)
			if err != nil {
				slog.Warn("Planner proposed unknown table", "table", name, "session_id", session.ID)
				continue
			}
			tables = append(tables, table)
		}
	}
	if len(tables) == 0 {
		return c.clarify(ctx, session, emit,
			"I couldn't map your question to any table in the warehouse. Which subject should I look at: sales, inventory, customers, products, stores, or promotions?")
	}

	// RetrieveMetadata. Schemas are authoritative for identifier casing and
	// must confirm every table; knowledge retrieval degrades silently.
	schemas := make(map[string][]tools.Column, len(tables))
	var snippets []knowledge.Snippet
	for _, table := range tables {
		columns, err := toolkit.DescribeTable(ctx, table.Name)
		if err != nil {
			slog.Warn("Failed to describe table", "error", err, "table", table.Name, "session_id", session.ID)
			return c.clarify(ctx, session, emit,
				fmt.Sprintf("The table %s is in the semantic model but I couldn't read its schema from the warehouse. Should I try a different table?", table.Name))
		}
		schemas[table.Name] = columns

		snips, err := toolkit.SearchKnowledgeBase(ctx, table.Name)
		if err != nil {
			slog.Warn("Knowledge search failed, proceeding without snippets", "error", err, "table", table.Name)
			continue
		}
		snippets = append(snippets, snips...)
	}

	// ResolveJoins. Declared relationships win; on AmbiguousJoinError fall
	// back to exact name+type column matches, then ask the user.
	var joins []semantic.JoinStep
	if len(tables) > 1 {
		base := tables[0]
		for _, other := range tables[1:] {
			steps, err := c.graph.ResolveJoinPath(base.Name, other.Name)
			if err == nil {
				joins = append(joins, steps...)
				continue
			}
			var ambiguous *semantic.AmbiguousJoinError
			if !errors.As(err, &ambiguous) {
				return c.clarify(ctx, session, emit,
					fmt.Sprintf("I couldn't resolve how %s and %s relate. Could you name the column to join them on?", base.Name, other.Name))
			}
			step, ok := fallbackJoin(base.Name, other.Name, schemas)
			if !ok {
				return c.clarify(ctx, session, emit,
					fmt.Sprintf("%s and %s have no declared relationship and no columns with matching names and types. Which column should I join them on?", base.Name, other.Name))
			}
			slog.Info("Joining on name/type match fallback", "source", base.Name, "target", other.Name)
			joins = append(joins, step)
		}
	}

	// ComposeQuery / ValidateQuery / Execute loop. Validation rejects and
	// query errors re-enter composition with the failure as context, each
	// bounded by the retry budget. A forbidden statement aborts the turn
	// outright.
	req := &ComposeRequest{
		Question: effective,
		Tables:   tables,
		Schemas:  schemas,
		Snippets: snippets,
		Joins:    joins,
		AllRows:  allRows,
		PriorSQL: priorSQL,
	}

	var sql string
	var result *tools.QueryResult
	composeRetries, executeRetries := 0, 0
	for {
		composed, err := c.planner.ComposeQuery(ctx, req)
		if err != nil {
			slog.Warn("Query composition failed", "error", err, "session_id", session.ID)
			return c.clarify(ctx, session, emit,
				"I couldn't compose a query for that question. Could you restate it more concretely?")
		}
		sql = composed
		if !allRows {
			sql = tools.EnsureRowLimit(sql, c.rowCap)
		}

		if err := c.validate(sql, schemas); err != nil {
			composeRetries++
			slog.Warn("Composed query failed validation", "error", err, "attempt", composeRetries, "session_id", session.ID)
			if composeRetries > retryBudget {
				return c.clarify(ctx, session, emit,
					"I kept producing a query that references identifiers the warehouse doesn't have. Could you point me at the exact tables or columns you mean?")
			}
			req.PriorSQL, req.PriorError = sql, err.Error()
			continue
		}

		result, err = toolkit.RunQuery(ctx, sql)
		if err == nil {
			break
		}
		var forbidden *tools.ForbiddenOperationError
		if errors.As(err, &forbidden) {
			return c.finish(ctx, session, emit, StateEnd,
				"I can only run read-only queries against the warehouse: "+forbidden.Error(), sql)
		}
		executeRetries++
		slog.Warn("Query execution failed", "error", err, "attempt", executeRetries, "session_id", session.ID)
		if executeRetries > retryBudget {
			return c.clarify(ctx, session, emit,
				"The query kept failing against the warehouse. Could you simplify the question or name the columns you care about?")
		}
		req.PriorSQL, req.PriorError = sql, err.Error()
	}

	// Analyze always runs before presenting. When the planner cannot narrate,
	// the locally computed statistics stand in for it.
	stats := ResultStats{
		RowCount:    result.RowCount(),
		ColumnCount: len(result.Columns),
		NullCount:   result.NullCount(),
	}
	if cells := stats.RowCount * stats.ColumnCount; cells > 0 {
		stats.NullDensity = float64(stats.NullCount) / float64(cells)
	}
	preview := renderTable(result, previewRows)

	analysis, err := c.planner.AnalyzeResults(ctx, effective, sql, stats, preview)
	if err != nil {
		slog.Warn("Result analysis failed, using statistics only", "error", err, "session_id", session.ID)
		analysis = fmt.Sprintf("The query returned %d rows across %d columns, with %d NULL cells.",
			stats.RowCount, stats.ColumnCount, stats.NullCount)
	}

	// Present, streaming sections in order, then offer to refine.
	sections := []string{
		preview,
		fmt.Sprintf("\n```sql\n%s\n```\n", sql),
		"\n" + analysis + "\n",
		"\nWant me to refine this query or dig deeper?",
	}
	var answer strings.Builder
	for _, section := range sections {
		emit.ContentDelta(section)
		answer.WriteString(section)
	}

	if err := c.turns.AppendTurn(ctx, session.ID, &models.Turn{Role: models.RoleAssistant, Content: answer.String()}); err != nil {
		return nil, err
	}
	slog.Info("Turn completed", "session_id", session.ID, "rows", stats.RowCount)
	return &TurnOutcome{State: StateAwaitFollowup, Answer: answer.String(), SQL: sql}, nil
}

func (c *Controller) clarify(ctx context.Context, session *models.ChatSession, emit Emitter, question string) (*TurnOutcome, error) {
	return c.finish(ctx, session, emit, StateClarify, question, "")
}

func (c *Controller) finish(ctx context.Context, session *models.ChatSession, emit Emitter, state State, message, sql string) (*TurnOutcome, error) {
	emit.ContentDelta(message)
	if err := c.turns.AppendTurn(ctx, session.ID, &models.Turn{Role: models.RoleAssistant, Content: message}); err != nil {
		return nil, err
	}
	return &TurnOutcome{State: state, Answer: message, SQL: sql}, nil
}

var (
	quotedIdentifier = regexp.MustCompile(`"([^"]+)"`)
	aliasIdentifier  = regexp.MustCompile(`(?i)\bas\s+"([^"]+)"`)
	stringLiteral    = regexp.MustCompile(`'(?:[^']|'')*'`)
	sqlLineComment   = regexp.MustCompile(`--[^\n]*`)
	bareWord         = regexp.MustCompile(`\b[A-Za-z_][A-Za-z0-9_]*\b`)
)

// sqlVocabulary is the keyword and function surface a composed statement may
// use without quoting. Any other bare word is an identifier that escaped the
// double-quoting requirement and therefore cannot be checked against the
// described schemas.
var sqlVocabulary = func() map[string]bool {
	words := []string{
		"SELECT", "FROM", "WHERE", "AND", "OR", "NOT", "IN", "IS", "NULL", "AS", "ON",
		"JOIN", "INNER", "LEFT", "RIGHT", "FULL", "OUTER", "CROSS", "USING",
		"GROUP", "BY", "ORDER", "HAVING", "LIMIT", "OFFSET", "DISTINCT", "ALL",
		"UNION", "EXCEPT", "INTERSECT", "WITH", "RECURSIVE",
		"CASE", "WHEN", "THEN", "ELSE", "END", "BETWEEN", "LIKE", "ILIKE",
		"ASC", "DESC", "EXISTS", "ANY", "SOME", "CAST", "INTERVAL", "TRUE", "FALSE",
		"FETCH", "FIRST", "NEXT", "ROW", "ROWS", "ONLY", "OVER", "PARTITION", "FILTER", "NULLS", "LAST",
		"SUM", "COUNT", "AVG", "MIN", "MAX", "COALESCE", "NULLIF",
		"ROUND", "ABS", "FLOOR", "CEIL", "CEILING", "GREATEST", "LEAST",
		"EXTRACT", "DATE_TRUNC", "NOW", "CURRENT_DATE", "CURRENT_TIMESTAMP", "TO_CHAR", "TO_DATE", "AGE",
		"LOWER", "UPPER", "LENGTH", "TRIM", "SUBSTRING", "CONCAT", "REPLACE", "POSITION", "LPAD", "RPAD",
		"ROW_NUMBER", "RANK", "DENSE_RANK", "LAG", "LEAD", "NTILE", "PERCENTILE_CONT", "WITHIN",
		"YEAR", "MONTH", "DAY", "QUARTER", "WEEK", "DOW", "DOY", "HOUR", "MINUTE", "SECOND", "EPOCH",
		"DATE", "TIMESTAMP", "NUMERIC", "INTEGER", "BIGINT", "TEXT", "BOOLEAN",
		"DOUBLE", "PRECISION", "VARCHAR", "CHAR", "DECIMAL", "REAL",
	}
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()

// validate rejects a statement that references a quoted identifier not
// confirmed by the described schemas, or any bare identifier at all: every
// warehouse identifier must arrive double-quoted so it can be checked.
// Aliases introduced by the statement itself are allowed.
func (c *Controller) validate(sql string, schemas map[string][]tools.Column) error {
	allowed := make(map[string]bool)
	for table, columns := range schemas {
		allowed[table] = true
		for _, col := range columns {
			allowed[col.Name] = true
		}
	}
	for _, match := range aliasIdentifier.FindAllStringSubmatch(sql, -1) {
		allowed[match[1]] = true
	}
	for _, match := range quotedIdentifier.FindAllStringSubmatch(sql, -1) {
		if !allowed[match[1]] {
			return fmt.Errorf("statement references %q, which no described table or column confirms", match[1])
		}
	}

	stripped := sqlLineComment.ReplaceAllString(sql, " ")
	stripped = stringLiteral.ReplaceAllString(stripped, " ")
	stripped = quotedIdentifier.ReplaceAllString(stripped, " ")
	for _, word := range bareWord.FindAllString(stripped, -1) {
		if !sqlVocabulary[strings.ToUpper(word)] {
			return fmt.Errorf("statement references unquoted identifier %q; warehouse identifiers must be double-quoted", word)
		}
	}
	return nil
}

// tablesFromSQL recovers the semantic tables a prior statement referenced,
// in first-mention order.
func (c *Controller) tablesFromSQL(sql string) []*semantic.Table {
	var tables []*semantic.Table
	seen := make(map[string]bool)
	for _, match := range quotedIdentifier.FindAllStringSubmatch(sql, -1) {
		if seen[match[1]] {
			continue
		}
		seen[match[1]] = true
		if table, err := c.graph.Lookup(match[1]); err == nil {
			tables = append(tables, table)
		}
	}
	return tables
}

// lastUserQuestion finds the user message before the current one, so a
// follow-up repair composes against the original question rather than "yes".
func (c *Controller) lastUserQuestion(ctx context.Context, sessionID, current string) (string, bool) {
	turns, err := c.turns.GetTurns(ctx, sessionID)
	if err != nil {
		return "", false
	}
	for i := len(turns) - 1; i >= 0; i-- {
		if turns[i].Role == models.RoleUser && turns[i].Content != current {
			return turns[i].Content, true
		}
	}
	return "", false
}

// fallbackJoin joins two tables with no declared relationship on every
// column pair whose name and type match exactly, in the source table's
// column order. No match means the caller must ask the user.
func fallbackJoin(source, target string, schemas map[string][]tools.Column) (semantic.JoinStep, bool) {
	targetTypes := make(map[string]string, len(schemas[target]))
	for _, col := range schemas[target] {
		targetTypes[col.Name] = col.DataType
	}

	var pairs []semantic.ColumnPair
	for _, col := range schemas[source] {
		if dataType, ok := targetTypes[col.Name]; ok && dataType == col.DataType {
			pairs = append(pairs, semantic.ColumnPair{Source: col.Name, Target: col.Name})
		}
	}
	if len(pairs) == 0 {
		return semantic.JoinStep{}, false
	}
	return semantic.JoinStep{Source: source, Target: target, JoinColumns: pairs}, true
}

// renderTable formats a result preview as a markdown table, at most maxRows
// rows, NULL cells spelled out.
func renderTable(result *tools.QueryResult, maxRows int) string {
	if len(result.Columns) == 0 {
		return "The query returned no columns.\n"
	}

	var b strings.Builder
	b.WriteString("| " + strings.Join(result.Columns, " | ") + " |\n")
	b.WriteString("|" + strings.Repeat(" --- |", len(result.Columns)) + "\n")

	rows := result.Rows
	truncated := false
	if len(rows) > maxRows {
		rows = rows[:maxRows]
		truncated = true
	}
	for _, row := range rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			if cell == nil {
				cells[i] = "NULL"
			} else {
				cells[i] = fmt.Sprint(cell)
			}
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
	}
	if truncated {
		fmt.Fprintf(&b, "\n(showing %d of %d rows)\n", maxRows, result.RowCount())
	}
	return b.String()
}

var affirmatives = map[string]bool{
	"yes": true, "yes please": true, "sure": true, "ok": true, "okay": true,
	"yeah": true, "yep": true, "go ahead": true, "please do": true,
	"refine it": true, "y": true,
}

var negatives = map[string]bool{
	"no": true, "no thanks": true, "no thank you": true, "nope": true,
	"nothing else": true, "that's all": true, "thats all": true,
	"thanks": true, "thank you": true, "all good": true, "we're done": true,
}

func normalizeReply(s string) string {
	return strings.ToLower(strings.Trim(strings.TrimSpace(s), ".!?"))
}

func isAffirmative(s string) bool { return affirmatives[normalizeReply(s)] }
func isNegative(s string) bool    { return negatives[normalizeReply(s)] }

// wantsAllRows detects an explicit request for the unbounded result set.
// Anything short of explicit keeps the row cap.
func wantsAllRows(question string) bool {
	q := strings.ToLower(question)
	for _, phrase := range []string{"all rows", "all results", "all records", "every row", "without a limit", "without limit", "full result"} {
		if strings.Contains(q, phrase) {
			return true
		}
	}
	return false
}
