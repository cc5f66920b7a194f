package tools

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/retailiq/analytics/knowledge"
	"github.com/retailiq/analytics/models"
)

// SessionToolkit binds the tool contract to one session: every invocation is
// recorded in the session's append-only call log, and an optional OnCall hook
// lets the chat boundary stream tool-call events as they happen.
type SessionToolkit struct {
	executor  Executor
	retriever knowledge.Retriever
	log       CallLog
	sessionID string

	// OnCall, when set, observes each completed call in invocation order.
	OnCall func(tool string, args []Arg, summary string)
}

func NewSessionToolkit(executor Executor, retriever knowledge.Retriever, log CallLog, sessionID string) *SessionToolkit {
	return &SessionToolkit{
		executor:  executor,
		retriever: retriever,
		log:       log,
		sessionID: sessionID,
	}
}

func (t *SessionToolkit) DescribeTable(ctx context.Context, name string) ([]Column, error) {
	columns, err := t.executor.DescribeTable(ctx, name)
	summary := fmt.Sprintf("%d columns", len(columns))
	if err != nil {
		summary = "error: " + err.Error()
	}
	t.record(ctx, "describe_table", []Arg{{Key: "table_name", Value: name}}, summary)
	return columns, err
}

func (t *SessionToolkit) RunQuery(ctx context.Context, sql string) (*QueryResult, error) {
	result, err := t.executor.RunQuery(ctx, sql)
	summary := ""
	if err != nil {
		summary = "error: " + err.Error()
	} else {
		summary = fmt.Sprintf("%d rows", result.RowCount())
	}
	t.record(ctx, "run_query", []Arg{{Key: "sql", Value: sql}}, summary)
	return result, err
}

func (t *SessionToolkit) SearchKnowledgeBase(ctx context.Context, topic string) ([]knowledge.Snippet, error) {
	snippets, err := t.retriever.Search(ctx, topic, knowledge.DefaultTopK)
	summary := fmt.Sprintf("%d snippets", len(snippets))
	if err != nil {
		summary = "error: " + err.Error()
	}
	t.record(ctx, "search_knowledge_base", []Arg{{Key: "topic", Value: topic}}, summary)
	return snippets, err
}

func (t *SessionToolkit) GetToolCallHistory(ctx context.Context, n int) ([]models.ToolCall, error) {
	// The snapshot is taken before this call records itself, so it never
	// contains its own entry.
	history, err := t.log.ToolCallHistory(ctx, t.sessionID, n)
	summary := fmt.Sprintf("%d calls", len(history))
	if err != nil {
		summary = "error: " + err.Error()
	}
	t.record(ctx, "get_tool_call_history", []Arg{{Key: "n", Value: strconv.Itoa(n)}}, summary)
	return history, err
}

func (t *SessionToolkit) record(ctx context.Context, tool string, args []Arg, summary string) {
	if err := t.log.RecordToolCall(ctx, t.sessionID, tool, args, summary); err != nil {
		slog.Error("Failed to record tool call", "error", err, "tool", tool, "session_id", t.sessionID)
	}
	if t.OnCall != nil {
		t.OnCall(tool, args, summary)
	}
}

// LastQuery scans tool-call history, most recent first, for the SQL of the
// last run_query call. Used to recover the prior statement during follow-up
// repair.
func LastQuery(history []models.ToolCall) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].ToolName != "run_query" {
			continue
		}
		for _, arg := range DecodeArgs(history[i].Arguments) {
			if arg.Key == "sql" && strings.TrimSpace(arg.Value) != "" {
				return arg.Value, true
			}
		}
	}
	return "", false
}

var _ Toolkit = (*SessionToolkit)(nil)
