package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/retailiq/analytics/models"
	"github.com/retailiq/analytics/tools"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// The production schema defaults ids to gen_random_uuid(), which sqlite
// cannot parse, so the test tables are created directly. Ids come from the
// models' BeforeCreate hooks.
var testDDL = []string{
	`CREATE TABLE chat_sessions (
		id text PRIMARY KEY, user_id text NOT NULL, title text, model_id text NOT NULL,
		debug boolean, created_at datetime, updated_at datetime, deleted_at datetime)`,
	`CREATE TABLE turns (
		id text PRIMARY KEY, session_id text NOT NULL, seq integer NOT NULL,
		role text NOT NULL, content text NOT NULL,
		created_at datetime, updated_at datetime, deleted_at datetime)`,
	`CREATE TABLE tool_calls (
		id text PRIMARY KEY, session_id text NOT NULL, turn_id text, seq integer NOT NULL,
		tool_name text NOT NULL, arguments text, result_summary text, timestamp datetime NOT NULL,
		created_at datetime, updated_at datetime, deleted_at datetime)`,
}

func openTestStore(t *testing.T) *GORMRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	for _, stmt := range testDDL {
		if err := db.Exec(stmt).Error; err != nil {
			t.Fatalf("create table: %v", err)
		}
	}
	return NewGORMRepository(db)
}

func TestLoadOrCreateSessionReusesExisting(t *testing.T) {
	repo := openTestStore(t)
	ctx := context.Background()

	created, err := repo.LoadOrCreateSession(ctx, "", "user-1", "google:gemini-2.5-flash", false)
	if err != nil {
		t.Fatalf("LoadOrCreateSession() error = %v", err)
	}
	if created.ID == "" {
		t.Fatal("blank session id was not assigned")
	}

	reloaded, err := repo.LoadOrCreateSession(ctx, created.ID, "user-1", "google:gemini-2.5-flash", false)
	if err != nil {
		t.Fatalf("LoadOrCreateSession() reload error = %v", err)
	}
	if reloaded.ID != created.ID {
		t.Errorf("reload created a new session: %q vs %q", reloaded.ID, created.ID)
	}

	summaries, err := repo.ListSessions(ctx, "user-1")
	if err != nil {
		t.Fatalf("ListSessions() error = %v", err)
	}
	if len(summaries) != 1 {
		t.Errorf("reuse left %d sessions, want 1", len(summaries))
	}
}

func TestGetSessionEnforcesOwnership(t *testing.T) {
	repo := openTestStore(t)
	ctx := context.Background()

	session, err := repo.LoadOrCreateSession(ctx, "", "user-1", "google:gemini-2.5-flash", false)
	if err != nil {
		t.Fatalf("LoadOrCreateSession() error = %v", err)
	}

	mine, err := repo.GetSession(ctx, session.ID, "user-1")
	if err != nil || mine == nil {
		t.Fatalf("GetSession() for the owner = (%v, %v)", mine, err)
	}

	foreign, err := repo.GetSession(ctx, session.ID, "user-2")
	if err != nil {
		t.Fatalf("GetSession() for another user error = %v", err)
	}
	if foreign != nil {
		t.Error("GetSession() returned another user's session")
	}
}

func TestAppendTurnGaplessSeq(t *testing.T) {
	repo := openTestStore(t)
	ctx := context.Background()

	session, err := repo.LoadOrCreateSession(ctx, "", "user-1", "google:gemini-2.5-flash", false)
	if err != nil {
		t.Fatalf("LoadOrCreateSession() error = %v", err)
	}

	contents := []string{"top customers", "here they are", "thanks"}
	roles := []string{models.RoleUser, models.RoleAssistant, models.RoleUser}
	for i := range contents {
		if err := repo.AppendTurn(ctx, session.ID, &models.Turn{Role: roles[i], Content: contents[i]}); err != nil {
			t.Fatalf("AppendTurn(%d) error = %v", i, err)
		}
	}

	turns, err := repo.GetTurns(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetTurns() error = %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("GetTurns() returned %d turns, want 3", len(turns))
	}
	for i, turn := range turns {
		if turn.Seq != i+1 {
			t.Errorf("turn %d seq = %d, want %d", i, turn.Seq, i+1)
		}
		if turn.Content != contents[i] {
			t.Errorf("turn %d content = %q, want %q", i, turn.Content, contents[i])
		}
	}
}

func TestAppendAssistantTurnLinksToolCalls(t *testing.T) {
	repo := openTestStore(t)
	ctx := context.Background()

	session, err := repo.LoadOrCreateSession(ctx, "", "user-1", "google:gemini-2.5-flash", false)
	if err != nil {
		t.Fatalf("LoadOrCreateSession() error = %v", err)
	}

	if err := repo.AppendTurn(ctx, session.ID, &models.Turn{Role: models.RoleUser, Content: "top customers"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}
	for _, tool := range []string{"describe_table", "run_query"} {
		if err := repo.RecordToolCall(ctx, session.ID, tool, []tools.Arg{{Key: "x", Value: "y"}}, "ok"); err != nil {
			t.Fatalf("RecordToolCall(%s) error = %v", tool, err)
		}
	}
	if err := repo.AppendTurn(ctx, session.ID, &models.Turn{Role: models.RoleAssistant, Content: "here they are"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	// A later turn's call must not attach to the earlier assistant turn.
	if err := repo.RecordToolCall(ctx, session.ID, "run_query", nil, "ok"); err != nil {
		t.Fatalf("RecordToolCall() error = %v", err)
	}
	if err := repo.AppendTurn(ctx, session.ID, &models.Turn{Role: models.RoleAssistant, Content: "refined"}); err != nil {
		t.Fatalf("AppendTurn() error = %v", err)
	}

	turns, err := repo.GetTurns(ctx, session.ID)
	if err != nil {
		t.Fatalf("GetTurns() error = %v", err)
	}
	if len(turns) != 3 {
		t.Fatalf("GetTurns() returned %d turns, want 3", len(turns))
	}
	if len(turns[0].ToolCalls) != 0 {
		t.Errorf("user turn carries %d tool calls, want 0", len(turns[0].ToolCalls))
	}
	first := turns[1].ToolCalls
	if len(first) != 2 || first[0].ToolName != "describe_table" || first[1].ToolName != "run_query" {
		t.Fatalf("first assistant turn calls = %v, want describe_table then run_query", first)
	}
	for _, call := range first {
		if call.TurnID == nil || *call.TurnID != turns[1].ID {
			t.Errorf("call %s not linked to its turn", call.ToolName)
		}
	}
	if len(turns[2].ToolCalls) != 1 {
		t.Errorf("second assistant turn carries %d calls, want 1", len(turns[2].ToolCalls))
	}
}

func TestToolCallHistoryScopedMostRecentLast(t *testing.T) {
	repo := openTestStore(t)
	ctx := context.Background()

	mine, err := repo.LoadOrCreateSession(ctx, "", "user-1", "google:gemini-2.5-flash", false)
	if err != nil {
		t.Fatalf("LoadOrCreateSession() error = %v", err)
	}
	other, err := repo.LoadOrCreateSession(ctx, "", "user-2", "google:gemini-2.5-flash", false)
	if err != nil {
		t.Fatalf("LoadOrCreateSession() error = %v", err)
	}

	for i := 0; i < 4; i++ {
		if err := repo.RecordToolCall(ctx, mine.ID, "run_query", nil, "ok"); err != nil {
			t.Fatalf("RecordToolCall() error = %v", err)
		}
	}
	if err := repo.RecordToolCall(ctx, other.ID, "run_query", nil, "ok"); err != nil {
		t.Fatalf("RecordToolCall() error = %v", err)
	}

	history, err := repo.ToolCallHistory(ctx, mine.ID, 2)
	if err != nil {
		t.Fatalf("ToolCallHistory() error = %v", err)
	}
	if len(history) != 2 {
		t.Fatalf("ToolCallHistory(2) returned %d entries", len(history))
	}
	if history[0].Seq != 3 || history[1].Seq != 4 {
		t.Errorf("history seqs = %d,%d, want 3,4 (most recent last)", history[0].Seq, history[1].Seq)
	}
	for _, call := range history {
		if call.SessionID != mine.ID {
			t.Errorf("history leaked a call from session %q", call.SessionID)
		}
	}
}

func TestRenameSessionUnknownID(t *testing.T) {
	repo := openTestStore(t)

	err := repo.RenameSession(context.Background(), "no-such-session", "title")
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		t.Errorf("RenameSession() error = %v, want gorm.ErrRecordNotFound", err)
	}
}
