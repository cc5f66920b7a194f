package repository

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/retailiq/analytics/models"
	"github.com/retailiq/analytics/tools"
	"gorm.io/gorm"
)

// LoadOrCreateSession returns the existing session when the id is known, so
// re-invoking with an unchanged session id reuses it instead of creating a
// duplicate. A blank id starts a fresh session.
func (r *GORMRepository) LoadOrCreateSession(ctx context.Context, sessionID, userID, modelID string, debug bool) (*models.ChatSession, error) {
	if sessionID != "" {
		var session models.ChatSession
		err := r.db.WithContext(ctx).
			Where("id = ? AND user_id = ?", sessionID, userID).
			First(&session).Error
		if err == nil {
			slog.Info("Session loaded", "session_id", session.ID, "user_id", userID)
			return &session, nil
		}
		if err != gorm.ErrRecordNotFound {
			slog.Error("Failed to load session", "error", err, "session_id", sessionID)
			return nil, &SessionUnavailableError{Err: err}
		}
	}

	session := models.ChatSession{
		ID:      sessionID,
		UserID:  userID,
		ModelID: modelID,
		Debug:   debug,
	}
	if session.ID == "" {
		session.ID = uuid.New().String()
	}
	if err := r.db.WithContext(ctx).Create(&session).Error; err != nil {
		slog.Error("Failed to create session", "error", err, "user_id", userID)
		return nil, &SessionUnavailableError{Err: err}
	}

	slog.Info("Session created", "session_id", session.ID, "user_id", userID, "model_id", modelID)
	return &session, nil
}

// GetSession returns a session only when it belongs to the given user. A
// missing or foreign session returns nil without error.
func (r *GORMRepository) GetSession(ctx context.Context, sessionID, userID string) (*models.ChatSession, error) {
	var session models.ChatSession
	err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", sessionID, userID).
		First(&session).Error
	if err == gorm.ErrRecordNotFound {
		return nil, nil
	}
	if err != nil {
		slog.Error("Failed to get session", "error", err, "session_id", sessionID)
		return nil, &SessionUnavailableError{Err: err}
	}
	return &session, nil
}

// AppendTurn appends one transcript entry. The per-session lock serializes
// appends so sequence numbers stay gapless and two concurrent turns of the
// same session can never interleave.
func (r *GORMRepository) AppendTurn(ctx context.Context, sessionID string, turn *models.Turn) error {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var maxSeq int64
	if err := r.db.WithContext(ctx).
		Model(&models.Turn{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error; err != nil {
		slog.Error("Failed to read turn sequence", "error", err, "session_id", sessionID)
		return &SessionUnavailableError{Err: err}
	}

	turn.SessionID = sessionID
	turn.Seq = int(maxSeq) + 1
	if err := r.db.WithContext(ctx).Create(turn).Error; err != nil {
		slog.Error("Failed to append turn", "error", err, "session_id", sessionID)
		return &SessionUnavailableError{Err: err}
	}

	// Tool calls are recorded while the turn is still in flight, before its
	// id exists. Appending the assistant turn claims them; user turns never
	// carry calls.
	if turn.Role == models.RoleAssistant {
		if err := r.db.WithContext(ctx).
			Model(&models.ToolCall{}).
			Where("session_id = ? AND turn_id IS NULL", sessionID).
			Update("turn_id", turn.ID).Error; err != nil {
			slog.Error("Failed to link tool calls to turn", "error", err, "session_id", sessionID)
			return &SessionUnavailableError{Err: err}
		}
	}

	slog.Info("Turn appended", "session_id", sessionID, "seq", turn.Seq, "role", turn.Role)
	return nil
}

// GetTurns returns the full transcript of a session in append order, each
// assistant turn carrying the tool calls it made.
func (r *GORMRepository) GetTurns(ctx context.Context, sessionID string) ([]models.Turn, error) {
	var turns []models.Turn
	if err := r.db.WithContext(ctx).
		Preload("ToolCalls", func(db *gorm.DB) *gorm.DB { return db.Order("seq") }).
		Where("session_id = ?", sessionID).
		Order("seq").
		Find(&turns).Error; err != nil {
		slog.Error("Failed to get turns", "error", err, "session_id", sessionID)
		return nil, &SessionUnavailableError{Err: err}
	}
	return turns, nil
}

// RenameSession sets a new display title. Titles are the only mutable field
// of a session; turns are never edited.
func (r *GORMRepository) RenameSession(ctx context.Context, sessionID, title string) error {
	result := r.db.WithContext(ctx).
		Model(&models.ChatSession{}).
		Where("id = ?", sessionID).
		Update("title", title)
	if result.Error != nil {
		slog.Error("Failed to rename session", "error", result.Error, "session_id", sessionID)
		return &SessionUnavailableError{Err: result.Error}
	}
	if result.RowsAffected == 0 {
		return gorm.ErrRecordNotFound
	}
	slog.Info("Session renamed", "session_id", sessionID, "title", title)
	return nil
}

// ListSessions returns session summaries for a user, most recently active
// first.
func (r *GORMRepository) ListSessions(ctx context.Context, userID string) ([]models.SessionSummary, error) {
	var summaries []models.SessionSummary
	if err := r.db.WithContext(ctx).
		Model(&models.ChatSession{}).
		Where("user_id = ?", userID).
		Order("updated_at DESC").
		Select("id", "title", "model_id", "created_at", "updated_at").
		Find(&summaries).Error; err != nil {
		slog.Error("Failed to list sessions", "error", err, "user_id", userID)
		return nil, &SessionUnavailableError{Err: err}
	}
	return summaries, nil
}

// RecordToolCall appends one tool invocation to the session's call log.
func (r *GORMRepository) RecordToolCall(ctx context.Context, sessionID, tool string, args []tools.Arg, summary string) error {
	lock := r.sessionLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	var maxSeq int64
	if err := r.db.WithContext(ctx).
		Model(&models.ToolCall{}).
		Where("session_id = ?", sessionID).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&maxSeq).Error; err != nil {
		slog.Error("Failed to read tool call sequence", "error", err, "session_id", sessionID)
		return &SessionUnavailableError{Err: err}
	}

	call := models.ToolCall{
		SessionID:     sessionID,
		Seq:           int(maxSeq) + 1,
		ToolName:      tool,
		Arguments:     tools.EncodeArgs(args),
		ResultSummary: summary,
		Timestamp:     time.Now(),
	}
	if err := r.db.WithContext(ctx).Create(&call).Error; err != nil {
		slog.Error("Failed to record tool call", "error", err, "session_id", sessionID, "tool", tool)
		return &SessionUnavailableError{Err: err}
	}
	return nil
}

// ToolCallHistory returns the n most recent tool calls of a session, most
// recent last. History never crosses sessions.
func (r *GORMRepository) ToolCallHistory(ctx context.Context, sessionID string, n int) ([]models.ToolCall, error) {
	var calls []models.ToolCall
	query := r.db.WithContext(ctx).
		Where("session_id = ?", sessionID).
		Order("seq DESC")
	if n > 0 {
		query = query.Limit(n)
	}
	if err := query.Find(&calls).Error; err != nil {
		slog.Error("Failed to get tool call history", "error", err, "session_id", sessionID)
		return nil, &SessionUnavailableError{Err: err}
	}

	// Reverse into chronological order: most recent last.
	for i, j := 0, len(calls)-1; i < j; i, j = i+1, j-1 {
		calls[i], calls[j] = calls[j], calls[i]
	}
	return calls, nil
}

var _ tools.CallLog = (*GORMRepository)(nil)
