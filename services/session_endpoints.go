package services

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/retailiq/analytics/repository"
	"gorm.io/gorm"
)

type SessionEndpoints struct {
	repo           *repository.GORMRepository
	defaultModelID string
}

type CreateSessionRequest struct {
	SessionID string `json:"session_id,omitempty"`
	ModelID   string `json:"model_id,omitempty"`
	Debug     bool   `json:"debug,omitempty"`
}

type RenameSessionRequest struct {
	Title string `json:"title"`
}

func NewSessionEndpoints(repo *repository.GORMRepository, defaultModelID string) *SessionEndpoints {
	return &SessionEndpoints{repo: repo, defaultModelID: defaultModelID}
}

func (e *SessionEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/sessions", func(r chi.Router) {
		r.Get("/", e.ListHandler)
		r.Post("/", e.CreateHandler)
		r.Put("/{sessionID}", e.RenameHandler)
		r.Get("/{sessionID}/turns", e.TurnsHandler)
		r.Get("/{sessionID}/tool-calls", e.ToolCallsHandler)
	})
}

func (e *SessionEndpoints) ListHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}

	summaries, err := e.repo.ListSessions(r.Context(), user.ID)
	if err != nil {
		slog.Error("Failed to list sessions", "error", err, "user_id", user.ID)
		http.Error(w, "Failed to list sessions", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"sessions": summaries})
}

// CreateHandler creates a session, or returns the existing one when a known
// session id is supplied. The model id is validated against the provider
// enumeration before anything is persisted.
func (e *SessionEndpoints) CreateHandler(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return
	}

	var req CreateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	modelID := req.ModelID
	if modelID == "" {
		modelID = e.defaultModelID
	}
	if _, _, err := ParseModelID(modelID); err != nil {
		slog.Warn("Rejected session with invalid model id", "error", err, "model_id", modelID)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	session, err := e.repo.LoadOrCreateSession(r.Context(), req.SessionID, user.ID, modelID, req.Debug)
	if err != nil {
		slog.Error("Failed to create session", "error", err, "user_id", user.ID)
		http.Error(w, "Failed to create session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(session)
}

// ownedSession resolves the URL's session id and verifies it belongs to the
// authenticated user before any transcript data is touched.
func (e *SessionEndpoints) ownedSession(w http.ResponseWriter, r *http.Request) (string, bool) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Not authenticated", http.StatusUnauthorized)
		return "", false
	}

	sessionID := chi.URLParam(r, "sessionID")
	session, err := e.repo.GetSession(r.Context(), sessionID, user.ID)
	if err != nil {
		slog.Error("Failed to verify session ownership", "error", err, "session_id", sessionID, "user_id", user.ID)
		http.Error(w, "Failed to load session", http.StatusInternalServerError)
		return "", false
	}
	if session == nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return "", false
	}
	return sessionID, true
}

func (e *SessionEndpoints) RenameHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := e.ownedSession(w, r)
	if !ok {
		return
	}

	var req RenameSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := e.repo.RenameSession(r.Context(), sessionID, req.Title); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			http.Error(w, "Session not found", http.StatusNotFound)
			return
		}
		slog.Error("Failed to rename session", "error", err, "session_id", sessionID)
		http.Error(w, "Failed to rename session", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"message": "Session renamed"})
}

func (e *SessionEndpoints) TurnsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := e.ownedSession(w, r)
	if !ok {
		return
	}

	turns, err := e.repo.GetTurns(r.Context(), sessionID)
	if err != nil {
		slog.Error("Failed to get turns", "error", err, "session_id", sessionID)
		http.Error(w, "Failed to get turns", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"turns": turns})
}

func (e *SessionEndpoints) ToolCallsHandler(w http.ResponseWriter, r *http.Request) {
	sessionID, ok := e.ownedSession(w, r)
	if !ok {
		return
	}

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}

	calls, err := e.repo.ToolCallHistory(r.Context(), sessionID, limit)
	if err != nil {
		slog.Error("Failed to get tool calls", "error", err, "session_id", sessionID)
		http.Error(w, "Failed to get tool calls", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"tool_calls": calls})
}
