package services

import (
	"encoding/json"
	"errors"
	"log/slog"

	"github.com/retailiq/analytics/knowledge"
	"github.com/retailiq/analytics/repository"
	"github.com/retailiq/analytics/tools"
	ws "github.com/retailiq/analytics/websocket"
)

// ChatHandler is the chat boundary: it turns inbound websocket messages into
// controller turns and streams the turn's events back in emission order.
type ChatHandler struct {
	controller *Controller
	repo       *repository.GORMRepository
	executor   tools.Executor
	retriever  knowledge.Retriever
	modelID    string
	debug      bool
}

func NewChatHandler(controller *Controller, repo *repository.GORMRepository, executor tools.Executor, retriever knowledge.Retriever, modelID string, debug bool) *ChatHandler {
	return &ChatHandler{
		controller: controller,
		repo:       repo,
		executor:   executor,
		retriever:  retriever,
		modelID:    modelID,
		debug:      debug,
	}
}

// clientEmitter forwards content deltas to one websocket client.
type clientEmitter struct {
	client *ws.Client
}

func (e *clientEmitter) ContentDelta(text string) {
	e.client.SendEvent(ws.Event{Type: ws.EventContentDelta, Delta: text})
}

// HandleMessage processes one inbound message. The hub calls it
// synchronously per connection, so a session never has two active turns.
func (h *ChatHandler) HandleMessage(client *ws.Client, messageBytes []byte) {
	var msg ws.Inbound
	if err := json.Unmarshal(messageBytes, &msg); err != nil {
		slog.Error("Failed to unmarshal chat message", "error", err, "user_id", client.UserID)
		return
	}
	if msg.Type != "chat" {
		slog.Warn("Unknown message type", "type", msg.Type, "user_id", client.UserID)
		return
	}
	if msg.Content == "" {
		return
	}

	// Cancelled on disconnect, abandoning the turn mid-flight.
	ctx := client.Context()

	sessionID := msg.SessionID
	if sessionID == "" {
		sessionID = client.SessionID
	}
	session, err := h.repo.LoadOrCreateSession(ctx, sessionID, client.UserID, h.modelID, h.debug)
	if err != nil {
		h.sendFatal(client, "The session store is unavailable; your message could not be recorded.")
		return
	}
	client.SessionID = session.ID

	// First question doubles as the session title.
	if session.Title == "" {
		title := msg.Content
		if len(title) > 80 {
			title = title[:80]
		}
		if err := h.repo.RenameSession(ctx, session.ID, title); err != nil {
			slog.Warn("Failed to set session title", "error", err, "session_id", session.ID)
		}
	}

	toolkit := tools.NewSessionToolkit(h.executor, h.retriever, h.repo, session.ID)
	toolkit.OnCall = func(tool string, args []tools.Arg, summary string) {
		eventArgs := make([]ws.EventArg, len(args))
		for i, arg := range args {
			eventArgs[i] = ws.EventArg{Key: arg.Key, Value: arg.Value}
		}
		client.SendEvent(ws.Event{
			Type:      ws.EventToolCall,
			SessionID: session.ID,
			Tool:      tool,
			Args:      eventArgs,
			Summary:   summary,
		})
	}

	outcome, err := h.controller.RunTurn(ctx, session, toolkit, msg.Content, &clientEmitter{client: client})
	if err != nil {
		var unavailable *repository.SessionUnavailableError
		if errors.As(err, &unavailable) {
			h.sendFatal(client, "The session store is unavailable; your message could not be recorded.")
			return
		}
		slog.Error("Turn failed", "error", err, "session_id", session.ID)
		h.sendFatal(client, "Something went wrong while processing your question.")
		return
	}

	client.SendEvent(ws.Event{
		Type:      ws.EventTerminal,
		SessionID: session.ID,
		State:     string(outcome.State),
	})
}

func (h *ChatHandler) sendFatal(client *ws.Client, message string) {
	client.SendEvent(ws.Event{Type: ws.EventTerminal, State: string(StateEnd), Error: message})
}
