package services

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/retailiq/analytics/knowledge"
	"github.com/retailiq/analytics/repository"
	"github.com/retailiq/analytics/semantic"
	"github.com/retailiq/analytics/tools"
	ws "github.com/retailiq/analytics/websocket"
	"gorm.io/gorm"
)

// Server holds all server dependencies. Everything is constructed once here
// and passed down explicitly; there are no package-level connections.
type Server struct {
	config    *Config
	repo      *repository.GORMRepository
	gormDB    *gorm.DB
	warehouse *pgxpool.Pool
	graph     *semantic.Graph

	planner   Planner
	retriever knowledge.Retriever
	executor  tools.Executor

	controller       *Controller
	chatHandler      *ChatHandler
	authService      *AuthService
	authEndpoints    *AuthEndpoints
	sessionEndpoints *SessionEndpoints
	schemaEndpoints  *SchemaEndpoints

	wsHub    *ws.Hub
	upgrader websocket.Upgrader
}

func NewServer(config *Config) *Server {
	return &Server{
		config: config,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return CheckOrigin(r, config.WebSocket.AllowedOrigins)
			},
		},
	}
}

// SetDatabase sets the session store connection.
func (s *Server) SetDatabase(repo *repository.GORMRepository, gormDB *gorm.DB) {
	s.repo = repo
	s.gormDB = gormDB
}

// SetWarehouse sets the retail warehouse pool used by the executor, the
// knowledge retriever, and the bulk loader.
func (s *Server) SetWarehouse(pool *pgxpool.Pool) {
	s.warehouse = pool
}

// SetGraph sets the semantic schema graph.
func (s *Server) SetGraph(graph *semantic.Graph) {
	s.graph = graph
}

// InitializeServices wires the controller and its collaborators. An unknown
// or uncompiled model provider fails here, before any request is served.
func (s *Server) InitializeServices() error {
	planner, err := NewPlanner(s.config, s.config.AI.ModelID)
	if err != nil {
		return fmt.Errorf("failed to initialize planner: %w", err)
	}
	s.planner = planner
	slog.Info("Planner initialized", "model_id", s.config.AI.ModelID)

	embedder, ok := planner.(knowledge.Embedder)
	if !ok {
		return fmt.Errorf("planner for %q does not provide embeddings", s.config.AI.ModelID)
	}
	s.retriever = knowledge.NewPgxRetriever(s.warehouse, embedder)
	s.executor = tools.NewPostgresExecutor(s.warehouse)

	if s.graph == nil {
		return fmt.Errorf("semantic graph not loaded")
	}
	if s.repo == nil {
		return fmt.Errorf("session store not configured")
	}

	s.controller = NewController(s.graph, s.planner, s.repo, s.config.Warehouse.RowCap)
	s.chatHandler = NewChatHandler(s.controller, s.repo, s.executor, s.retriever, s.config.AI.ModelID, s.config.AI.Debug)
	slog.Info("Query construction controller initialized", "row_cap", s.config.Warehouse.RowCap)

	if s.config.JWT.Secret != "" {
		s.authService = NewAuthService(s.repo, s.config.JWT.Secret)
		s.authEndpoints = NewAuthEndpoints(s.authService)
		slog.Info("Authentication service initialized")
	}
	s.sessionEndpoints = NewSessionEndpoints(s.repo, s.config.AI.ModelID)
	s.schemaEndpoints = NewSchemaEndpoints(s.graph)

	s.wsHub = ws.NewHub()
	go s.wsHub.Run()

	return nil
}

// SetupRoutes configures all HTTP routes.
func (s *Server) SetupRoutes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.healthHandler)

	r.Route("/api/v1", func(r chi.Router) {
		if s.authEndpoints != nil {
			r.Route("/auth", func(r chi.Router) {
				r.Post("/login", s.authEndpoints.LoginHandler)
				r.Post("/signup", s.authEndpoints.SignupHandler)
				r.Post("/logout", s.authEndpoints.LogoutHandler)

				r.Group(func(r chi.Router) {
					r.Use(s.authService.Middleware)
					r.Get("/me", s.authEndpoints.MeHandler)
				})
			})
		}

		if s.authService != nil {
			r.Group(func(r chi.Router) {
				r.Use(s.authService.Middleware)
				r.Get("/ws", s.websocketHandlerFunc)
				s.sessionEndpoints.RegisterRoutes(r)
				s.schemaEndpoints.RegisterRoutes(r)
			})
		}
	})

	return r
}

// Start starts the HTTP server and blocks until an interrupt.
func (s *Server) Start() {
	port := s.config.Server.Port
	if port == "" {
		port = "8080"
	}

	srv := &http.Server{
		Addr:    ":" + port,
		Handler: s.SetupRoutes(),
	}

	go func() {
		slog.Info("Starting server", "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("Server error", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	slog.Info("Shutting down server...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
	}

	slog.Info("Server exited")
}

// CheckOrigin validates the origin of WebSocket connections. No configured
// origins means deny all.
func CheckOrigin(r *http.Request, allowedOriginsStr string) bool {
	origin := r.Header.Get("Origin")

	if allowedOriginsStr == "" {
		slog.Warn("WebSocket connection rejected: no allowed origins configured", "origin", origin)
		return false
	}

	for _, allowed := range strings.Split(allowedOriginsStr, ",") {
		if strings.TrimSpace(allowed) == origin {
			return true
		}
	}

	slog.Warn("WebSocket connection rejected: origin not allowed", "origin", origin, "allowed_origins", allowedOriginsStr)
	return false
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	warehouseStatus := "not configured"
	storeStatus := "not configured"

	if s.warehouse != nil {
		if err := s.warehouse.Ping(r.Context()); err != nil {
			warehouseStatus = "down"
			status = "degraded"
		} else {
			warehouseStatus = "up"
		}
	}
	if s.gormDB != nil {
		if sqlDB, err := s.gormDB.DB(); err == nil && sqlDB.Ping() == nil {
			storeStatus = "up"
		} else {
			storeStatus = "down"
			status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"` + status + `","warehouse":"` + warehouseStatus + `","session_store":"` + storeStatus + `"}`))
}

func (s *Server) websocketHandlerFunc(w http.ResponseWriter, r *http.Request) {
	user, ok := UserFromContext(r.Context())
	if !ok {
		http.Error(w, "Authentication required", http.StatusUnauthorized)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("WebSocket upgrade failed", "error", err)
		return
	}

	slog.Info("WebSocket connection established", "user_id", user.ID, "email", user.Email)

	client := s.wsHub.RegisterClient(conn, user.ID)
	client.SessionID = r.URL.Query().Get("session_id")
	client.MessageHandler = s.chatHandler.HandleMessage

	go client.WritePump()
	client.ReadPump()
}
