package main

import (
	"context"
	"log/slog"
	"os"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/retailiq/analytics/repository"
	"github.com/retailiq/analytics/semantic"
	"github.com/retailiq/analytics/services"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

func main() {
	// Setup structured logging with JSON format
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	config := services.LoadConfig()
	ctx := context.Background()

	server := services.NewServer(config)

	// Session store
	if config.Database.URL == "" {
		slog.Error("DATABASE_URL is required")
		os.Exit(1)
	}
	gormDB, err := gorm.Open(postgres.Open(config.Database.URL), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormLogLevel(config.Database.LogLevel)),
	})
	if err != nil {
		slog.Error("Failed to connect to session store", "error", err)
		os.Exit(1)
	}
	if sqlDB, err := gormDB.DB(); err == nil {
		sqlDB.SetMaxIdleConns(config.Database.MaxIdleConns)
		sqlDB.SetMaxOpenConns(config.Database.MaxOpenConns)
	}

	repo := repository.NewGORMRepository(gormDB)
	if err := repo.AutoMigrate(); err != nil {
		slog.Error("Failed to run migrations", "error", err)
		os.Exit(1)
	}
	server.SetDatabase(repo, gormDB)
	slog.Info("Connected to session store")

	// Warehouse. Defaults to the same database as the session store.
	warehouseURL := config.Warehouse.URL
	if warehouseURL == "" {
		warehouseURL = config.Database.URL
	}
	pool, err := pgxpool.New(ctx, warehouseURL)
	if err != nil {
		slog.Error("Failed to connect to warehouse", "error", err)
		os.Exit(1)
	}
	defer pool.Close()
	prepareKnowledgeIndex(ctx, pool)
	server.SetWarehouse(pool)
	slog.Info("Connected to warehouse")

	// Semantic model
	modelFile, err := os.Open(config.Semantic.ModelPath)
	if err != nil {
		slog.Error("Failed to open semantic model", "error", err, "path", config.Semantic.ModelPath)
		os.Exit(1)
	}
	graph, err := semantic.LoadModel(modelFile)
	modelFile.Close()
	if err != nil {
		slog.Error("Failed to load semantic model", "error", err)
		os.Exit(1)
	}
	server.SetGraph(graph)
	slog.Info("Semantic model loaded", "tables", len(graph.TableNames()))

	if err := server.InitializeServices(); err != nil {
		slog.Error("Failed to initialize services", "error", err)
		os.Exit(1)
	}

	if config.Loader.LoadOnStart {
		loader := services.NewLoader(config.Loader.DataDir, services.NewPgxTableWriter(pool))
		loaded := loader.Load(ctx, services.DefaultMapping())
		slog.Info("Bulk load completed", "tables", len(loaded))
	}

	if config.Database.Seed {
		if err := server.Seed(ctx); err != nil {
			slog.Error("Failed to seed database", "error", err)
			os.Exit(1)
		}
	}

	server.Start()
}

// prepareKnowledgeIndex sets up the pgvector extension and the embedding
// column GORM cannot express. Failures are logged only: knowledge retrieval
// degrades to empty results rather than blocking startup.
func prepareKnowledgeIndex(ctx context.Context, pool *pgxpool.Pool) {
	statements := []string{
		"CREATE EXTENSION IF NOT EXISTS vector",
		"ALTER TABLE IF EXISTS knowledge_documents ADD COLUMN IF NOT EXISTS embedding vector",
	}
	for _, stmt := range statements {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			slog.Warn("Failed to prepare knowledge index", "error", err, "statement", stmt)
			return
		}
	}
}

func gormLogLevel(level string) gormlogger.LogLevel {
	switch level {
	case "info":
		return gormlogger.Info
	case "warn":
		return gormlogger.Warn
	case "error":
		return gormlogger.Error
	default:
		return gormlogger.Silent
	}
}
