package services

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/retailiq/analytics/knowledge"
	"github.com/retailiq/analytics/models"
	"github.com/retailiq/analytics/repository"
	"golang.org/x/crypto/bcrypt"
)

// Seeder populates a fresh deployment: a demo analyst account and the
// knowledge index of table rules and sample queries the planner retrieves
// during composition.
type Seeder struct {
	repo     *repository.GORMRepository
	pool     *pgxpool.Pool
	embedder knowledge.Embedder
}

func NewSeeder(repo *repository.GORMRepository, pool *pgxpool.Pool, embedder knowledge.Embedder) *Seeder {
	return &Seeder{repo: repo, pool: pool, embedder: embedder}
}

// Seed runs the seeder against the server's already-initialized store,
// warehouse, and embedder.
func (s *Server) Seed(ctx context.Context) error {
	embedder, _ := s.planner.(knowledge.Embedder)
	return NewSeeder(s.repo, s.warehouse, embedder).Seed(ctx)
}

func (s *Seeder) Seed(ctx context.Context) error {
	if err := s.seedDemoUser(ctx); err != nil {
		return err
	}
	s.seedKnowledge(ctx)
	return nil
}

func (s *Seeder) seedDemoUser(ctx context.Context) error {
	const email = "analyst@retailiq.dev"

	existing, err := s.repo.GetUserByEmail(ctx, email)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte("changeme"), bcrypt.DefaultCost)
	if err != nil {
		return err
	}
	user := &models.User{
		Email:    email,
		Password: string(hashed),
		FullName: "Demo Analyst",
		Role:     "user",
	}
	if err := s.repo.CreateUser(ctx, user); err != nil {
		return err
	}
	slog.Info("Demo user seeded", "email", email)
	return nil
}

type knowledgeSeed struct {
	source  string
	table   string
	content string
}

var knowledgeSeeds = []knowledgeSeed{
	{
		source:  "table_rules/fact_sales.md",
		table:   "FACT_SALES",
		content: `FACT_SALES holds one row per sale line item. For revenue questions aggregate "total_amount"; count distinct "sale_id" when counting transactions so multi-item sales are not double counted.`,
	},
	{
		source:  "table_rules/dim_date.md",
		table:   "DIM_DATE",
		content: `For any time-based grouping join the fact table to DIM_DATE on "date_id" and group by its calendar columns; do not parse raw date strings in the fact tables.`,
	},
	{
		source:  "table_rules/fact_inventory.md",
		table:   "FACT_INVENTORY",
		content: `FACT_INVENTORY is a daily snapshot. For current stock on hand filter to the latest "date_id" per store and product before summing "quantity_on_hand".`,
	},
	{
		source:  "table_rules/dim_promotion.md",
		table:   "DIM_PROMOTION",
		content: `Sales rows with a NULL "promotion_id" were not part of any promotion. Use a LEFT JOIN to DIM_PROMOTION when the question covers both promoted and non-promoted sales.`,
	},
	{
		source:  "sample_queries/top_customers.sql",
		table:   "FACT_SALES",
		content: `SELECT "DIM_CUSTOMER"."first_name", "DIM_CUSTOMER"."last_name", SUM("FACT_SALES"."total_amount") AS "total_spent" FROM "FACT_SALES" JOIN "DIM_CUSTOMER" ON "FACT_SALES"."customer_id" = "DIM_CUSTOMER"."customer_id" GROUP BY "DIM_CUSTOMER"."first_name", "DIM_CUSTOMER"."last_name" ORDER BY "total_spent" DESC LIMIT 5`,
	},
	{
		source:  "sample_queries/sales_by_store.sql",
		table:   "DIM_STORE",
		content: `SELECT "DIM_STORE"."store_name", SUM("FACT_SALES"."total_amount") AS "revenue" FROM "FACT_SALES" JOIN "DIM_STORE" ON "FACT_SALES"."store_id" = "DIM_STORE"."store_id" GROUP BY "DIM_STORE"."store_name" ORDER BY "revenue" DESC LIMIT 20`,
	},
}

// seedKnowledge inserts the rule and sample-query documents with their
// embeddings. Failures degrade: the assistant works without snippets, so
// seeding problems are logged and skipped, never fatal.
func (s *Seeder) seedKnowledge(ctx context.Context) {
	if s.pool == nil || s.embedder == nil {
		slog.Warn("Warehouse or embedder not configured, skipping knowledge seeding")
		return
	}

	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM knowledge_documents WHERE deleted_at IS NULL").Scan(&count); err != nil {
		slog.Warn("Failed to inspect knowledge index, skipping seeding", "error", err)
		return
	}
	if count > 0 {
		return
	}

	for _, seed := range knowledgeSeeds {
		vector, err := s.embedder.Embed(ctx, seed.content)
		if err != nil {
			slog.Warn("Failed to embed knowledge document, skipping", "error", err, "source", seed.source)
			continue
		}
		_, err = s.pool.Exec(ctx, `
			INSERT INTO knowledge_documents (source, table_name, content, embedding, created_at, updated_at)
			VALUES ($1, $2, $3, $4::vector, NOW(), NOW())`,
			seed.source, seed.table, seed.content, knowledge.VectorLiteral(vector))
		if err != nil {
			slog.Warn("Failed to insert knowledge document, skipping", "error", err, "source", seed.source)
			continue
		}
	}
	slog.Info("Knowledge index seeded", "documents", len(knowledgeSeeds))
}
