package tools

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/retailiq/analytics/semantic"
)

// PostgresExecutor runs schema introspection and read-only queries against
// the retail warehouse through a shared pgx pool.
type PostgresExecutor struct {
	pool *pgxpool.Pool
}

func NewPostgresExecutor(pool *pgxpool.Pool) *PostgresExecutor {
	return &PostgresExecutor{pool: pool}
}

// DescribeTable reports the column schema of a table, ordered by ordinal
// position. The returned names carry the warehouse's exact casing.
func (e *PostgresExecutor) DescribeTable(ctx context.Context, name string) ([]Column, error) {
	rows, err := e.pool.Query(ctx, `
		SELECT column_name, data_type, is_nullable
		FROM information_schema.columns
		WHERE table_name = $1
		ORDER BY ordinal_position`, name)
	if err != nil {
		slog.Error("Failed to describe table", "error", err, "table", name)
		return nil, fmt.Errorf("failed to describe table %q: %w", name, err)
	}
	defer rows.Close()

	var columns []Column
	for rows.Next() {
		var col Column
		var nullable string
		if err := rows.Scan(&col.Name, &col.DataType, &nullable); err != nil {
			return nil, fmt.Errorf("failed to scan column of %q: %w", name, err)
		}
		col.Nullable = nullable == "YES"
		columns = append(columns, col)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read columns of %q: %w", name, err)
	}

	if len(columns) == 0 {
		return nil, &semantic.NotFoundError{Name: name}
	}
	return columns, nil
}

// RunQuery executes a single read-only statement and returns its ordered
// rows. Statements that modify data or schema are rejected before reaching
// the database. The executor never truncates results; the row cap is the
// caller's composition-time obligation.
func (e *PostgresExecutor) RunQuery(ctx context.Context, sql string) (*QueryResult, error) {
	if err := ValidateReadOnly(sql); err != nil {
		slog.Warn("Rejected non-read-only statement", "error", err)
		return nil, err
	}

	rows, err := e.pool.Query(ctx, sql)
	if err != nil {
		slog.Error("Query execution failed", "error", err)
		return nil, &QueryError{SQL: sql, Message: err.Error()}
	}
	defer rows.Close()

	result := &QueryResult{}
	for _, fd := range rows.FieldDescriptions() {
		result.Columns = append(result.Columns, string(fd.Name))
	}

	for rows.Next() {
		values, err := rows.Values()
		if err != nil {
			return nil, &QueryError{SQL: sql, Message: err.Error()}
		}
		result.Rows = append(result.Rows, values)
	}
	if err := rows.Err(); err != nil {
		return nil, &QueryError{SQL: sql, Message: err.Error()}
	}

	slog.Info("Query executed", "rows", result.RowCount(), "columns", len(result.Columns))
	return result, nil
}

var _ Executor = (*PostgresExecutor)(nil)
