package services

import (
	"context"
	"encoding/csv"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// LoadColumn is one column of a bulk-loaded table, with the SQL type
// inferred from the file's values.
type LoadColumn struct {
	Name    string
	SQLType string
}

// TableWriter replaces a warehouse table with freshly loaded rows. Existing
// tables are fully replaced, never appended to.
type TableWriter interface {
	ReplaceTable(ctx context.Context, table string, columns []LoadColumn, rows [][]any) error
}

// Loader bulk-loads CSV files into warehouse tables. A missing or unreadable
// file is skipped with a warning; one bad entry never aborts the batch.
type Loader struct {
	dataDir string
	writer  TableWriter
}

func NewLoader(dataDir string, writer TableWriter) *Loader {
	return &Loader{dataDir: dataDir, writer: writer}
}

// DefaultMapping maps the retail warehouse CSV files to their target tables.
func DefaultMapping() map[string]string {
	return map[string]string{
		"dim_customer.csv":              "DIM_CUSTOMER",
		"dim_date.csv":                  "DIM_DATE",
		"dim_employee.csv":              "DIM_EMPLOYEE",
		"dim_product.csv":               "DIM_PRODUCT",
		"dim_promotion.csv":             "DIM_PROMOTION",
		"dim_store.csv":                 "DIM_STORE",
		"dim_supplier.csv":              "DIM_SUPPLIER",
		"fact_employee_performance.csv": "FACT_EMPLOYEE_PERFORMANCE",
		"fact_inventory.csv":            "FACT_INVENTORY",
		"fact_purchase_orders.csv":      "FACT_PURCHASE_ORDERS",
		"fact_sales.csv":                "FACT_SALES",
	}
}

// Load processes the mapping in sorted file-name order so runs are
// deterministic. It returns the tables actually loaded; skipped entries are
// logged, not returned as errors.
func (l *Loader) Load(ctx context.Context, mapping map[string]string) []string {
	files := make([]string, 0, len(mapping))
	for file := range mapping {
		files = append(files, file)
	}
	sort.Strings(files)

	var loaded []string
	for _, file := range files {
		table := mapping[file]
		path := filepath.Join(l.dataDir, file)

		columns, rows, err := readCSV(path)
		if err != nil {
			if os.IsNotExist(err) {
				slog.Warn("Data file missing, skipping table", "file", file, "table", table)
			} else {
				slog.Warn("Failed to read data file, skipping table", "error", err, "file", file, "table", table)
			}
			continue
		}

		if err := l.writer.ReplaceTable(ctx, table, columns, rows); err != nil {
			slog.Warn("Failed to load table, continuing batch", "error", err, "table", table)
			continue
		}
		slog.Info("Table loaded", "table", table, "rows", len(rows))
		loaded = append(loaded, table)
	}
	return loaded
}

// readCSV parses a header-led CSV file and converts each column to the
// narrowest SQL type its values all fit: BIGINT, then DOUBLE PRECISION, then
// TEXT. Empty cells load as NULL under any type.
func readCSV(path string) ([]LoadColumn, [][]any, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to parse %s: %w", filepath.Base(path), err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("%s has no header row", filepath.Base(path))
	}

	header := records[0]
	data := records[1:]

	columns := make([]LoadColumn, len(header))
	for i, name := range header {
		columns[i] = LoadColumn{Name: strings.TrimSpace(name), SQLType: inferSQLType(data, i)}
	}

	rows := make([][]any, len(data))
	for r, record := range data {
		row := make([]any, len(header))
		for c := range header {
			if c >= len(record) || record[c] == "" {
				continue // NULL
			}
			row[c] = convertCell(record[c], columns[c].SQLType)
		}
		rows[r] = row
	}
	return columns, rows, nil
}

func inferSQLType(data [][]string, col int) string {
	sqlType := "BIGINT"
	seen := false
	for _, record := range data {
		if col >= len(record) || record[col] == "" {
			continue
		}
		seen = true
		value := record[col]
		if sqlType == "BIGINT" {
			if _, err := strconv.ParseInt(value, 10, 64); err == nil {
				continue
			}
			sqlType = "DOUBLE PRECISION"
		}
		if sqlType == "DOUBLE PRECISION" {
			if _, err := strconv.ParseFloat(value, 64); err == nil {
				continue
			}
			sqlType = "TEXT"
		}
		if sqlType == "TEXT" {
			break
		}
	}
	if !seen {
		return "TEXT"
	}
	return sqlType
}

func convertCell(value, sqlType string) any {
	switch sqlType {
	case "BIGINT":
		n, _ := strconv.ParseInt(value, 10, 64)
		return n
	case "DOUBLE PRECISION":
		f, _ := strconv.ParseFloat(value, 64)
		return f
	default:
		return value
	}
}

// PgxTableWriter loads rows into the warehouse over a pgx pool, using COPY
// for the bulk insert.
type PgxTableWriter struct {
	pool *pgxpool.Pool
}

func NewPgxTableWriter(pool *pgxpool.Pool) *PgxTableWriter {
	return &PgxTableWriter{pool: pool}
}

func (w *PgxTableWriter) ReplaceTable(ctx context.Context, table string, columns []LoadColumn, rows [][]any) error {
	quoted := pgx.Identifier{table}.Sanitize()

	if _, err := w.pool.Exec(ctx, "DROP TABLE IF EXISTS "+quoted); err != nil {
		return fmt.Errorf("failed to drop %s: %w", table, err)
	}

	defs := make([]string, len(columns))
	names := make([]string, len(columns))
	for i, col := range columns {
		defs[i] = pgx.Identifier{col.Name}.Sanitize() + " " + col.SQLType
		names[i] = col.Name
	}
	create := fmt.Sprintf("CREATE TABLE %s (%s)", quoted, strings.Join(defs, ", "))
	if _, err := w.pool.Exec(ctx, create); err != nil {
		return fmt.Errorf("failed to create %s: %w", table, err)
	}

	if _, err := w.pool.CopyFrom(ctx, pgx.Identifier{table}, names, pgx.CopyFromRows(rows)); err != nil {
		return fmt.Errorf("failed to copy rows into %s: %w", table, err)
	}
	return nil
}

var _ TableWriter = (*PgxTableWriter)(nil)
