package tools

import (
	"errors"
	"strings"
	"testing"
)

func TestValidateReadOnly(t *testing.T) {
	tests := []struct {
		name      string
		sql       string
		forbidden bool
	}{
		{
			name: "plain select",
			sql:  `SELECT * FROM "FACT_SALES" LIMIT 10`,
		},
		{
			name: "cte",
			sql:  `WITH totals AS (SELECT customer_id, SUM(total_amount) FROM "FACT_SALES" GROUP BY customer_id) SELECT * FROM totals LIMIT 5`,
		},
		{
			name: "column named like a verb is fine",
			sql:  `SELECT created_at, updated_at FROM "DIM_CUSTOMER" LIMIT 10`,
		},
		{
			name:      "insert",
			sql:       `INSERT INTO "FACT_SALES" VALUES (1)`,
			forbidden: true,
		},
		{
			name:      "delete",
			sql:       `DELETE FROM "FACT_SALES"`,
			forbidden: true,
		},
		{
			name:      "drop",
			sql:       `DROP TABLE "DIM_CUSTOMER"`,
			forbidden: true,
		},
		{
			name:      "select with trailing mutation",
			sql:       `SELECT 1; DROP TABLE "DIM_CUSTOMER"`,
			forbidden: true,
		},
		{
			name:      "statement separator alone",
			sql:       `SELECT 1;`,
			forbidden: true,
		},
		{
			name:      "update verb inside select",
			sql:       `SELECT * FROM "DIM_CUSTOMER" WHERE 1=1 UNION SELECT * FROM pg_catalog.pg_tables UPDATE x SET y=1`,
			forbidden: true,
		},
		{
			name:      "explain is not a select",
			sql:       `EXPLAIN SELECT 1`,
			forbidden: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateReadOnly(tt.sql)
			var forbidden *ForbiddenOperationError
			got := errors.As(err, &forbidden)
			if got != tt.forbidden {
				t.Errorf("ValidateReadOnly(%q) forbidden = %v (err=%v), want %v", tt.sql, got, err, tt.forbidden)
			}
			if !tt.forbidden && err != nil {
				t.Errorf("ValidateReadOnly(%q) unexpected error: %v", tt.sql, err)
			}
		})
	}
}

func TestHasRowLimit(t *testing.T) {
	tests := []struct {
		name string
		sql  string
		want bool
	}{
		{"limit present", `SELECT * FROM t LIMIT 5`, true},
		{"lowercase limit", `select * from t limit 100`, true},
		{"fetch first", `SELECT * FROM t FETCH FIRST 10 ROWS ONLY`, true},
		{"no limit", `SELECT * FROM t`, false},
		{"limit as identifier", `SELECT rate_limit FROM t`, false},
		{"limit only in comment", `SELECT * FROM t -- limit 10 is plenty`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HasRowLimit(tt.sql); got != tt.want {
				t.Errorf("HasRowLimit(%q) = %v, want %v", tt.sql, got, tt.want)
			}
		})
	}
}

func TestEnsureRowLimit(t *testing.T) {
	got := EnsureRowLimit(`SELECT * FROM "DIM_CUSTOMER"`, 100)
	want := `SELECT * FROM "DIM_CUSTOMER" LIMIT 100`
	if got != want {
		t.Errorf("EnsureRowLimit() = %q, want %q", got, want)
	}

	capped := `SELECT * FROM "DIM_CUSTOMER" LIMIT 5`
	if got := EnsureRowLimit(capped, 100); got != capped {
		t.Errorf("EnsureRowLimit() rewrote an already-capped query: %q", got)
	}
}

func TestEnsureRowLimitAfterTrailingComment(t *testing.T) {
	got := EnsureRowLimit(`SELECT "customer_name" FROM "DIM_CUSTOMER" -- top customers`, 100)
	if !strings.HasSuffix(got, "\nLIMIT 100") {
		t.Fatalf("EnsureRowLimit() left the cap inside the trailing comment: %q", got)
	}
	if !HasRowLimit(got) {
		t.Errorf("capped statement not recognized as capped: %q", got)
	}

	multiline := "SELECT \"customer_name\"\n-- all of them\nFROM \"DIM_CUSTOMER\""
	if got := EnsureRowLimit(multiline, 100); !strings.HasSuffix(got, ` LIMIT 100`) || !HasRowLimit(got) {
		t.Errorf("EnsureRowLimit() = %q, want an effective cap appended", got)
	}
}

func TestQueryResultStats(t *testing.T) {
	result := &QueryResult{
		Columns: []string{"customer_id", "total"},
		Rows: [][]any{
			{"C1", 100.0},
			{"C2", nil},
			{nil, nil},
		},
	}

	if got := result.RowCount(); got != 3 {
		t.Errorf("RowCount() = %d, want 3", got)
	}
	if got := result.NullCount(); got != 3 {
		t.Errorf("NullCount() = %d, want 3", got)
	}
}
