package tools

import (
	"fmt"
	"regexp"
	"strings"
)

// Verbs that modify data or schema. Matched on word boundaries so column
// names like created_at do not trip the guard.
var forbiddenVerbs = []string{
	"insert", "update", "delete", "drop", "alter", "create",
	"truncate", "grant", "revoke", "copy", "vacuum", "merge",
}

var forbiddenPattern = regexp.MustCompile(`(?i)\b(` + strings.Join(forbiddenVerbs, "|") + `)\b`)

var rowLimitPattern = regexp.MustCompile(`(?i)\b(limit\s+\d+|fetch\s+first\s+\d+)\b`)

var lineCommentPattern = regexp.MustCompile(`--[^\n]*`)

// ValidateReadOnly rejects any statement that is not a single read-only
// query: it must start with SELECT or WITH, contain no statement separator,
// and contain no data- or schema-modification verb.
func ValidateReadOnly(sql string) error {
	trimmed := strings.TrimSpace(sql)
	if trimmed == "" {
		return &QueryError{SQL: sql, Message: "empty statement"}
	}
	if strings.Contains(trimmed, ";") {
		return &ForbiddenOperationError{Verb: ";"}
	}

	first := strings.ToUpper(firstWord(trimmed))
	if first != "SELECT" && first != "WITH" {
		return &ForbiddenOperationError{Verb: first}
	}

	if m := forbiddenPattern.FindString(trimmed); m != "" {
		return &ForbiddenOperationError{Verb: strings.ToUpper(m)}
	}
	return nil
}

// HasRowLimit reports whether the statement already carries a row cap. Line
// comments are ignored: a cap mentioned in one does not bound anything.
func HasRowLimit(sql string) bool {
	return rowLimitPattern.MatchString(lineCommentPattern.ReplaceAllString(sql, ""))
}

// EnsureRowLimit appends a LIMIT clause when the statement has none. The cap
// is a composition-time obligation of the controller: the executor itself
// never truncates. When the statement ends in a line comment the clause goes
// on its own line, so the comment cannot swallow it.
func EnsureRowLimit(sql string, cap int) string {
	if HasRowLimit(sql) {
		return sql
	}
	trimmed := strings.TrimSpace(sql)
	if lineCommentPattern.MatchString(lastLine(trimmed)) {
		return fmt.Sprintf("%s\nLIMIT %d", trimmed, cap)
	}
	return fmt.Sprintf("%s LIMIT %d", trimmed, cap)
}

func lastLine(s string) string {
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}

func firstWord(s string) string {
	for i, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '(' {
			return s[:i]
		}
	}
	return s
}
