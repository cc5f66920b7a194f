package semantic

import "fmt"

// NotFoundError signals that a table is absent from the semantic model.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("table %q not found in semantic model", e.Name)
}

// AmbiguousJoinError signals that no declared relationship path connects two
// tables. The caller must fall back to name/type matching or ask the user;
// the graph never guesses a join.
type AmbiguousJoinError struct {
	Source string
	Target string
}

func (e *AmbiguousJoinError) Error() string {
	return fmt.Sprintf("no declared relationship path between %q and %q", e.Source, e.Target)
}
