package semantic

// Graph is the in-memory semantic schema graph. It is built once at startup
// and read-only afterwards, so it is safe to share across sessions without
// locking.
type Graph struct {
	tables map[string]*Table
	order  []string // table declaration order
}

// Lookup returns the table declared under name, exact case.
func (g *Graph) Lookup(name string) (*Table, error) {
	table, ok := g.tables[name]
	if !ok {
		return nil, &NotFoundError{Name: name}
	}
	return table, nil
}

// TableNames returns all table names in declaration order.
func (g *Graph) TableNames() []string {
	names := make([]string, len(g.order))
	copy(names, g.order)
	return names
}

// Tables returns all tables in declaration order.
func (g *Graph) Tables() []*Table {
	tables := make([]*Table, 0, len(g.order))
	for _, name := range g.order {
		tables = append(tables, g.tables[name])
	}
	return tables
}

// RelationshipsOf returns the declared outgoing edges of a table, in
// declaration order. Unknown tables yield an empty slice.
func (g *Graph) RelationshipsOf(name string) []Relationship {
	table, ok := g.tables[name]
	if !ok {
		return nil
	}
	rels := make([]Relationship, len(table.Relationships))
	copy(rels, table.Relationships)
	return rels
}

// JoinStep is one hop of a resolved join path.
type JoinStep struct {
	Source      string       `json:"source"`
	Target      string       `json:"target"`
	Cardinality string       `json:"cardinality"`
	JoinColumns []ColumnPair `json:"join_columns"`
}

// ResolveJoinPath finds the shortest declared relationship path from a to b
// using breadth-first search. Edges are explored in relationship declaration
// order, so when several equal-length paths exist the first-declared one
// always wins. The declared JoinColumns are returned verbatim regardless of
// whether the column names on both sides match textually. When no path
// exists the graph refuses to guess and returns AmbiguousJoinError.
func (g *Graph) ResolveJoinPath(a, b string) ([]JoinStep, error) {
	if _, ok := g.tables[a]; !ok {
		return nil, &NotFoundError{Name: a}
	}
	if _, ok := g.tables[b]; !ok {
		return nil, &NotFoundError{Name: b}
	}
	if a == b {
		return []JoinStep{}, nil
	}

	visited := map[string]bool{a: true}
	queue := []*hop{{table: a}}

	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]

		for i := range g.tables[cur.table].Relationships {
			rel := &g.tables[cur.table].Relationships[i]
			next := rel.TargetTable
			if visited[next] {
				continue
			}
			visited[next] = true
			h := &hop{table: next, via: rel, prev: cur}
			if next == b {
				return h.path(), nil
			}
			queue = append(queue, h)
		}
	}

	return nil, &AmbiguousJoinError{Source: a, Target: b}
}

// hop is one BFS frontier entry; prev pointers let the final hop rebuild the
// full path without storing paths per queue entry.
type hop struct {
	table string
	via   *Relationship
	prev  *hop
}

func (h *hop) path() []JoinStep {
	var steps []JoinStep
	for cur := h; cur != nil && cur.via != nil; cur = cur.prev {
		steps = append(steps, JoinStep{
			Source:      cur.via.SourceTable,
			Target:      cur.via.TargetTable,
			Cardinality: cur.via.Cardinality,
			JoinColumns: cur.via.JoinColumns,
		})
	}
	// Reverse into source-to-target order.
	for i, j := 0, len(steps)-1; i < j; i, j = i+1, j-1 {
		steps[i], steps[j] = steps[j], steps[i]
	}
	return steps
}
