package semantic

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
)

// Relationship cardinalities as they appear in the semantic model document.
const (
	OneToMany  = "one-to-many"
	ManyToOne  = "many-to-one"
	ManyToMany = "many-to-many"
)

// ColumnPair maps a source column to the target column it joins on.
type ColumnPair struct {
	Source string `json:"source"`
	Target string `json:"target"`
}

// Relationship is a directed edge in the schema graph. A declared
// relationship is authoritative: its JoinColumns are used verbatim even when
// the column names on either side differ textually.
type Relationship struct {
	SourceTable string       `json:"source_table"`
	TargetTable string       `json:"target_table"`
	Cardinality string       `json:"cardinality"`
	JoinColumns []ColumnPair `json:"join_columns"`
	Description string       `json:"description"`
}

// Table describes one warehouse table. Immutable after load.
type Table struct {
	Name          string         `json:"name"`
	Description   string         `json:"description"`
	UseCase       string         `json:"use_case"`
	Relationships []Relationship `json:"relationships"`
}

// Document shape consumed at startup. Field names are fixed by the semantic
// model JSON contract, including the "Use Case" key.
type modelDocument struct {
	Tables []tableDocument `json:"tables"`
}

type tableDocument struct {
	TableName        string                 `json:"table_name"`
	TableDescription string                 `json:"table_description"`
	UseCase          string                 `json:"Use Case"`
	Relationships    []relationshipDocument `json:"relationships"`
}

type relationshipDocument struct {
	RelatedTable     string            `json:"related_table"`
	RelationshipType string            `json:"relationship_type"`
	JoinColumns      map[string]string `json:"join_columns"`
	Description      string            `json:"description"`
}

// LoadModel parses a semantic model document and builds the schema graph.
// Table and relationship declaration order is preserved; the join_columns
// JSON object is ordered by source column name so edge traversal stays
// deterministic across loads.
func LoadModel(r io.Reader) (*Graph, error) {
	var doc modelDocument
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode semantic model: %w", err)
	}
	if len(doc.Tables) == 0 {
		return nil, fmt.Errorf("semantic model declares no tables")
	}

	g := &Graph{tables: make(map[string]*Table, len(doc.Tables))}
	for _, td := range doc.Tables {
		if td.TableName == "" {
			return nil, fmt.Errorf("semantic model contains a table with no name")
		}
		if _, exists := g.tables[td.TableName]; exists {
			return nil, fmt.Errorf("duplicate table %q in semantic model", td.TableName)
		}
		table := &Table{
			Name:        td.TableName,
			Description: td.TableDescription,
			UseCase:     td.UseCase,
		}
		g.tables[td.TableName] = table
		g.order = append(g.order, td.TableName)
	}

	// Second pass so relationship endpoints can be validated against the
	// full table set regardless of declaration order.
	for _, td := range doc.Tables {
		table := g.tables[td.TableName]
		for _, rd := range td.Relationships {
			rel, err := buildRelationship(g, td.TableName, rd)
			if err != nil {
				return nil, err
			}
			table.Relationships = append(table.Relationships, rel)
		}
	}

	return g, nil
}

func buildRelationship(g *Graph, source string, rd relationshipDocument) (Relationship, error) {
	if _, ok := g.tables[rd.RelatedTable]; !ok {
		return Relationship{}, fmt.Errorf("table %q declares a relationship to unknown table %q", source, rd.RelatedTable)
	}
	switch rd.RelationshipType {
	case OneToMany, ManyToOne, ManyToMany:
	default:
		return Relationship{}, fmt.Errorf("table %q: unknown relationship type %q", source, rd.RelationshipType)
	}
	if len(rd.JoinColumns) == 0 {
		return Relationship{}, fmt.Errorf("relationship %s -> %s declares no join columns", source, rd.RelatedTable)
	}

	cols := make([]string, 0, len(rd.JoinColumns))
	for c := range rd.JoinColumns {
		cols = append(cols, c)
	}
	sort.Strings(cols)

	pairs := make([]ColumnPair, 0, len(cols))
	for _, c := range cols {
		pairs = append(pairs, ColumnPair{Source: c, Target: rd.JoinColumns[c]})
	}

	return Relationship{
		SourceTable: source,
		TargetTable: rd.RelatedTable,
		Cardinality: rd.RelationshipType,
		JoinColumns: pairs,
		Description: rd.Description,
	}, nil
}
