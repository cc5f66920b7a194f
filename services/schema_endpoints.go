package services

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/retailiq/analytics/semantic"
)

// SchemaEndpoints exposes the semantic schema graph read-only, so a front
// end can render the warehouse catalog and preview join paths.
type SchemaEndpoints struct {
	graph *semantic.Graph
}

func NewSchemaEndpoints(graph *semantic.Graph) *SchemaEndpoints {
	return &SchemaEndpoints{graph: graph}
}

func (e *SchemaEndpoints) RegisterRoutes(r chi.Router) {
	r.Route("/schema", func(r chi.Router) {
		r.Get("/tables", e.TablesHandler)
		r.Get("/tables/{name}", e.TableHandler)
		r.Get("/join-path", e.JoinPathHandler)
	})
}

func (e *SchemaEndpoints) TablesHandler(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"tables": e.graph.Tables()})
}

func (e *SchemaEndpoints) TableHandler(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	table, err := e.graph.Lookup(name)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(table)
}

func (e *SchemaEndpoints) JoinPathHandler(w http.ResponseWriter, r *http.Request) {
	from := r.URL.Query().Get("from")
	to := r.URL.Query().Get("to")
	if from == "" || to == "" {
		http.Error(w, "Both from and to are required", http.StatusBadRequest)
		return
	}

	steps, err := e.graph.ResolveJoinPath(from, to)
	if err != nil {
		var notFound *semantic.NotFoundError
		if errors.As(err, &notFound) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		var ambiguous *semantic.AmbiguousJoinError
		if errors.As(err, &ambiguous) {
			http.Error(w, err.Error(), http.StatusUnprocessableEntity)
			return
		}
		http.Error(w, "Failed to resolve join path", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]interface{}{"steps": steps})
}
