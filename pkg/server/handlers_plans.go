package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/openprobe/openprobe/pkg/plan"
	"github.com/openprobe/openprobe/pkg/stores"
)

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	var doc plan.Plan
	if err := decodeBody(r, &doc); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid plan document: "+err.Error())
		return
	}

	if doc.Version != plan.SchemaVersion {
		writeErrorMessage(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported plan schema version %q", doc.Version))
		return
	}
	if err := plan.Validate(&doc); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.checkLocations(r.Context(), &doc); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	if existing, err := s.store.GetPlanByName(r.Context(), doc.Project, doc.Environment, doc.Name); err == nil && existing != nil {
		writeErrorMessage(w, http.StatusConflict,
			fmt.Sprintf("plan %q already exists in %s/%s", doc.Name, doc.Project, doc.Environment))
		return
	}

	doc.ID = uuid.New().String()
	stored, err := storedFromDocument(&doc)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.CreatePlan(r.Context(), stored); err != nil {
		writeError(w, err)
		return
	}

	writeData(w, http.StatusCreated, &doc)
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	existing, err := s.store.GetPlan(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}

	var doc plan.Plan
	if err := decodeBody(r, &doc); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid plan document: "+err.Error())
		return
	}

	if doc.Version != plan.SchemaVersion {
		writeErrorMessage(w, http.StatusBadRequest,
			fmt.Sprintf("unsupported plan schema version %q", doc.Version))
		return
	}
	if err := plan.Validate(&doc); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.checkLocations(r.Context(), &doc); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, err.Error())
		return
	}

	// ID and organization are server-assigned; an update cannot move the
	// plan to another organization.
	doc.ID = id
	doc.Organization = existing.Organization
	stored, err := storedFromDocument(&doc)
	if err != nil {
		writeError(w, err)
		return
	}
	if err := s.store.UpdatePlan(r.Context(), stored); err != nil {
		writeError(w, err)
		return
	}

	writeData(w, http.StatusOK, &doc)
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	stored, err := s.store.GetPlan(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, json.RawMessage(stored.Document))
}

func (s *Server) handleGetPlanByName(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	stored, err := s.store.GetPlanByName(r.Context(), q.Get("projectId"), q.Get("environment"), q.Get("name"))
	if err != nil {
		writeError(w, err)
		return
	}

	if q.Get("version") == "latest" {
		migrated, err := plan.Migrate(stored.Document)
		if err != nil {
			writeErrorMessage(w, http.StatusBadRequest, err.Error())
			return
		}
		migrated.ID = stored.ID
		writeData(w, http.StatusOK, migrated)
		return
	}
	writeData(w, http.StatusOK, json.RawMessage(stored.Document))
}

func (s *Server) handleListPlans(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := stores.PlanFilter{
		ProjectID:   q.Get("projectId"),
		Environment: q.Get("environment"),
		Limit:       queryInt(q.Get("limit")),
		Offset:      queryInt(q.Get("offset")),
	}

	stored, err := s.store.ListPlans(r.Context(), filter)
	if err != nil {
		writeError(w, err)
		return
	}

	docs := make([]json.RawMessage, 0, len(stored))
	for _, sp := range stored {
		docs = append(docs, json.RawMessage(sp.Document))
	}
	writeData(w, http.StatusOK, docs)
}

func (s *Server) handleDeletePlan(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeletePlan(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"success": true})
}

// checkLocations rejects a plan that names a location with no ONLINE
// agent. Plans without locations are accepted; dispatch resolves them
// against the live registry at schedule time.
func (s *Server) checkLocations(ctx context.Context, doc *plan.Plan) error {
	if len(doc.Locations) == 0 {
		return nil
	}
	online, err := s.registry.RegisteredLocations(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]bool, len(online))
	for _, location := range online {
		known[location] = true
	}
	for _, location := range doc.Locations {
		if !known[location] {
			return fmt.Errorf("no registered agent for location %q", location)
		}
	}
	return nil
}

// storedFromDocument projects a plan document into its storage row.
func storedFromDocument(doc *plan.Plan) (*stores.StoredPlan, error) {
	hash, err := plan.Hash(doc)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan document: %w", err)
	}
	return &stores.StoredPlan{
		ID:           doc.ID,
		Organization: doc.Organization,
		Project:      doc.Project,
		Environment:  doc.Environment,
		Name:         doc.Name,
		Version:      doc.Version,
		ContentHash:  hash,
		Document:     raw,
	}, nil
}

func queryInt(raw string) int {
	if raw == "" {
		return 0
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0
	}
	return n
}
