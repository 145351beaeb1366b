package server

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/openprobe/openprobe/pkg/stores"
)

func (s *Server) handleTriggerRun(w http.ResponseWriter, r *http.Request) {
	planID := chi.URLParam(r, "planId")

	var body struct {
		Environment string `json:"environment"`
	}
	if r.ContentLength > 0 {
		if err := decodeBody(r, &body); err != nil {
			writeErrorMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
	}

	stored, err := s.store.GetPlan(r.Context(), planID)
	if err != nil {
		writeError(w, err)
		return
	}

	environment := body.Environment
	if environment == "" {
		environment = stored.Environment
	}

	runs, err := s.dispatcher.Dispatch(r.Context(), stored, environment, stores.TriggerManual)
	if err != nil {
		writeError(w, err)
		return
	}
	// A trigger fans out one run per resolved location, so the response
	// is always the full array, even when it holds a single run.
	writeData(w, http.StatusCreated, runs)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	runs, err := s.store.ListRuns(r.Context(), stores.RunFilter{
		PlanID: q.Get("planId"),
		Limit:  queryInt(q.Get("limit")),
		Offset: queryInt(q.Get("offset")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, runs)
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.GetRun(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, run)
}

// runPatchBody accepts both the camelCase and snake_case duration keys
// that clients have historically sent.
type runPatchBody struct {
	Status          stores.RunStatus `json:"status"`
	DurationMS      *int64           `json:"durationMs"`
	DurationMSSnake *int64           `json:"duration_ms"`
	Success         *bool            `json:"success"`
	Errors          []string         `json:"errors"`
}

func (s *Server) handlePatchRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var body runPatchBody
	if err := decodeBody(r, &body); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	switch body.Status {
	case stores.RunStatusRunning, stores.RunStatusCompleted, stores.RunStatusFailed:
	default:
		writeErrorMessage(w, http.StatusBadRequest, "invalid run status")
		return
	}

	duration := body.DurationMS
	if duration == nil {
		duration = body.DurationMSSnake
	}

	update := stores.RunUpdate{
		Status:     body.Status,
		DurationMS: duration,
		Success:    body.Success,
		Errors:     body.Errors,
	}
	if err := s.store.UpdateRunStatus(r.Context(), id, update); err != nil {
		writeError(w, err)
		return
	}

	if s.metrics != nil && body.Status.Terminal() {
		var elapsed time.Duration
		if duration != nil {
			elapsed = time.Duration(*duration) * time.Millisecond
		}
		s.metrics.RecordRunCompleted(string(body.Status), elapsed)
	}
	writeData(w, http.StatusOK, map[string]bool{"success": true})
}
