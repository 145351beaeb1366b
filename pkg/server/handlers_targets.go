package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

func (s *Server) handleListTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := s.store.GetTargets(r.Context(),
		chi.URLParam(r, "organizationId"), chi.URLParam(r, "environment"))
	if err != nil {
		writeError(w, err)
		return
	}
	if targets == nil {
		targets = map[string]string{}
	}
	writeData(w, http.StatusOK, targets)
}

func (s *Server) handleGetTarget(w http.ResponseWriter, r *http.Request) {
	baseURL, err := s.store.GetTarget(r.Context(),
		chi.URLParam(r, "organizationId"), chi.URLParam(r, "environment"), chi.URLParam(r, "targetKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]string{"baseUrl": baseURL})
}

func (s *Server) handlePutTarget(w http.ResponseWriter, r *http.Request) {
	var body struct {
		BaseURL string `json:"baseUrl"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.BaseURL == "" {
		writeErrorMessage(w, http.StatusBadRequest, "baseUrl is required")
		return
	}

	err := s.store.PutTarget(r.Context(),
		chi.URLParam(r, "organizationId"), chi.URLParam(r, "environment"), chi.URLParam(r, "targetKey"), body.BaseURL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeleteTarget(w http.ResponseWriter, r *http.Request) {
	err := s.store.DeleteTarget(r.Context(),
		chi.URLParam(r, "organizationId"), chi.URLParam(r, "environment"), chi.URLParam(r, "targetKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"success": true})
}
