package server

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/openprobe/openprobe/pkg/stores"
)

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Location string            `json:"location"`
		Metadata map[string]string `json:"metadata"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeErrorMessage(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if body.Location == "" {
		writeErrorMessage(w, http.StatusBadRequest, "location is required")
		return
	}

	agent, err := s.registry.Register(r.Context(), body.Location, body.Metadata)
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, agent)
}

func (s *Server) handleAgentHeartbeat(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Heartbeat(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleDeregisterAgent(w http.ResponseWriter, r *http.Request) {
	if err := s.registry.Deregister(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	agents, err := s.registry.ListAgents(r.Context(), stores.AgentFilter{
		Location: q.Get("location"),
		Status:   stores.AgentStatus(q.Get("status")),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeData(w, http.StatusOK, agents)
}

func (s *Server) handleAgentLocations(w http.ResponseWriter, r *http.Request) {
	locations, err := s.registry.RegisteredLocations(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if locations == nil {
		locations = []string{}
	}
	writeData(w, http.StatusOK, locations)
}
