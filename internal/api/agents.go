package api

import (
	"net/http"
	"strconv"

	"ABIAgent-Chain/internal/agent"
	xerrors "ABIAgent-Chain/internal/errors"

	"github.com/go-chi/chi/v5"
)

type registerResponse struct {
	Message     string `json:"message"`
	CodeSnippet string `json:"codeSnippet"`
	AgentID     int64  `json:"agentId"`
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		respondError(w, unavailable("agent registration"))
		return
	}
	var req agent.RegisterRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, err)
		return
	}
	reg, err := s.deps.Agents.Register(r.Context(), req)
	if err != nil {
		// Everything except validation is reported as a plain 500.
		status := xerrors.HTTPStatus(err)
		if status != http.StatusBadRequest {
			status = http.StatusInternalServerError
		}
		respondErrorStatus(w, status, err)
		return
	}
	respondJSON(w, http.StatusCreated, registerResponse{
		Message:     "Agent created successfully and data sent to external server.",
		CodeSnippet: reg.CodeSnippet,
		AgentID:     reg.AgentID,
	})
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		respondError(w, unavailable("agent registration"))
		return
	}
	agents, err := s.deps.Agents.ListByDeveloper(r.Context(), r.URL.Query().Get("devId"))
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, agents)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	if s.deps.Agents == nil {
		respondError(w, unavailable("agent registration"))
		return
	}
	raw := chi.URLParam(r, "agentID")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		respondError(w, xerrors.New(xerrors.CodeNotFound, "agent "+raw+" not found"))
		return
	}
	ag, err := s.deps.Agents.Get(r.Context(), id)
	if err != nil {
		respondError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ag)
}
