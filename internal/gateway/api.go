package gateway

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/basket/go-fleet/internal/coordinator"
	"github.com/basket/go-fleet/internal/events"
	"github.com/basket/go-fleet/internal/fsm"
	"github.com/basket/go-fleet/internal/invariant"
	"github.com/basket/go-fleet/internal/persistence"
	"github.com/basket/go-fleet/internal/shared"
)

// REST error codes.
const (
	CodeValidation         = "VALIDATION_ERROR"
	CodeNotFound           = "NOT_FOUND"
	CodeConflict           = "CONFLICT"
	CodeInvariantViolation = "INVARIANT_VIOLATION"
	CodeInvalidTransition  = "INVALID_TRANSITION"
)

type apiError struct {
	Error      string `json:"error"`
	Code       string `json:"code"`
	Violations any    `json:"violations,omitempty"`
}

func (s *Server) registerAPI(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/agents", s.handleCreateAgent)
	mux.HandleFunc("GET /api/agents", s.handleListAgents)
	mux.HandleFunc("GET /api/agents/{id}", s.handleGetAgent)
	mux.HandleFunc("PUT /api/agents/{id}/status", s.handleAgentStatus)

	mux.HandleFunc("POST /api/issues", s.handleCreateIssue)
	mux.HandleFunc("GET /api/issues", s.handleListIssues)
	mux.HandleFunc("GET /api/issues/{id}", s.handleGetIssue)
	mux.HandleFunc("PUT /api/issues/{id}/state", s.handleIssueState)
	mux.HandleFunc("POST /api/issues/{id}/assign", s.handleAssign)
	mux.HandleFunc("POST /api/issues/{id}/unassign", s.handleUnassign)
	mux.HandleFunc("POST /api/issues/{id}/block", s.handleBlock)
	mux.HandleFunc("POST /api/issues/{id}/unblock", s.handleUnblock)
	mux.HandleFunc("POST /api/issues/{id}/complete", s.handleComplete)

	mux.HandleFunc("GET /api/events", s.handleListEvents)
	mux.HandleFunc("GET /api/events/{event_id}", s.handleGetEvent)
	mux.HandleFunc("GET /api/snapshot", s.handleSnapshot)
	mux.HandleFunc("POST /api/alerts", s.handleAlert)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, msg string, violations any) {
	writeJSON(w, status, apiError{Error: msg, Code: code, Violations: violations})
}

// writeErr maps the coordinator error taxonomy onto HTTP statuses.
func (s *Server) writeErr(w http.ResponseWriter, r *http.Request, err error) {
	var (
		ve *invariant.ViolationError
		te *fsm.TransitionError
	)
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusConflict, CodeInvariantViolation, err.Error(), ve.Violations)
	case errors.As(err, &te):
		writeError(w, http.StatusConflict, CodeInvalidTransition, err.Error(), []*fsm.TransitionError{te})
	case errors.Is(err, coordinator.ErrValidation):
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
	case errors.Is(err, coordinator.ErrNotFound), errors.Is(err, persistence.ErrNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error(), nil)
	case errors.Is(err, coordinator.ErrConflict):
		writeError(w, http.StatusConflict, CodeConflict, err.Error(), nil)
	default:
		s.cfg.Logger.Error("api: request failed", "method", r.Method, "path", r.URL.Path,
			"trace_id", shared.TraceID(r.Context()), "error", err)
		writeError(w, http.StatusInternalServerError, CodeStorageError, err.Error(), nil)
	}
}

// decodeBody validates the request body against a schema. It writes the 400
// itself and reports false when the body is rejected.
func (s *Server) decodeBody(w http.ResponseWriter, r *http.Request, schema string, dst any) bool {
	if err := s.schemas.decode(schema, r.Body, dst); err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return false
	}
	return true
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var in coordinator.CreateAgentInput
	if !s.decodeBody(w, r, "create_agent", &in) {
		return
	}
	a, err := s.cfg.Engine.CreateAgent(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"agents": s.cfg.Engine.Agents(r.URL.Query().Get("project_id")),
	})
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	a, err := s.cfg.Engine.Agent(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Status string `json:"status"`
		Reason string `json:"reason"`
	}
	if !s.decodeBody(w, r, "agent_status", &body) {
		return
	}
	a, err := s.cfg.Engine.SetAgentStatus(r.Context(), r.PathValue("id"), body.Status, body.Reason)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *Server) handleCreateIssue(w http.ResponseWriter, r *http.Request) {
	var in coordinator.CreateIssueInput
	if !s.decodeBody(w, r, "create_issue", &in) {
		return
	}
	is, err := s.cfg.Engine.CreateIssue(r.Context(), in)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, is)
}

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"issues": s.cfg.Engine.Issues(r.URL.Query().Get("project_id")),
	})
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	is, err := s.cfg.Engine.Issue(r.PathValue("id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, is)
}

func (s *Server) handleIssueState(w http.ResponseWriter, r *http.Request) {
	var body struct {
		State string `json:"state"`
	}
	if !s.decodeBody(w, r, "issue_state", &body) {
		return
	}
	is, err := s.cfg.Engine.SetIssueState(r.Context(), r.PathValue("id"), body.State)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, is)
}

func (s *Server) handleAssign(w http.ResponseWriter, r *http.Request) {
	var body struct {
		AgentID string `json:"agent_id"`
	}
	if !s.decodeBody(w, r, "assign", &body) {
		return
	}
	res, err := s.cfg.Engine.AssignIssue(r.Context(), r.PathValue("id"), body.AgentID)
	s.writeAssignment(w, r, res, err)
}

func (s *Server) handleUnassign(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Engine.UnassignIssue(r.Context(), r.PathValue("id"))
	s.writeAssignment(w, r, res, err)
}

func (s *Server) handleBlock(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Reason string `json:"reason"`
	}
	if !s.decodeBody(w, r, "block", &body) {
		return
	}
	res, err := s.cfg.Engine.BlockIssue(r.Context(), r.PathValue("id"), body.Reason)
	s.writeAssignment(w, r, res, err)
}

func (s *Server) handleUnblock(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Engine.UnblockIssue(r.Context(), r.PathValue("id"))
	s.writeAssignment(w, r, res, err)
}

func (s *Server) handleComplete(w http.ResponseWriter, r *http.Request) {
	res, err := s.cfg.Engine.CompleteIssue(r.Context(), r.PathValue("id"))
	s.writeAssignment(w, r, res, err)
}

func (s *Server) writeAssignment(w http.ResponseWriter, r *http.Request, res coordinator.Assignment, err error) {
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func queryInt(r *http.Request, key string) (int64, error) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, errors.New(key + " must be a non-negative integer")
	}
	return n, nil
}

// handleListEvents serves replay by sequence and the secondary lookups by
// type, agent or issue. Lookups return the newest envelopes first.
func (s *Server) handleListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()
	since, err := queryInt(r, "since_seq")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return
	}
	limit64, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidation, err.Error(), nil)
		return
	}
	limit := int(limit64)
	if s.cfg.ReplayLimit > 0 && (limit == 0 || limit > s.cfg.ReplayLimit) {
		limit = s.cfg.ReplayLimit
	}

	var evs []events.Envelope
	switch {
	case q.Get("type") != "":
		t := events.Type(q.Get("type"))
		if !events.Known(t) {
			writeError(w, http.StatusBadRequest, CodeValidation, "unknown event type "+strconv.Quote(string(t)), nil)
			return
		}
		evs, err = s.cfg.Store.EventsByType(ctx, t, limit)
	case q.Get("agent_id") != "":
		evs, err = s.cfg.Store.EventsByAgent(ctx, q.Get("agent_id"), limit)
	case q.Get("issue_id") != "":
		evs, err = s.cfg.Store.EventsByIssue(ctx, q.Get("issue_id"), limit)
	default:
		evs, err = s.cfg.Engine.EventsSince(ctx, since, limit)
	}
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	seq, err := s.cfg.Store.CurrentSeq(ctx)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	if evs == nil {
		evs = []events.Envelope{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": evs, "current_seq": seq})
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	env, err := s.cfg.Store.EventByID(r.Context(), r.PathValue("event_id"))
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, env)
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Engine.Snapshot(r.Context())
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleAlert(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ProjectID string `json:"project_id"`
		Severity  string `json:"severity"`
		Message   string `json:"message"`
	}
	if !s.decodeBody(w, r, "alert", &body) {
		return
	}
	env, err := s.cfg.Engine.Alert(r.Context(), body.ProjectID, body.Severity, body.Message)
	if err != nil {
		s.writeErr(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, env)
}
