package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kubilitics/kubilitics-reasoner/internal/audit"
	"github.com/kubilitics/kubilitics-reasoner/internal/db"
	"github.com/kubilitics/kubilitics-reasoner/internal/middleware"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning"
	"github.com/kubilitics/kubilitics-reasoner/internal/reasoning/engine"
	"github.com/kubilitics/kubilitics-reasoner/pkg/types"
)

const (
	maxBodyBytes     = 64 << 10
	defaultPageLimit = 20
	maxPageLimit     = 200
)

// ─── Health ───────────────────────────────────────────────────────────────────

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, types.HealthResponse{
		Status:    "healthy",
		Version:   Version,
		Timestamp: time.Now().UTC(),
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready, checks := s.checkReady(r.Context())
	body := types.HealthResponse{Status: "ready", Checks: checks, Timestamp: time.Now().UTC()}
	if !ready {
		body.Status = "not_ready"
		respondJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	respondJSON(w, http.StatusOK, body)
}

// ─── Orchestrate ──────────────────────────────────────────────────────────────

// handleOrchestrate handles POST /api/v1/orchestrate.
func (s *Server) handleOrchestrate(w http.ResponseWriter, r *http.Request) {
	var req types.OrchestrateRequest
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, types.CodeInvalidRequest, "invalid request body")
		return
	}
	if err := s.validateRequest(&req); err != nil {
		respondError(w, r, http.StatusBadRequest, types.CodeInvalidRequest, err.Error())
		return
	}

	ctx := r.Context()
	if s.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := s.engine.ProcessQuery(ctx, req.SessionID, req.Prompt, s.serviceContext(r, &req))
	if err != nil {
		status, code, msg := errorStatus(err)
		if status == http.StatusInternalServerError {
			s.logger.Error("orchestrate failed",
				zap.String("correlation_id", audit.GetCorrelationID(r.Context())),
				zap.Error(err))
		}
		respondError(w, r, status, code, msg)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

func (s *Server) serviceContext(r *http.Request, req *types.OrchestrateRequest) engine.ServiceContext {
	return engine.ServiceContext{
		ServiceID:     req.ServiceID,
		Credential:    middleware.BearerToken(r),
		ContextData:   req.Context,
		CorrelationID: audit.GetCorrelationID(r.Context()),
	}
}

// validateRequest checks req and renders the first violation as a short
// message naming the JSON field.
func (s *Server) validateRequest(req *types.OrchestrateRequest) error {
	req.ServiceID = strings.TrimSpace(req.ServiceID)
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Prompt = strings.TrimSpace(req.Prompt)

	err := s.validate.Struct(req)
	if err == nil {
		return nil
	}
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return err
	}
	fe := verrs[0]
	field := jsonFieldName(fe.Field())
	switch fe.Tag() {
	case "required":
		return fmt.Errorf("%s is required", field)
	case "max":
		return fmt.Errorf("%s must be at most %s characters", field, fe.Param())
	}
	return fmt.Errorf("%s is invalid", field)
}

func jsonFieldName(field string) string {
	switch field {
	case "ServiceID":
		return "service_id"
	case "SessionID":
		return "session_id"
	case "Prompt":
		return "prompt"
	}
	return strings.ToLower(field)
}

// errorStatus maps an engine error to an HTTP status, error code and client
// message.
func errorStatus(err error) (int, string, string) {
	switch {
	case errors.Is(err, reasoning.ErrAuthentication):
		return http.StatusUnauthorized, types.CodeUnauthorized, "authentication failed"
	case errors.Is(err, reasoning.ErrTimeout):
		return http.StatusGatewayTimeout, types.CodeTimeout, "request timed out"
	}
	return http.StatusInternalServerError, types.CodeInternal, "internal error"
}

// ─── Sessions ─────────────────────────────────────────────────────────────────

// handleGetSession handles GET /api/v1/sessions/{id}.
func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		respondError(w, r, http.StatusServiceUnavailable, types.CodeUnavailable, "session persistence is disabled")
		return
	}
	id := mux.Vars(r)["id"]
	rec, err := s.sessions.GetSession(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		respondError(w, r, http.StatusNotFound, types.CodeNotFound, "session not found")
		return
	}
	if err != nil {
		s.logger.Error("get session", zap.String("id", id), zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, types.CodeInternal, "internal error")
		return
	}
	respondJSON(w, http.StatusOK, sessionView(rec))
}

// handleListSessions handles GET /api/v1/sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	if s.sessions == nil {
		respondError(w, r, http.StatusServiceUnavailable, types.CodeUnavailable, "session persistence is disabled")
		return
	}
	q := r.URL.Query()
	limit, err := queryInt(q.Get("limit"), defaultPageLimit)
	if err != nil || limit < 1 || limit > maxPageLimit {
		respondError(w, r, http.StatusBadRequest, types.CodeInvalidRequest,
			fmt.Sprintf("limit must be between 1 and %d", maxPageLimit))
		return
	}
	offset, err := queryInt(q.Get("offset"), 0)
	if err != nil || offset < 0 {
		respondError(w, r, http.StatusBadRequest, types.CodeInvalidRequest, "offset must be a non-negative integer")
		return
	}

	recs, err := s.sessions.ListSessions(r.Context(), q.Get("session_id"), limit, offset)
	if err != nil {
		s.logger.Error("list sessions", zap.Error(err))
		respondError(w, r, http.StatusInternalServerError, types.CodeInternal, "internal error")
		return
	}
	views := make([]map[string]any, 0, len(recs))
	for _, rec := range recs {
		views = append(views, sessionView(rec))
	}
	respondJSON(w, http.StatusOK, types.SessionList{Sessions: views, Limit: limit, Offset: offset})
}

// sessionView renders a record with its trace decoded so clients do not
// receive JSON inside a string.
func sessionView(rec *db.SessionRecord) map[string]any {
	var tr any
	if rec.Trace != "" && json.Unmarshal([]byte(rec.Trace), &tr) != nil {
		tr = rec.Trace
	}
	return map[string]any{
		"id":             rec.ID,
		"correlation_id": rec.CorrelationID,
		"session_id":     rec.SessionID,
		"service_id":     rec.ServiceID,
		"query":          rec.Query,
		"request_type":   rec.RequestType,
		"status":         rec.Status,
		"final_phase":    rec.FinalPhase,
		"answer":         rec.Answer,
		"confidence":     rec.Confidence,
		"trace":          tr,
		"duration_ms":    rec.DurationMs,
		"created_at":     rec.CreatedAt,
	}
}

func queryInt(v string, def int) (int, error) {
	if v == "" {
		return def, nil
	}
	return strconv.Atoi(v)
}

// ─── Catalogue ────────────────────────────────────────────────────────────────

func (s *Server) handleRequirements(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{"requirements": reasoning.Catalogue()})
}

// ─── Helpers ──────────────────────────────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, r *http.Request, status int, code, msg string) {
	respondJSON(w, status, types.ErrorResponse{
		Error:         msg,
		Code:          code,
		CorrelationID: audit.GetCorrelationID(r.Context()),
	})
}
