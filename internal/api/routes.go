package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pump-control/pcc/internal/auth"
	"github.com/pump-control/pcc/internal/command"
	"github.com/pump-control/pcc/internal/constraint"
	"github.com/pump-control/pcc/internal/profile"
	"github.com/pump-control/pcc/internal/pump"
)

const (
	maxBodyBytes        = 1 << 20
	defaultHistoryLimit = 50
	maxHistoryLimit     = 500
)

// RegisterRoutes registers all v1 endpoints.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	apiV1 := "/api/v1"

	// Health endpoint (no auth required)
	mux.HandleFunc(apiV1+"/health", s.handleHealth)

	mux.HandleFunc(apiV1+"/capabilities", s.read(s.handleCapabilities))

	mux.HandleFunc(apiV1+"/pumps", s.read(s.handlePumps))
	mux.HandleFunc(apiV1+"/pumps/select", s.control(auth.ScopeAdmin, s.handleSelectPump))
	mux.HandleFunc(apiV1+"/pumps/{id}", s.read(s.handlePumpByID))

	mux.HandleFunc(apiV1+"/bolus", s.control(auth.ScopeBolus, s.handleBolus))
	mux.HandleFunc(apiV1+"/smb", s.control(auth.ScopeSMB, s.handleSMB))
	mux.HandleFunc(apiV1+"/tempbasal", s.control(auth.ScopeBasal, s.handleTempBasal))
	mux.HandleFunc(apiV1+"/tempbasal/cancel", s.control(auth.ScopeBasal, s.handleCancelTempBasal))
	mux.HandleFunc(apiV1+"/extended", s.control(auth.ScopeBolus, s.handleExtendedBolus))
	mux.HandleFunc(apiV1+"/extended/cancel", s.control(auth.ScopeBolus, s.handleCancelExtended))
	mux.HandleFunc(apiV1+"/profile", s.control(auth.ScopeAdmin, s.handleProfile))
	mux.HandleFunc(apiV1+"/status", s.control(auth.ScopeRead, s.handleReadStatus))
	mux.HandleFunc(apiV1+"/actions", s.control(auth.ScopeAdmin, s.handleCustomAction))

	mux.HandleFunc(apiV1+"/queue", s.read(s.handleQueue))
	mux.HandleFunc(apiV1+"/queue/cancel", s.control(auth.ScopeAdmin, s.handleCancelCurrent))

	mux.HandleFunc(apiV1+"/constraints/{kind}", s.read(s.handleConstraint))
	mux.HandleFunc(apiV1+"/history", s.read(s.handleHistory))

	mux.HandleFunc(apiV1+"/telemetry", s.stream(s.handleTelemetry))
}

// submissionResponse is the body of every dosing endpoint.
type submissionResponse struct {
	*command.Submission
	Result  *pump.EnactResult `json:"result,omitempty"`
	Pending bool              `json:"pending,omitempty"`
}

// respond writes the outcome of a submission. Rejected commands answer 409,
// executed-but-failed ones 422 and commands still running after the result
// timeout (or with ?wait=false) 202.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, sub *command.Submission, err error) {
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	resp := submissionResponse{Submission: sub}

	if !sub.Accepted {
		res, _ := sub.Result()
		resp.Result = &res
		WriteError(w, http.StatusConflict, "REJECTED", res.Comment(), resp)
		return
	}

	if r.URL.Query().Get("wait") == "false" {
		resp.Pending = true
		WriteStatus(w, http.StatusAccepted, resp)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.ResultTimeout)
	defer cancel()
	res, err := sub.Wait(ctx)
	if err != nil {
		resp.Pending = true
		WriteStatus(w, http.StatusAccepted, resp)
		return
	}
	resp.Result = &res
	if !res.Success() {
		WriteError(w, http.StatusUnprocessableEntity, "COMMAND_FAILED", res.Comment(), resp)
		return
	}
	WriteSuccess(w, resp)
}

func (s *Server) handleCapabilities(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	kinds := constraint.Kinds()
	names := make([]string, 0, len(kinds))
	for _, k := range kinds {
		names = append(names, string(k))
	}
	WriteSuccess(w, map[string]interface{}{
		"telemetry":   []string{"sse"},
		"commands":    []string{"bolus", "smb", "tempBasal", "extendedBolus", "cancelTempBasal", "cancelExtended", "profileSet", "readStatus", "customAction"},
		"constraints": names,
		"version":     Version,
	})
}

func (s *Server) handlePumps(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) || !s.requireOrchestrator(w) {
		return
	}
	WriteSuccess(w, s.orchestrator.Pumps())
}

func (s *Server) handlePumpByID(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) || !s.requireOrchestrator(w) {
		return
	}
	p, err := s.orchestrator.Pump(r.PathValue("id"))
	if err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, p)
}

func (s *Server) handleSelectPump(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !s.requireOrchestrator(w) {
		return
	}
	var req struct {
		PumpID string `json:"pumpId"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		WriteAPIError(w, err)
		return
	}
	if err := s.orchestrator.SelectPump(r.Context(), req.PumpID); err != nil {
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]string{"activePumpId": req.PumpID})
}

func (s *Server) handleBolus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !s.requireOrchestrator(w) {
		return
	}
	var req struct {
		Insulin            float64    `json:"insulin"`
		Carbs              float64    `json:"carbs"`
		Notes              string     `json:"notes"`
		DeliverAtTheLatest *time.Time `json:"deliverAtTheLatest"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		WriteAPIError(w, err)
		return
	}
	sub, err := s.orchestrator.Bolus(r.Context(), command.BolusRequest{
		Insulin:            req.Insulin,
		Carbs:              req.Carbs,
		Notes:              req.Notes,
		DeliverAtTheLatest: deref(req.DeliverAtTheLatest),
	})
	s.respond(w, r, sub, err)
}

func (s *Server) handleSMB(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !s.requireOrchestrator(w) {
		return
	}
	var req struct {
		Insulin            float64    `json:"insulin"`
		Notes              string     `json:"notes"`
		DeliverAtTheLatest *time.Time `json:"deliverAtTheLatest"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		WriteAPIError(w, err)
		return
	}
	sub, err := s.orchestrator.SMB(r.Context(), command.SMBRequest{
		Insulin:            req.Insulin,
		Notes:              req.Notes,
		DeliverAtTheLatest: deref(req.DeliverAtTheLatest),
	})
	s.respond(w, r, sub, err)
}

func (s *Server) handleTempBasal(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !s.requireOrchestrator(w) {
		return
	}
	var req struct {
		Rate        *float64 `json:"rate"`
		Percent     *int     `json:"percent"`
		DurationMin int      `json:"durationMin"`
		EnforceNew  bool     `json:"enforceNew"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		WriteAPIError(w, err)
		return
	}
	if (req.Rate == nil) == (req.Percent == nil) {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Exactly one of rate or percent must be provided", nil)
		return
	}
	tb := command.TempBasalRequest{
		Duration:   time.Duration(req.DurationMin) * time.Minute,
		EnforceNew: req.EnforceNew,
	}
	if req.Rate != nil {
		tb.Absolute = true
		tb.Rate = *req.Rate
	} else {
		tb.Percent = *req.Percent
	}
	sub, err := s.orchestrator.TempBasal(r.Context(), tb)
	s.respond(w, r, sub, err)
}

func (s *Server) handleCancelTempBasal(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !s.requireOrchestrator(w) {
		return
	}
	var req struct {
		EnforceNew bool `json:"enforceNew"`
	}
	if err := decodeJSON(w, r, &req, true); err != nil {
		WriteAPIError(w, err)
		return
	}
	sub, err := s.orchestrator.CancelTempBasal(r.Context(), req.EnforceNew)
	s.respond(w, r, sub, err)
}

func (s *Server) handleExtendedBolus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !s.requireOrchestrator(w) {
		return
	}
	var req struct {
		Insulin     float64 `json:"insulin"`
		DurationMin int     `json:"durationMin"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		WriteAPIError(w, err)
		return
	}
	sub, err := s.orchestrator.ExtendedBolus(r.Context(), command.ExtendedBolusRequest{
		Insulin:  req.Insulin,
		Duration: time.Duration(req.DurationMin) * time.Minute,
	})
	s.respond(w, r, sub, err)
}

func (s *Server) handleCancelExtended(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !s.requireOrchestrator(w) {
		return
	}
	if err := decodeJSON(w, r, &struct{}{}, true); err != nil {
		WriteAPIError(w, err)
		return
	}
	sub, err := s.orchestrator.CancelExtended(r.Context())
	s.respond(w, r, sub, err)
}

// handleProfile accepts a profile as JSON or, with a YAML content type, as
// the same document the profile files use.
func (s *Server) handleProfile(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !s.requireOrchestrator(w) {
		return
	}
	var p *profile.Profile
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	switch mediaType {
	case "application/yaml", "application/x-yaml", "text/yaml":
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
		if err != nil {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Unreadable request body", nil)
			return
		}
		p, err = profile.Parse(body)
		if err != nil {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
	default:
		p = &profile.Profile{}
		if err := decodeJSON(w, r, p, false); err != nil {
			WriteAPIError(w, err)
			return
		}
		if err := p.Validate(); err != nil {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error(), nil)
			return
		}
	}
	sub, err := s.orchestrator.SetProfile(r.Context(), p)
	s.respond(w, r, sub, err)
}

func (s *Server) handleReadStatus(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !s.requireOrchestrator(w) {
		return
	}
	var req struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(w, r, &req, true); err != nil {
		WriteAPIError(w, err)
		return
	}
	if req.Reason == "" {
		req.Reason = "api"
	}
	sub, err := s.orchestrator.ReadStatus(r.Context(), req.Reason)
	s.respond(w, r, sub, err)
}

func (s *Server) handleCustomAction(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !s.requireOrchestrator(w) {
		return
	}
	var req struct {
		Action string         `json:"action"`
		Params map[string]any `json:"params"`
	}
	if err := decodeJSON(w, r, &req, false); err != nil {
		WriteAPIError(w, err)
		return
	}
	sub, err := s.orchestrator.CustomAction(r.Context(), req.Action, req.Params)
	s.respond(w, r, sub, err)
}

func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) || !s.requireOrchestrator(w) {
		return
	}
	WriteSuccess(w, s.orchestrator.QueueStatus())
}

func (s *Server) handleCancelCurrent(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) || !s.requireOrchestrator(w) {
		return
	}
	WriteSuccess(w, s.orchestrator.CancelCurrent(r.Context()))
}

// handleConstraint handles GET /constraints/{kind}?value=N
func (s *Server) handleConstraint(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) || !s.requireOrchestrator(w) {
		return
	}
	kind, err := constraint.ParseKind(r.PathValue("kind"))
	if err != nil {
		WriteError(w, http.StatusNotFound, "NOT_FOUND", err.Error(), nil)
		return
	}
	raw := r.URL.Query().Get("value")
	if raw == "" {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", "Query parameter value is required", nil)
		return
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		WriteError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("Invalid value %q", raw), nil)
		return
	}
	WriteSuccess(w, s.orchestrator.Resolve(kind, value))
}

// handleHistory handles GET /history?limit=N
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.history == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Treatment history not available", nil)
		return
	}
	limit := defaultHistoryLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			WriteError(w, http.StatusBadRequest, "BAD_REQUEST", fmt.Sprintf("Invalid limit %q", raw), nil)
			return
		}
		limit = min(n, maxHistoryLimit)
	}
	items, err := s.history.Recent(r.Context(), limit)
	if err != nil {
		s.logger.Warn("history read failed", zap.Error(err))
		WriteAPIError(w, err)
		return
	}
	WriteSuccess(w, map[string]interface{}{"items": items})
}

// handleTelemetry handles GET /telemetry (SSE)
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	if s.telemetryHub == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE",
			"Telemetry service not available", nil)
		return
	}

	// The stream outlives the server write timeout.
	_ = http.NewResponseController(w).SetWriteDeadline(time.Time{})

	if err := s.telemetryHub.Subscribe(r.Context(), w, r); err != nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE",
			"Failed to subscribe to telemetry stream", nil)
		return
	}
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}

	subsystems := map[string]bool{
		"telemetry":    s.telemetryHub != nil,
		"orchestrator": s.orchestrator != nil,
		"history":      s.history != nil,
		"auth":         true,
	}
	overallStatus := "ok"
	for _, ok := range subsystems {
		if !ok {
			overallStatus = "degraded"
		}
	}

	health := map[string]interface{}{
		"status":      overallStatus,
		"uptimeSec":   time.Since(s.startTime).Seconds(),
		"version":     Version,
		"subsystems":  subsystems,
		"authEnabled": s.authMiddleware.Enabled(),
	}
	if s.orchestrator != nil {
		health["queue"] = s.orchestrator.QueueStatus()
	}
	if s.telemetryHub != nil {
		health["telemetryClients"] = s.telemetryHub.ClientCount()
	}

	if overallStatus != "ok" {
		WriteError(w, http.StatusServiceUnavailable, "SERVICE_DEGRADED",
			"One or more subsystems are unavailable", health)
		return
	}
	WriteSuccess(w, health)
}

func (s *Server) requireOrchestrator(w http.ResponseWriter) bool {
	if s.orchestrator == nil {
		WriteError(w, http.StatusServiceUnavailable, "UNAVAILABLE", "Service not available", nil)
		return false
	}
	return true
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	WriteError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED",
		fmt.Sprintf("Only %s method is allowed", method), nil)
	return false
}

// decodeJSON decodes a single strict JSON object. With optional set an
// empty body leaves v untouched.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, optional bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if optional && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("%w: malformed JSON or unknown fields", ErrBadRequest)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return fmt.Errorf("%w: trailing data after JSON object", ErrBadRequest)
	}
	return nil
}

func deref(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}
