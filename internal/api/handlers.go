package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"github.com/caregrid/careflow/internal/engine"
	"github.com/caregrid/careflow/internal/models"
	"github.com/caregrid/careflow/internal/util"
)

// DefaultLogLimit caps execution-log listings when no limit is given.
const DefaultLogLimit = 100

// triggerRequest is the body of POST /api/v1/triggers.
type triggerRequest struct {
	Trigger  models.TriggerType    `json:"trigger"`
	EntityID string                `json:"entity_id"`
	Context  models.TriggerContext `json:"context"`
}

// enrollRequest is the body of POST /api/v1/sequences/{id}/enroll.
type enrollRequest struct {
	EntityID      string `json:"entity_id"`
	StartedBy     string `json:"started_by,omitempty"`
	StartFromStep int    `json:"start_from_step,omitempty"`
}

// cancelRequest is the body of POST /api/v1/enrollments/{id}/cancel.
type cancelRequest struct {
	Reason string `json:"reason,omitempty"`
}

// triggersHandler fires a trigger for an entity (POST /api/v1/triggers).
// The response is written before any rule runs; dispatch is fire-and-forget.
func (s *Server) triggersHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.triggersHandler: processing trigger request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		slog.Warn("Server.triggersHandler: method not allowed", "method", r.Method)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.triggersHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if !models.IsValidTriggerType(req.Trigger) {
		slog.Warn("Server.triggersHandler: invalid trigger type", "trigger", req.Trigger)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid trigger type"))
		return
	}
	if req.EntityID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: entity_id"))
		return
	}
	entity, err := s.st.GetEntity(req.EntityID)
	if err != nil {
		slog.Error("Server.triggersHandler: entity lookup failed", "entityID", req.EntityID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up entity"))
		return
	}
	if entity == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Entity not found"))
		return
	}

	// Dispatch outlives the request, so detach from the request context.
	ctx := context.WithoutCancel(r.Context())
	s.engine.FireAsync(ctx, req.Trigger, entity, req.Context)
	if req.Trigger == models.TriggerPhaseChange && req.Context.ToPhase != "" {
		go func(e models.Entity, phase string) {
			if err := s.manager.EnrollForPhase(ctx, &e, phase); err != nil {
				slog.Warn("Server.triggersHandler: phase auto-enroll abandoned", "entityID", e.ID, "phase", phase, "error", err)
			}
		}(*entity, req.Context.ToPhase)
	}

	slog.Info("Server.triggersHandler: trigger accepted", "trigger", req.Trigger, "entityID", entity.ID)
	writeJSONResponse(w, http.StatusAccepted, models.Accepted("Trigger accepted"))
}

// sequencesHandler routes /api/v1/sequences/{id}/enroll.
func (s *Server) sequencesHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/sequences/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "enroll" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	sequenceID := parts[0]

	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		slog.Warn("Server.sequencesHandler: failed to decode JSON", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid JSON format"))
		return
	}
	if req.EntityID == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing required field: entity_id"))
		return
	}
	if req.StartedBy == "" {
		req.StartedBy = "manual"
	}

	seq, err := s.st.GetSequence(sequenceID)
	if err != nil {
		slog.Error("Server.sequencesHandler: sequence lookup failed", "sequenceID", sequenceID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up sequence"))
		return
	}
	if seq == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Sequence not found"))
		return
	}
	entity, err := s.st.GetEntity(req.EntityID)
	if err != nil {
		slog.Error("Server.sequencesHandler: entity lookup failed", "entityID", req.EntityID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to look up entity"))
		return
	}
	if entity == nil {
		writeJSONResponse(w, http.StatusNotFound, models.Error("Entity not found"))
		return
	}

	enr, err := s.manager.Enroll(r.Context(), seq, entity, req.StartedBy, req.StartFromStep)
	if err != nil {
		if errors.Is(err, models.ErrInvalidStartStep) {
			writeJSONResponse(w, http.StatusBadRequest, models.Error(err.Error()))
			return
		}
		slog.Error("Server.sequencesHandler: enrollment failed", "sequenceID", sequenceID, "entityID", entity.ID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to enroll entity"))
		return
	}
	if enr == nil {
		// Disabled sequence or an existing active enrollment; both are
		// non-error outcomes.
		writeJSONResponse(w, http.StatusConflict, models.Error("Entity not enrolled: sequence disabled or already actively enrolled"))
		return
	}
	slog.Info("Server.sequencesHandler: enrolled", "enrollmentID", enr.ID, "sequenceID", sequenceID, "entityID", entity.ID)
	writeJSONResponse(w, http.StatusCreated, models.Success(enr))
}

// enrollmentsHandler routes /api/v1/enrollments/{id}/cancel.
func (s *Server) enrollmentsHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/enrollments/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] != "cancel" {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	enrollmentID := parts[0]

	var req cancelRequest
	if r.Body != nil {
		// Body is optional; decode errors on an empty body are ignored.
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.Reason == "" {
		req.Reason = "manual"
	}

	if err := s.manager.Cancel(enrollmentID, req.Reason); err != nil {
		if strings.Contains(err.Error(), "not found") {
			writeJSONResponse(w, http.StatusNotFound, models.Error("Enrollment not found"))
			return
		}
		slog.Error("Server.enrollmentsHandler: cancel failed", "enrollmentID", enrollmentID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to cancel enrollment"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(nil))
}

// actionItemsHandler returns the scored follow-up digest for all entities
// (GET /api/v1/action-items).
func (s *Server) actionItemsHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.actionItemsHandler: processing action-items request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entities, err := s.st.ListEntities()
	if err != nil {
		slog.Error("Server.actionItemsHandler: entity listing failed", "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list entities"))
		return
	}
	items := engine.ScoreActionItems(s.scorerCfg, entities, s.now())
	writeJSONResponse(w, http.StatusOK, models.Success(items))
}

// logHandler returns execution-log entries, optionally filtered by entity
// (GET /api/v1/log?entity_id=...&limit=...).
func (s *Server) logHandler(w http.ResponseWriter, r *http.Request) {
	slog.Debug("Server.logHandler: processing log request", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	entityID := r.URL.Query().Get("entity_id")
	limit := util.ParseIntQuery(r.URL.Query().Get("limit"), DefaultLogLimit)
	entries, err := s.st.ListLogEntries(entityID, limit)
	if err != nil {
		slog.Error("Server.logHandler: log listing failed", "entityID", entityID, "error", err)
		writeJSONResponse(w, http.StatusInternalServerError, models.Error("Failed to list log entries"))
		return
	}
	writeJSONResponse(w, http.StatusOK, models.Success(entries))
}

// inboundHandler is the Twilio inbound SMS webhook (POST /api/v1/inbound).
// Twilio posts application/x-www-form-urlencoded with From and Body fields.
func (s *Server) inboundHandler(w http.ResponseWriter, r *http.Request) {
	if r.Body != nil {
		defer r.Body.Close()
	}
	slog.Debug("Server.inboundHandler: processing inbound webhook", "method", r.Method, "path", r.URL.Path)
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Warn("Server.inboundHandler: failed to parse form", "error", err)
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Invalid form data"))
		return
	}
	from := r.PostFormValue("From")
	body := r.PostFormValue("Body")
	if from == "" || body == "" {
		writeJSONResponse(w, http.StatusBadRequest, models.Error("Missing From or Body"))
		return
	}

	s.inbound.PushResponse(models.InboundMessage{From: from, Body: body, Time: s.now()})
	slog.Info("Server.inboundHandler: inbound message queued", "from", from)

	// Twilio expects TwiML; an empty response suppresses any auto-reply.
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte(`<?xml version="1.0" encoding="UTF-8"?><Response></Response>`)); err != nil {
		slog.Error("Server.inboundHandler: failed to write TwiML response", "error", err)
	}
}
