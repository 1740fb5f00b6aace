package rest

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/complyon/compliance-agent-backend/internal/domain/agent"
	auditdomain "github.com/complyon/compliance-agent-backend/internal/domain/audit"
	"github.com/complyon/compliance-agent-backend/internal/domain/compliance"
	evidencedomain "github.com/complyon/compliance-agent-backend/internal/domain/evidence"
	"github.com/complyon/compliance-agent-backend/internal/domain/sharedctx"
	"github.com/complyon/compliance-agent-backend/internal/domain/task"
	auditlog "github.com/complyon/compliance-agent-backend/internal/service/audit"
	"github.com/complyon/compliance-agent-backend/internal/service/contextstore"
	evidencestore "github.com/complyon/compliance-agent-backend/internal/service/evidence"
	"github.com/complyon/compliance-agent-backend/internal/service/registry"
	"github.com/complyon/compliance-agent-backend/internal/service/scheduler"
	"github.com/complyon/compliance-agent-backend/internal/service/scoring"
)

// handlers bundles the service surface exposed over HTTP. Every
// operation is scoped to the organization bound in the caller's token.
type handlers struct {
	scheduler *scheduler.Scheduler
	registry  *registry.Registry
	evidence  *evidencestore.Store
	contexts  *contextstore.Store
	shares    *contextstore.ShareProtocol
	scoring   *scoring.Engine
	auditLog  *auditlog.Logger
}

func decode(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dest)
}

func pathUUID(r *http.Request, name string) (uuid.UUID, bool) {
	return parseUUID(r.PathValue(name))
}

func parseUUID(s string) (uuid.UUID, bool) {
	id, err := uuid.Parse(s)
	return id, err == nil
}

// --- Tasks ---

type submitTaskRequest struct {
	Type          string                 `json:"type"`
	AgentID       string                 `json:"agent_id,omitempty"`
	AgentType     string                 `json:"agent_type,omitempty"`
	Priority      int                    `json:"priority"`
	Payload       map[string]interface{} `json:"payload"`
	TimeoutMS     int64                  `json:"timeout_ms,omitempty"`
	Deadline      *time.Time             `json:"deadline,omitempty"`
	MaxRetries    int                    `json:"max_retries,omitempty"`
	CorrelationID string                 `json:"correlation_id,omitempty"`
}

func (h *handlers) submitTask(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var req submitTaskRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	sub := task.Submission{
		OrganizationID: p.OrganizationID,
		Type:           req.Type,
		Target: task.Target{
			AgentID:   req.AgentID,
			AgentType: agent.AgentType(req.AgentType),
		},
		Priority:      req.Priority,
		Payload:       req.Payload,
		Timeout:       time.Duration(req.TimeoutMS) * time.Millisecond,
		MaxRetries:    req.MaxRetries,
		CorrelationID: req.CorrelationID,
	}
	if req.Deadline != nil {
		sub.Deadline = *req.Deadline
	}

	id, err := h.scheduler.Submit(r.Context(), sub)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task_id": id.String()})
}

func (h *handlers) getTask(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "task ID must be a UUID")
		return
	}

	snap, err := h.scheduler.Get(id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if snap.OrganizationID != p.OrganizationID {
		writeError(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "task not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (h *handlers) cancelTask(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "task ID must be a UUID")
		return
	}

	snap, err := h.scheduler.Get(id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	if snap.OrganizationID != p.OrganizationID {
		writeError(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "task not found")
		return
	}

	cancelled, err := h.scheduler.Cancel(r.Context(), id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cancelled": cancelled})
}

// --- Evidence ---

type putEvidenceRequest struct {
	Type       string                 `json:"type"`
	Content    map[string]interface{} `json:"content"`
	Confidence float64                `json:"confidence"`
	Framework  string                 `json:"framework"`
	ControlID  string                 `json:"control_id"`
	TTLHours   int                    `json:"ttl_hours,omitempty"`
}

func (h *handlers) putEvidence(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var req putEvidenceRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	item, deduplicated, err := h.evidence.Put(r.Context(), evidencestore.Input{
		OrganizationID: p.OrganizationID,
		Source:         p.AgentID,
		Type:           evidencedomain.Type(req.Type),
		Content:        req.Content,
		Confidence:     req.Confidence,
		Framework:      req.Framework,
		ControlID:      req.ControlID,
		TTL:            time.Duration(req.TTLHours) * time.Hour,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}

	status := http.StatusCreated
	if deduplicated {
		status = http.StatusOK
	}
	writeJSON(w, status, map[string]interface{}{
		"evidence_id":  item.ID.String(),
		"deduplicated": deduplicated,
		"trust_points": item.TrustPoints,
	})
}

func (h *handlers) getEvidence(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "evidence ID must be a UUID")
		return
	}

	item, err := h.evidence.Get(r.Context(), p.OrganizationID, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

func (h *handlers) queryEvidence(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var filter evidencedomain.Filter
	if err := decode(r, &filter); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	filter.OrganizationID = p.OrganizationID

	items, err := h.evidence.Query(r.Context(), filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"items": items, "count": len(items)})
}

type setEvidenceStatusRequest struct {
	Status string `json:"status"`
}

func (h *handlers) setEvidenceStatus(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "evidence ID must be a UUID")
		return
	}

	var req setEvidenceStatusRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	item, err := h.evidence.SetStatus(r.Context(), p.OrganizationID, id,
		evidencedomain.Status(req.Status), p.AgentID)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// --- Context entries ---

type putContextRequest struct {
	Type          string                 `json:"type"`
	Scope         string                 `json:"scope"`
	Sensitivity   string                 `json:"sensitivity"`
	Data          map[string]interface{} `json:"data"`
	AllowedAgents []string               `json:"allowed_agents,omitempty"`
	TTLMinutes    int                    `json:"ttl_minutes,omitempty"`
	Tags          []string               `json:"tags,omitempty"`
}

func (h *handlers) requester(p Principal) contextstore.Requester {
	return contextstore.Requester{
		AgentID:        p.AgentID,
		AgentType:      p.AgentType,
		OrganizationID: p.OrganizationID,
	}
}

func (h *handlers) putContext(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var req putContextRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	allowed := make([]agent.AgentType, len(req.AllowedAgents))
	for i, a := range req.AllowedAgents {
		allowed[i] = agent.AgentType(a)
	}

	id, err := h.contexts.Put(r.Context(), sharedctx.NewEntryInput{
		Type:           sharedctx.ContextType(req.Type),
		Scope:          sharedctx.Scope(req.Scope),
		Sensitivity:    sharedctx.Sensitivity(req.Sensitivity),
		Data:           req.Data,
		CreatedBy:      p.AgentID,
		OrganizationID: p.OrganizationID,
		AllowedAgents:  allowed,
		TTL:            time.Duration(req.TTLMinutes) * time.Minute,
		Tags:           req.Tags,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"entry_id": id.String()})
}

func (h *handlers) getContext(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "entry ID must be a UUID")
		return
	}

	entry, err := h.contexts.Get(r.Context(), id, h.requester(p))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *handlers) queryContext(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var q sharedctx.Query
	if err := decode(r, &q); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	q.OrganizationID = p.OrganizationID

	entries, err := h.contexts.Query(r.Context(), q, h.requester(p))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

type similarContextRequest struct {
	Data map[string]interface{} `json:"data"`
}

func (h *handlers) similarContext(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var req similarContextRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	entries, err := h.contexts.FindSimilar(r.Context(), req.Data, h.requester(p))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"entries": entries, "count": len(entries)})
}

func (h *handlers) deleteContext(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "entry ID must be a UUID")
		return
	}

	if err := h.contexts.Delete(r.Context(), id, p.OrganizationID); err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusNoContent, nil)
}

// --- Data shares ---

type submitShareRequest struct {
	TargetAgents  []string               `json:"target_agents"`
	ContextType   string                 `json:"context_type"`
	Data          map[string]interface{} `json:"data"`
	Sensitivity   string                 `json:"sensitivity"`
	Justification string                 `json:"justification"`
	ExpiresInMin  int                    `json:"expires_in_minutes,omitempty"`
}

func (h *handlers) submitShare(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var req submitShareRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	targets := make([]agent.AgentType, len(req.TargetAgents))
	for i, a := range req.TargetAgents {
		targets[i] = agent.AgentType(a)
	}

	share, err := h.shares.Submit(r.Context(), contextstore.ShareInput{
		OrganizationID:  p.OrganizationID,
		RequestingAgent: p.AgentID,
		TargetAgents:    targets,
		ContextType:     sharedctx.ContextType(req.ContextType),
		Data:            req.Data,
		Sensitivity:     sharedctx.Sensitivity(req.Sensitivity),
		Justification:   req.Justification,
		ExpiresIn:       time.Duration(req.ExpiresInMin) * time.Minute,
	})
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, share)
}

func (h *handlers) approveShare(w http.ResponseWriter, r *http.Request) {
	h.resolveShare(w, r, true)
}

func (h *handlers) denyShare(w http.ResponseWriter, r *http.Request) {
	h.resolveShare(w, r, false)
}

func (h *handlers) resolveShare(w http.ResponseWriter, r *http.Request, approve bool) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "share ID must be a UUID")
		return
	}

	var (
		share interface{}
		err   error
	)
	if approve {
		share, err = h.shares.Approve(r.Context(), p.OrganizationID, id, p.AgentID)
	} else {
		share, err = h.shares.Deny(r.Context(), p.OrganizationID, id, p.AgentID)
	}
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, share)
}

func (h *handlers) getShare(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	id, ok := pathUUID(r, "id")
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_ID", "share ID must be a UUID")
		return
	}

	share, err := h.shares.Get(r.Context(), p.OrganizationID, id)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, share)
}

func (h *handlers) listShares(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	status := sharedctx.ShareStatus(r.URL.Query().Get("status"))

	shares, err := h.shares.List(r.Context(), p.OrganizationID, status)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"shares": shares, "count": len(shares)})
}

// --- Compliance ---

func (h *handlers) assessCompliance(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())
	framework := compliance.Framework(r.PathValue("framework"))

	report, err := h.scoring.AssessFramework(r.Context(), p.OrganizationID, framework, 0)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// --- Audit ---

func (h *handlers) queryAudit(w http.ResponseWriter, r *http.Request) {
	p, _ := PrincipalFrom(r.Context())

	var filter auditdomain.Filter
	if err := decode(r, &filter); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}
	filter.OrganizationID = p.OrganizationID

	// Strict read-after-write for admin queries.
	if err := h.auditLog.Flush(r.Context()); err != nil {
		writeAppError(w, err)
		return
	}
	events, err := h.auditLog.Query(r.Context(), filter)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events, "count": len(events)})
}

// --- Agents ---

func (h *handlers) listAgents(w http.ResponseWriter, r *http.Request) {
	agents := h.registry.List(registry.Filter{
		Type:       agent.AgentType(r.URL.Query().Get("type")),
		Capability: r.URL.Query().Get("capability"),
	})
	writeJSON(w, http.StatusOK, map[string]interface{}{"agents": agents, "count": len(agents)})
}

func (h *handlers) agentHealth(w http.ResponseWriter, r *http.Request) {
	health, err := h.registry.Health(r.PathValue("id"))
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, health)
}

func requireAdmin(w http.ResponseWriter, r *http.Request) bool {
	p, ok := PrincipalFrom(r.Context())
	if !ok || !p.Admin {
		writeError(w, http.StatusForbidden, "ADMIN_REQUIRED", "operation requires an admin token")
		return false
	}
	return true
}

type registerAgentRequest struct {
	ID                 string   `json:"id"`
	Type               string   `json:"type"`
	Capabilities       []string `json:"capabilities,omitempty"`
	MaxConcurrentTasks int      `json:"max_concurrent_tasks"`
	Priority           int      `json:"priority,omitempty"`
	FailureThreshold   int      `json:"failure_threshold,omitempty"`
}

func (h *handlers) registerAgent(w http.ResponseWriter, r *http.Request) {
	if !requireAdmin(w, r) {
		return
	}

	var req registerAgentRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error())
		return
	}

	a, err := h.registry.Register(r.Context(), agent.Config{
		ID:                 req.ID,
		Type:               agent.AgentType(req.Type),
		Capabilities:       req.Capabilities,
		MaxConcurrentTasks: req.MaxConcurrentTasks,
		Priority:           req.Priority,
		FailureThreshold:   req.FailureThreshold,
	}, nil)
	if err != nil {
		writeAppError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, a)
}

func (h *handlers) agentLifecycle(op func(context.Context, string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !requireAdmin(w, r) {
			return
		}
		if err := op(r.Context(), r.PathValue("id")); err != nil {
			writeAppError(w, err)
			return
		}
		writeJSON(w, http.StatusNoContent, nil)
	}
}
