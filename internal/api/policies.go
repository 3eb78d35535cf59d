package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/model"
)

// PolicyHandler groups all backup-policy HTTP handlers.
type PolicyHandler struct {
	catalog *catalog.Service
	audit   auditRecorder
	logger  *zap.Logger
}

// NewPolicyHandler creates a new PolicyHandler.
func NewPolicyHandler(cat *catalog.Service, aud auditRecorder, logger *zap.Logger) *PolicyHandler {
	return &PolicyHandler{
		catalog: cat,
		audit:   aud,
		logger:  logger.Named("policy_handler"),
	}
}

// policyResponse is the JSON representation of a backup policy.
type policyResponse struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	Description string           `json:"description"`
	IsSystem    bool             `json:"is_system"`
	Summary     string           `json:"summary"`
	Hourly      model.TierConfig `json:"hourly"`
	Daily       model.TierConfig `json:"daily"`
	Weekly      model.TierConfig `json:"weekly"`
	Monthly     model.TierConfig `json:"monthly"`
	Yearly      model.TierConfig `json:"yearly"`
	CreatedAt   string           `json:"created_at"`
	UpdatedAt   string           `json:"updated_at"`
}

func policyToResponse(p *model.BackupPolicy) policyResponse {
	return policyResponse{
		ID:          p.ID,
		Name:        p.Name,
		Description: p.Description,
		IsSystem:    p.IsSystem,
		Summary:     p.Summary(),
		Hourly:      p.Hourly,
		Daily:       p.Daily,
		Weekly:      p.Weekly,
		Monthly:     p.Monthly,
		Yearly:      p.Yearly,
		CreatedAt:   p.CreatedAt.Format(timeLayout),
		UpdatedAt:   p.UpdatedAt.Format(timeLayout),
	}
}

// policyRequest is the JSON body for policy create and update.
type policyRequest struct {
	Name        string           `json:"name"`
	Description string           `json:"description"`
	Hourly      model.TierConfig `json:"hourly"`
	Daily       model.TierConfig `json:"daily"`
	Weekly      model.TierConfig `json:"weekly"`
	Monthly     model.TierConfig `json:"monthly"`
	Yearly      model.TierConfig `json:"yearly"`
}

func (req *policyRequest) toModel() *model.BackupPolicy {
	return &model.BackupPolicy{
		Name:        req.Name,
		Description: req.Description,
		Hourly:      req.Hourly,
		Daily:       req.Daily,
		Weekly:      req.Weekly,
		Monthly:     req.Monthly,
		Yearly:      req.Yearly,
	}
}

// List handles GET /api/v1/backup-policies.
func (h *PolicyHandler) List(w http.ResponseWriter, r *http.Request) {
	policies, err := h.catalog.ListPolicies(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]policyResponse, len(policies))
	for i, p := range policies {
		items[i] = policyToResponse(p)
	}
	Ok(w, items)
}

// Create handles POST /api/v1/backup-policies.
func (h *PolicyHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p := req.toModel()
	if err := h.catalog.CreatePolicy(r.Context(), p); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       actorEmail(r.Context()),
		Action:       model.ActionPolicyCreated,
		ResourceType: model.ResourcePolicy,
		ResourceID:   p.ID,
		ResourceName: p.Name,
	})
	Created(w, policyToResponse(p))
}

// Get handles GET /api/v1/backup-policies/{id}.
func (h *PolicyHandler) Get(w http.ResponseWriter, r *http.Request) {
	p, err := h.catalog.GetPolicy(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, policyToResponse(p))
}

// Update handles PUT /api/v1/backup-policies/{id}. System policies keep
// their name; only tier configuration and description change.
func (h *PolicyHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req policyRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p := req.toModel()
	p.ID = chi.URLParam(r, "id")
	if err := h.catalog.UpdatePolicy(r.Context(), p); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       actorEmail(r.Context()),
		Action:       model.ActionPolicyUpdated,
		ResourceType: model.ResourcePolicy,
		ResourceID:   p.ID,
		ResourceName: p.Name,
	})
	Ok(w, policyToResponse(p))
}

// Delete handles DELETE /api/v1/backup-policies/{id}. System policies and
// policies still referenced by databases or engines are rejected.
func (h *PolicyHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := h.catalog.DeletePolicy(r.Context(), id); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       actorEmail(r.Context()),
		Action:       model.ActionPolicyDeleted,
		ResourceType: model.ResourcePolicy,
		ResourceID:   id,
	})
	NoContent(w)
}
