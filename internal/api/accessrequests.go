package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/model"
)

// AccessRequestHandler serves the self-service account request flow: anyone
// may submit, admins review.
type AccessRequestHandler struct {
	catalog *catalog.Service
	audit   auditRecorder
	logger  *zap.Logger
}

// NewAccessRequestHandler creates a new AccessRequestHandler.
func NewAccessRequestHandler(cat *catalog.Service, aud auditRecorder, logger *zap.Logger) *AccessRequestHandler {
	return &AccessRequestHandler{
		catalog: cat,
		audit:   aud,
		logger:  logger.Named("access_request_handler"),
	}
}

// accessRequestResponse is the JSON representation of an access request.
type accessRequestResponse struct {
	ID          string  `json:"id"`
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Reason      string  `json:"reason"`
	Status      string  `json:"status"`
	ReviewedBy  string  `json:"reviewed_by,omitempty"`
	ReviewedAt  *string `json:"reviewed_at,omitempty"`
	RoleGranted string  `json:"role_granted,omitempty"`
	CreatedAt   string  `json:"created_at"`
}

func accessRequestToResponse(a *model.AccessRequest) accessRequestResponse {
	resp := accessRequestResponse{
		ID:          a.ID,
		Email:       a.Email,
		DisplayName: a.DisplayName,
		Reason:      a.Reason,
		Status:      string(a.Status),
		ReviewedBy:  a.ReviewedBy,
		RoleGranted: string(a.RoleGranted),
		CreatedAt:   a.CreatedAt.Format(timeLayout),
	}
	if a.ReviewedAt != nil {
		s := a.ReviewedAt.Format(timeLayout)
		resp.ReviewedAt = &s
	}
	return resp
}

// submitAccessRequest is the JSON body for POST /api/v1/access-requests.
type submitAccessRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Reason      string `json:"reason"`
}

// Submit handles POST /api/v1/access-requests. Public: the requester has no
// account yet.
func (h *AccessRequestHandler) Submit(w http.ResponseWriter, r *http.Request) {
	var req submitAccessRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	a, err := h.catalog.SubmitAccessRequest(r.Context(), req.Email, req.DisplayName, req.Reason)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Created(w, accessRequestToResponse(a))
}

// List handles GET /api/v1/access-requests?status=pending.
func (h *AccessRequestHandler) List(w http.ResponseWriter, r *http.Request) {
	status := model.AccessRequestStatus(r.URL.Query().Get("status"))
	requests, err := h.catalog.ListAccessRequests(r.Context(), status)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]accessRequestResponse, len(requests))
	for i, a := range requests {
		items[i] = accessRequestToResponse(a)
	}
	Ok(w, items)
}

// approveRequest is the JSON body for POST /api/v1/access-requests/{id}/approve.
type approveRequest struct {
	Password string `json:"password"`
	Role     string `json:"role"`
}

// Approve handles POST /api/v1/access-requests/{id}/approve, creating the
// account with the granted role.
func (h *AccessRequestHandler) Approve(w http.ResponseWriter, r *http.Request) {
	var req approveRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	id := chi.URLParam(r, "id")
	reviewer := actorEmail(r.Context())
	u, err := h.catalog.ApproveAccessRequest(r.Context(), id, reviewer, req.Password, model.Role(req.Role))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       reviewer,
		Action:       model.ActionAccessRequestApproved,
		ResourceType: model.ResourceAccessRequest,
		ResourceID:   id,
		ResourceName: u.Email,
		Details:      map[string]any{"role": string(u.Role)},
	})
	Ok(w, userToResponse(u))
}

// Reject handles POST /api/v1/access-requests/{id}/reject.
func (h *AccessRequestHandler) Reject(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	reviewer := actorEmail(r.Context())
	if err := h.catalog.RejectAccessRequest(r.Context(), id, reviewer); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       reviewer,
		Action:       model.ActionAccessRequestRejected,
		ResourceType: model.ResourceAccessRequest,
		ResourceID:   id,
	})
	NoContent(w)
}
