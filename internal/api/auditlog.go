package api

import (
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/audit"
	"github.com/tidevault/tidevault/internal/model"
)

// AuditHandler serves the audit trail, read-only.
type AuditHandler struct {
	audit  *audit.Service
	logger *zap.Logger
}

// NewAuditHandler creates a new AuditHandler.
func NewAuditHandler(aud *audit.Service, logger *zap.Logger) *AuditHandler {
	return &AuditHandler{
		audit:  aud,
		logger: logger.Named("audit_handler"),
	}
}

// auditEntryResponse is the JSON representation of one audit entry.
type auditEntryResponse struct {
	ID           string         `json:"id"`
	Timestamp    string         `json:"timestamp"`
	UserID       string         `json:"user_id"`
	Action       string         `json:"action"`
	ResourceType string         `json:"resource_type"`
	ResourceID   string         `json:"resource_id"`
	ResourceName string         `json:"resource_name,omitempty"`
	Status       string         `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
}

func auditEntryToResponse(e *model.AuditEntry) auditEntryResponse {
	return auditEntryResponse{
		ID:           e.ID,
		Timestamp:    e.Timestamp.Format(timeLayout),
		UserID:       e.UserID,
		Action:       string(e.Action),
		ResourceType: string(e.ResourceType),
		ResourceID:   e.ResourceID,
		ResourceName: e.ResourceName,
		Status:       string(e.Status),
		ErrorMessage: e.ErrorMessage,
		Details:      e.Details,
	}
}

// List handles GET /api/v1/audit. Supported query parameters: action,
// resource_type, resource_id, user_id, status, from, to (YYYY-MM-DD), limit.
func (h *AuditHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := audit.Filter{
		Action:       model.AuditAction(q.Get("action")),
		ResourceType: model.AuditResourceType(q.Get("resource_type")),
		ResourceID:   q.Get("resource_id"),
		UserID:       q.Get("user_id"),
		Status:       model.AuditStatus(q.Get("status")),
	}
	if v := q.Get("from"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			ErrBadRequest(w, "from must be a YYYY-MM-DD date")
			return
		}
		f.From = t
	}
	if v := q.Get("to"); v != "" {
		t, err := time.Parse("2006-01-02", v)
		if err != nil {
			ErrBadRequest(w, "to must be a YYYY-MM-DD date")
			return
		}
		f.To = t.Add(24*time.Hour - time.Second)
	}

	limit := 100
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 1000 {
			limit = n
		}
	}

	entries, err := h.audit.List(r.Context(), f, limit)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	items := make([]auditEntryResponse, len(entries))
	for i, e := range entries {
		items[i] = auditEntryToResponse(e)
	}
	Ok(w, items)
}
