package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/model"
)

// SettingsHandler serves the singleton application settings.
type SettingsHandler struct {
	catalog *catalog.Service
	audit   auditRecorder
	logger  *zap.Logger
}

// NewSettingsHandler creates a new SettingsHandler.
func NewSettingsHandler(cat *catalog.Service, aud auditRecorder, logger *zap.Logger) *SettingsHandler {
	return &SettingsHandler{
		catalog: cat,
		audit:   aud,
		logger:  logger.Named("settings_handler"),
	}
}

// settingsResponse is the JSON representation of the app settings.
type settingsResponse struct {
	DefaultPolicyID  string `json:"default_policy_id"`
	RetentionEnabled bool   `json:"retention_enabled"`
	NotifyOnFailure  bool   `json:"notify_on_failure"`
	NotifyEmail      string `json:"notify_email"`
	UpdatedAt        string `json:"updated_at"`
	UpdatedBy        string `json:"updated_by"`
}

func settingsToResponse(s *model.AppSettings) settingsResponse {
	return settingsResponse{
		DefaultPolicyID:  s.DefaultPolicyID,
		RetentionEnabled: s.RetentionEnabled,
		NotifyOnFailure:  s.NotifyOnFailure,
		NotifyEmail:      s.NotifyEmail,
		UpdatedAt:        s.UpdatedAt.Format(timeLayout),
		UpdatedBy:        s.UpdatedBy,
	}
}

// Get handles GET /api/v1/settings. First read seeds the defaults.
func (h *SettingsHandler) Get(w http.ResponseWriter, r *http.Request) {
	s, err := h.catalog.GetSettings(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, settingsToResponse(s))
}

// updateSettingsRequest is the JSON body for PUT /api/v1/settings.
type updateSettingsRequest struct {
	DefaultPolicyID  string `json:"default_policy_id"`
	RetentionEnabled bool   `json:"retention_enabled"`
	NotifyOnFailure  bool   `json:"notify_on_failure"`
	NotifyEmail      string `json:"notify_email"`
}

// Update handles PUT /api/v1/settings.
func (h *SettingsHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateSettingsRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	s := &model.AppSettings{
		DefaultPolicyID:  req.DefaultPolicyID,
		RetentionEnabled: req.RetentionEnabled,
		NotifyOnFailure:  req.NotifyOnFailure,
		NotifyEmail:      req.NotifyEmail,
		UpdatedBy:        actorEmail(r.Context()),
	}
	if err := h.catalog.UpdateSettings(r.Context(), s); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       actorEmail(r.Context()),
		Action:       model.ActionSettingsUpdated,
		ResourceType: model.ResourceSettings,
		ResourceID:   model.SettingsRowKey,
	})
	Ok(w, settingsToResponse(s))
}
