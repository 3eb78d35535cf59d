package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/model"
)

// UserHandler groups the admin user-management handlers.
type UserHandler struct {
	catalog *catalog.Service
	audit   auditRecorder
	logger  *zap.Logger
}

// NewUserHandler creates a new UserHandler.
func NewUserHandler(cat *catalog.Service, aud auditRecorder, logger *zap.Logger) *UserHandler {
	return &UserHandler{
		catalog: cat,
		audit:   aud,
		logger:  logger.Named("user_handler"),
	}
}

// List handles GET /api/v1/users.
func (h *UserHandler) List(w http.ResponseWriter, r *http.Request) {
	users, err := h.catalog.ListUsers(r.Context())
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]userResponse, len(users))
	for i, u := range users {
		items[i] = userToResponse(u)
	}
	Ok(w, items)
}

// createUserRequest is the JSON body for POST /api/v1/users.
type createUserRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"display_name"`
	Password    string `json:"password"`
	Role        string `json:"role"`
}

// Create handles POST /api/v1/users.
func (h *UserHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.catalog.CreateUser(r.Context(), req.Email, req.DisplayName, req.Password, model.Role(req.Role))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       actorEmail(r.Context()),
		Action:       model.ActionUserCreated,
		ResourceType: model.ResourceUser,
		ResourceID:   u.Email,
		ResourceName: u.DisplayName,
		Details:      map[string]any{"role": string(u.Role)},
	})
	Created(w, userToResponse(u))
}

// Get handles GET /api/v1/users/{email}.
func (h *UserHandler) Get(w http.ResponseWriter, r *http.Request) {
	u, err := h.catalog.GetUser(r.Context(), chi.URLParam(r, "email"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, userToResponse(u))
}

// updateUserRequest is the JSON body for PUT /api/v1/users/{email}. A
// non-empty password replaces the stored one.
type updateUserRequest struct {
	DisplayName string `json:"display_name"`
	Role        string `json:"role"`
	Enabled     bool   `json:"enabled"`
	Password    string `json:"password"`
}

// Update handles PUT /api/v1/users/{email}.
func (h *UserHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req updateUserRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	email := chi.URLParam(r, "email")
	u := &model.User{
		Email:       email,
		DisplayName: req.DisplayName,
		Role:        model.Role(req.Role),
		Enabled:     req.Enabled,
	}
	if err := h.catalog.UpdateUser(r.Context(), u); err != nil {
		respondError(w, h.logger, err)
		return
	}
	if req.Password != "" {
		if err := h.catalog.SetUserPassword(r.Context(), email, req.Password); err != nil {
			respondError(w, h.logger, err)
			return
		}
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       actorEmail(r.Context()),
		Action:       model.ActionUserUpdated,
		ResourceType: model.ResourceUser,
		ResourceID:   email,
		ResourceName: u.DisplayName,
	})
	Ok(w, userToResponse(u))
}

// Delete handles DELETE /api/v1/users/{email}. Admins cannot delete their
// own account; that guarantees at least one admin can always log in.
func (h *UserHandler) Delete(w http.ResponseWriter, r *http.Request) {
	email := chi.URLParam(r, "email")
	if claims := claimsFromCtx(r.Context()); claims != nil && claims.Email == email {
		ErrBadRequest(w, "cannot delete your own account")
		return
	}

	if err := h.catalog.DeleteUser(r.Context(), email); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       actorEmail(r.Context()),
		Action:       model.ActionUserDeleted,
		ResourceType: model.ResourceUser,
		ResourceID:   email,
	})
	NoContent(w)
}
