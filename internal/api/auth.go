package api

import (
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/auth"
	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/model"
)

// AuthHandler serves login and the current-user profile.
type AuthHandler struct {
	auth    *auth.Service
	catalog *catalog.Service
	logger  *zap.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(svc *auth.Service, cat *catalog.Service, logger *zap.Logger) *AuthHandler {
	return &AuthHandler{
		auth:    svc,
		catalog: cat,
		logger:  logger.Named("auth_handler"),
	}
}

// userResponse is the JSON representation of a user. The password hash never
// leaves the server.
type userResponse struct {
	Email       string  `json:"email"`
	DisplayName string  `json:"display_name"`
	Role        string  `json:"role"`
	Enabled     bool    `json:"enabled"`
	LastLogin   *string `json:"last_login"`
	CreatedAt   string  `json:"created_at"`
}

func userToResponse(u *model.User) userResponse {
	resp := userResponse{
		Email:       u.Email,
		DisplayName: u.DisplayName,
		Role:        string(u.Role),
		Enabled:     u.Enabled,
		CreatedAt:   u.CreatedAt.Format(timeLayout),
	}
	if u.LastLogin != nil {
		s := u.LastLogin.Format(timeLayout)
		resp.LastLogin = &s
	}
	return resp
}

// loginRequest is the JSON body expected by POST /api/v1/auth/login.
type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// loginResponse carries the access token and the authenticated profile.
type loginResponse struct {
	Token string       `json:"token"`
	User  userResponse `json:"user"`
}

// Login handles POST /api/v1/auth/login.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Email == "" || req.Password == "" {
		ErrBadRequest(w, "email and password are required")
		return
	}

	u, token, err := h.auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			errJSON(w, http.StatusUnauthorized, "invalid email or password", "invalid_credentials")
			return
		}
		h.logger.Error("login failed", zap.Error(err))
		ErrInternal(w)
		return
	}

	Ok(w, loginResponse{Token: token, User: userToResponse(u)})
}

// Me handles GET /api/v1/users/me.
func (h *AuthHandler) Me(w http.ResponseWriter, r *http.Request) {
	claims := claimsFromCtx(r.Context())
	if claims == nil {
		ErrUnauthorized(w)
		return
	}

	u, err := h.catalog.GetUser(r.Context(), claims.Email)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, userToResponse(u))
}

// timeLayout is the wire format for timestamps in API responses.
const timeLayout = "2006-01-02T15:04:05Z"
