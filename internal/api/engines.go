package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/pipeline"
	"github.com/tidevault/tidevault/internal/secrets"
)

// EngineHandler groups all engine-related HTTP handlers.
type EngineHandler struct {
	catalog  *catalog.Service
	pipeline *pipeline.Pipeline
	secrets  secrets.Resolver
	audit    auditRecorder
	logger   *zap.Logger
}

// NewEngineHandler creates a new EngineHandler.
func NewEngineHandler(cat *catalog.Service, pl *pipeline.Pipeline, sec secrets.Resolver, aud auditRecorder, logger *zap.Logger) *EngineHandler {
	return &EngineHandler{
		catalog:  cat,
		pipeline: pl,
		secrets:  sec,
		audit:    aud,
		logger:   logger.Named("engine_handler"),
	}
}

// engineResponse is the JSON representation of an engine. Credentials are
// write-only: neither the plaintext password nor the connection string is
// echoed back.
type engineResponse struct {
	ID                 string  `json:"id"`
	Name               string  `json:"name"`
	EngineType         string  `json:"engine_type"`
	Host               string  `json:"host"`
	Port               int     `json:"port"`
	AuthMethod         string  `json:"auth_method"`
	Username           string  `json:"username"`
	PasswordSecretName string  `json:"password_secret_name"`
	HasPassword        bool    `json:"has_password"`
	PolicyID           string  `json:"policy_id"`
	DiscoveryEnabled   bool    `json:"discovery_enabled"`
	LastDiscovery      *string `json:"last_discovery"`
	CreatedAt          string  `json:"created_at"`
	UpdatedAt          string  `json:"updated_at"`
}

func engineToResponse(e *model.Engine) engineResponse {
	resp := engineResponse{
		ID:                 e.ID,
		Name:               e.Name,
		EngineType:         string(e.EngineType),
		Host:               e.Host,
		Port:               e.Port,
		AuthMethod:         string(e.AuthMethod),
		Username:           e.Username,
		PasswordSecretName: e.PasswordSecretName,
		HasPassword:        e.Password != "" || e.PasswordSecretName != "",
		PolicyID:           e.PolicyID,
		DiscoveryEnabled:   e.DiscoveryEnabled,
		CreatedAt:          e.CreatedAt.Format(timeLayout),
		UpdatedAt:          e.UpdatedAt.Format(timeLayout),
	}
	if e.LastDiscovery != nil {
		s := e.LastDiscovery.Format(timeLayout)
		resp.LastDiscovery = &s
	}
	return resp
}

// engineRequest is the JSON body for engine create and update.
type engineRequest struct {
	Name               string `json:"name"`
	EngineType         string `json:"engine_type"`
	Host               string `json:"host"`
	Port               int    `json:"port"`
	AuthMethod         string `json:"auth_method"`
	Username           string `json:"username"`
	Password           string `json:"password"`
	PasswordSecretName string `json:"password_secret_name"`
	ConnectionString   string `json:"connection_string"`
	PolicyID           string `json:"policy_id"`
	DiscoveryEnabled   bool   `json:"discovery_enabled"`
}

func (req *engineRequest) toModel() *model.Engine {
	return &model.Engine{
		Name:               req.Name,
		EngineType:         model.EngineType(req.EngineType),
		Host:               req.Host,
		Port:               req.Port,
		AuthMethod:         model.AuthMethod(req.AuthMethod),
		Username:           req.Username,
		Password:           req.Password,
		PasswordSecretName: req.PasswordSecretName,
		ConnectionString:   req.ConnectionString,
		PolicyID:           req.PolicyID,
		DiscoveryEnabled:   req.DiscoveryEnabled,
	}
}

// List handles GET /api/v1/engines. Supported query parameters: type, host,
// search.
func (h *EngineHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	engines, err := h.catalog.ListEngines(r.Context(), catalog.EngineFilter{
		Type:   model.EngineType(q.Get("type")),
		Host:   q.Get("host"),
		Search: q.Get("search"),
	})
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]engineResponse, len(engines))
	for i, e := range engines {
		items[i] = engineToResponse(e)
	}
	Ok(w, items)
}

// Create handles POST /api/v1/engines.
func (h *EngineHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req engineRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	e := req.toModel()
	e.CreatedBy = actorEmail(r.Context())
	if err := h.catalog.CreateEngine(r.Context(), e); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       actorEmail(r.Context()),
		Action:       model.ActionEngineCreated,
		ResourceType: model.ResourceEngine,
		ResourceID:   e.ID,
		ResourceName: e.Name,
	})
	Created(w, engineToResponse(e))
}

// Get handles GET /api/v1/engines/{id}.
func (h *EngineHandler) Get(w http.ResponseWriter, r *http.Request) {
	e, err := h.catalog.GetEngine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, engineToResponse(e))
}

// Update handles PUT /api/v1/engines/{id}. A blank password in the request
// keeps the stored credential.
func (h *EngineHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req engineRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	e := req.toModel()
	e.ID = chi.URLParam(r, "id")
	if err := h.catalog.UpdateEngine(r.Context(), e); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       actorEmail(r.Context()),
		Action:       model.ActionEngineUpdated,
		ResourceType: model.ResourceEngine,
		ResourceID:   e.ID,
		ResourceName: e.Name,
	})
	Ok(w, engineToResponse(e))
}

// Delete handles DELETE /api/v1/engines/{id}. With ?cascade=true the
// engine's databases are deleted too; without it, an engine still hosting
// databases is rejected.
func (h *EngineHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cascade := r.URL.Query().Get("cascade") == "true"

	if err := h.catalog.DeleteEngine(r.Context(), id, cascade); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       actorEmail(r.Context()),
		Action:       model.ActionEngineDeleted,
		ResourceType: model.ResourceEngine,
		ResourceID:   id,
		Details:      map[string]any{"cascade": cascade},
	})
	NoContent(w)
}

// TestConnection handles POST /api/v1/engines/{id}/test-connection. The
// probe outcome is always a 200; failures are described in the body.
func (h *EngineHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	e, err := h.catalog.GetEngine(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	password, err := h.enginePassword(r, e)
	if err != nil {
		Ok(w, pipeline.ProbeResult{
			Success:   false,
			Message:   "credential could not be resolved",
			ErrorType: pipeline.ProbeErrorAuth,
		})
		return
	}

	result := h.pipeline.TestConnection(r.Context(), e.EngineType, e.Host, e.Port, e.Username, password, "")
	Ok(w, result)
}

// Discover handles POST /api/v1/engines/{id}/discover. It lists the
// databases on the server, flags system databases and already-registered
// ones, and stamps the engine's last discovery time.
func (h *EngineHandler) Discover(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	e, err := h.catalog.GetEngine(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	password, err := h.enginePassword(r, e)
	if err != nil {
		ErrBadRequest(w, "engine credential could not be resolved")
		return
	}

	registered, err := h.catalog.DatabasesForEngine(ctx, e.ID)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	knownByName := make(map[string]string, len(registered))
	for _, d := range registered {
		knownByName[d.DatabaseName] = d.ID
	}

	discovered, err := h.pipeline.Discover(ctx, e, password, knownByName)
	if err != nil {
		h.logger.Error("discovery failed", zap.String("engine_id", e.ID), zap.Error(err))
		ErrBadRequest(w, err.Error())
		return
	}

	if err := h.catalog.TouchEngineDiscovery(ctx, e.ID); err != nil {
		h.logger.Warn("failed to stamp discovery time", zap.String("engine_id", e.ID), zap.Error(err))
	}

	h.audit.Record(ctx, model.AuditEntry{
		UserID:       actorEmail(ctx),
		Action:       model.ActionEngineDiscovered,
		ResourceType: model.ResourceEngine,
		ResourceID:   e.ID,
		ResourceName: e.Name,
		Details:      map[string]any{"found": len(discovered)},
	})
	Ok(w, discovered)
}

// enginePassword resolves the engine's credential: secret store when a
// secret name is set, stored plaintext otherwise (dev mode).
func (h *EngineHandler) enginePassword(r *http.Request, e *model.Engine) (string, error) {
	if e.PasswordSecretName != "" && h.secrets != nil {
		return h.secrets.Resolve(r.Context(), e.PasswordSecretName)
	}
	return e.Password, nil
}
