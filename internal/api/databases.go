package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/blob"
	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/history"
	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/pipeline"
	"github.com/tidevault/tidevault/internal/scheduler"
)

// DatabaseHandler groups all database-related HTTP handlers.
type DatabaseHandler struct {
	catalog   *catalog.Service
	pipeline  *pipeline.Pipeline
	scheduler *scheduler.Scheduler
	history   *history.Service
	blobs     blob.Store
	audit     auditRecorder
	logger    *zap.Logger
}

// NewDatabaseHandler creates a new DatabaseHandler.
func NewDatabaseHandler(cat *catalog.Service, pl *pipeline.Pipeline, sched *scheduler.Scheduler, hist *history.Service, blobs blob.Store, aud auditRecorder, logger *zap.Logger) *DatabaseHandler {
	return &DatabaseHandler{
		catalog:   cat,
		pipeline:  pl,
		scheduler: sched,
		history:   hist,
		blobs:     blobs,
		audit:     aud,
		logger:    logger.Named("database_handler"),
	}
}

// databaseResponse is the JSON representation of a database. The plaintext
// password is write-only.
type databaseResponse struct {
	ID                   string `json:"id"`
	Name                 string `json:"name"`
	EngineID             string `json:"engine_id"`
	UseEngineCredentials bool   `json:"use_engine_credentials"`
	UseEnginePolicy      bool   `json:"use_engine_policy"`
	DatabaseType         string `json:"database_type"`
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	DatabaseName         string `json:"database_name"`
	Username             string `json:"username"`
	PasswordSecretName   string `json:"password_secret_name"`
	HasPassword          bool   `json:"has_password"`
	PolicyID             string `json:"policy_id"`
	Enabled              bool   `json:"enabled"`
	Compression          bool   `json:"compression"`
	BackupDestination    string `json:"backup_destination"`
	CreatedAt            string `json:"created_at"`
	UpdatedAt            string `json:"updated_at"`
}

func databaseToResponse(d *model.Database) databaseResponse {
	return databaseResponse{
		ID:                   d.ID,
		Name:                 d.Name,
		EngineID:             d.EngineID,
		UseEngineCredentials: d.UseEngineCredentials,
		UseEnginePolicy:      d.UseEnginePolicy,
		DatabaseType:         string(d.DatabaseType),
		Host:                 d.Host,
		Port:                 d.Port,
		DatabaseName:         d.DatabaseName,
		Username:             d.Username,
		PasswordSecretName:   d.PasswordSecretName,
		HasPassword:          d.Password != "" || d.PasswordSecretName != "",
		PolicyID:             d.PolicyID,
		Enabled:              d.Enabled,
		Compression:          d.Compression,
		BackupDestination:    d.BackupDestination,
		CreatedAt:            d.CreatedAt.Format(timeLayout),
		UpdatedAt:            d.UpdatedAt.Format(timeLayout),
	}
}

// databaseRequest is the JSON body for database create and update.
type databaseRequest struct {
	Name                 string `json:"name"`
	EngineID             string `json:"engine_id"`
	UseEngineCredentials bool   `json:"use_engine_credentials"`
	UseEnginePolicy      bool   `json:"use_engine_policy"`
	DatabaseType         string `json:"database_type"`
	Host                 string `json:"host"`
	Port                 int    `json:"port"`
	DatabaseName         string `json:"database_name"`
	Username             string `json:"username"`
	Password             string `json:"password"`
	PasswordSecretName   string `json:"password_secret_name"`
	PolicyID             string `json:"policy_id"`
	Enabled              bool   `json:"enabled"`
	Compression          bool   `json:"compression"`
	BackupDestination    string `json:"backup_destination"`
}

func (req *databaseRequest) toModel() *model.Database {
	return &model.Database{
		Name:                 req.Name,
		EngineID:             req.EngineID,
		UseEngineCredentials: req.UseEngineCredentials,
		UseEnginePolicy:      req.UseEnginePolicy,
		DatabaseType:         model.EngineType(req.DatabaseType),
		Host:                 req.Host,
		Port:                 req.Port,
		DatabaseName:         req.DatabaseName,
		Username:             req.Username,
		Password:             req.Password,
		PasswordSecretName:   req.PasswordSecretName,
		PolicyID:             req.PolicyID,
		Enabled:              req.Enabled,
		Compression:          req.Compression,
		BackupDestination:    req.BackupDestination,
	}
}

// List handles GET /api/v1/databases. Supported query parameters:
// enabled_only, type, host, engine_id, policy_id, search.
func (h *DatabaseHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := catalog.DatabaseFilter{
		EnabledOnly: q.Get("enabled_only") == "true",
		Type:        model.EngineType(q.Get("type")),
		Host:        q.Get("host"),
		EngineID:    q.Get("engine_id"),
		PolicyID:    q.Get("policy_id"),
		Search:      q.Get("search"),
	}

	databases, err := h.catalog.ListDatabases(r.Context(), f)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	items := make([]databaseResponse, len(databases))
	for i, d := range databases {
		items[i] = databaseToResponse(d)
	}
	Ok(w, items)
}

// Create handles POST /api/v1/databases.
func (h *DatabaseHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req databaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	d := req.toModel()
	d.CreatedBy = actorEmail(r.Context())
	if err := h.catalog.CreateDatabase(r.Context(), d); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       actorEmail(r.Context()),
		Action:       model.ActionDatabaseCreated,
		ResourceType: model.ResourceDatabase,
		ResourceID:   d.ID,
		ResourceName: d.Name,
	})
	Created(w, databaseToResponse(d))
}

// Get handles GET /api/v1/databases/{id}.
func (h *DatabaseHandler) Get(w http.ResponseWriter, r *http.Request) {
	d, err := h.catalog.GetDatabase(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, databaseToResponse(d))
}

// Update handles PUT /api/v1/databases/{id}. A blank password keeps the
// stored credential.
func (h *DatabaseHandler) Update(w http.ResponseWriter, r *http.Request) {
	var req databaseRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	d := req.toModel()
	d.ID = chi.URLParam(r, "id")
	if err := h.catalog.UpdateDatabase(r.Context(), d); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(r.Context(), model.AuditEntry{
		UserID:       actorEmail(r.Context()),
		Action:       model.ActionDatabaseUpdated,
		ResourceType: model.ResourceDatabase,
		ResourceID:   d.ID,
		ResourceName: d.Name,
	})
	Ok(w, databaseToResponse(d))
}

// Delete handles DELETE /api/v1/databases/{id}. By default backup history
// and blobs are kept and age out through retention; with
// ?delete_backups=true every stored backup for the database is removed with
// its configuration.
func (h *DatabaseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")
	deleteBackups := r.URL.Query().Get("delete_backups") == "true"

	if err := h.catalog.DeleteDatabase(ctx, id); err != nil {
		respondError(w, h.logger, err)
		return
	}

	purged := 0
	if deleteBackups {
		var err error
		if purged, err = h.purgeBackups(ctx, id); err != nil {
			h.logger.Error("backup purge incomplete",
				zap.String("database_id", id), zap.Error(err))
		}
	}

	h.audit.Record(ctx, model.AuditEntry{
		UserID:       actorEmail(ctx),
		Action:       model.ActionDatabaseDeleted,
		ResourceType: model.ResourceDatabase,
		ResourceID:   id,
		Details:      map[string]any{"delete_backups": deleteBackups, "backups_deleted": purged},
	})
	NoContent(w)
}

// purgeBackups removes every history row for the database along with its
// blob, completed or not. Each blob goes before its row, and a blob that is
// already gone is tolerated.
func (h *DatabaseHandler) purgeBackups(ctx context.Context, databaseID string) (int, error) {
	results, _, _, err := h.history.List(ctx, history.Filter{DatabaseID: databaseID}, history.Page{})
	if err != nil {
		return 0, err
	}

	deleted := 0
	var errs []error
	for _, res := range results {
		if res.BlobName != "" {
			if err := h.blobs.Delete(ctx, res.BlobName); err != nil && !errors.Is(err, blob.ErrNotFound) {
				errs = append(errs, err)
				continue
			}
		}
		if err := h.history.Delete(ctx, res); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	return deleted, errors.Join(errs...)
}

// TestConnection handles POST /api/v1/databases/{id}/test-connection.
// Credentials are resolved the same way the scheduler resolves them,
// including engine inheritance. The probe outcome is always a 200.
func (h *DatabaseHandler) TestConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := h.catalog.GetDatabase(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	resolved, err := h.catalog.ResolveDatabase(ctx, d)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	job := model.NewBackupJob(resolved, model.TriggerManual, "", time.Now())
	password, err := h.pipeline.ResolvePassword(ctx, job, resolved.Password)
	if err != nil {
		Ok(w, pipeline.ProbeResult{
			Success:   false,
			Message:   "credential could not be resolved",
			ErrorType: pipeline.ProbeErrorAuth,
		})
		return
	}

	result := h.pipeline.TestConnection(ctx, resolved.DatabaseType,
		resolved.Host, resolved.Port, resolved.Username, password, resolved.DatabaseName)

	h.audit.Record(ctx, model.AuditEntry{
		UserID:       actorEmail(ctx),
		Action:       model.ActionDatabaseTestConnection,
		ResourceType: model.ResourceDatabase,
		ResourceID:   d.ID,
		ResourceName: d.Name,
		Details:      map[string]any{"success": result.Success},
	})
	Ok(w, result)
}

// Trigger handles POST /api/v1/databases/{id}/trigger. It enqueues one
// manual backup job outside the tier schedule.
func (h *DatabaseHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := h.catalog.GetDatabase(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	resolved, err := h.catalog.ResolveDatabase(ctx, d)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if resolved.Username == "" {
		ErrBadRequest(w, "database has no resolvable credentials")
		return
	}

	job := model.NewBackupJob(resolved, model.TriggerManual, "", time.Now())
	if err := h.scheduler.Enqueue(ctx, job); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(ctx, model.AuditEntry{
		UserID:       actorEmail(ctx),
		Action:       model.ActionBackupTriggered,
		ResourceType: model.ResourceDatabase,
		ResourceID:   d.ID,
		ResourceName: d.Name,
		Details:      map[string]any{"job_id": job.ID},
	})
	Ok(w, envelope{"job_id": job.ID})
}
