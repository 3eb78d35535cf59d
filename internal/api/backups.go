package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/blob"
	"github.com/tidevault/tidevault/internal/history"
	"github.com/tidevault/tidevault/internal/model"
)

// BackupHandler serves the backup history and artifact downloads.
type BackupHandler struct {
	history *history.Service
	blobs   blob.Store
	audit   auditRecorder
	logger  *zap.Logger
}

// NewBackupHandler creates a new BackupHandler.
func NewBackupHandler(hist *history.Service, blobs blob.Store, aud auditRecorder, logger *zap.Logger) *BackupHandler {
	return &BackupHandler{
		history: hist,
		blobs:   blobs,
		audit:   aud,
		logger:  logger.Named("backup_handler"),
	}
}

// backupResponse is the JSON representation of a backup result.
type backupResponse struct {
	ID              string  `json:"id"`
	JobID           string  `json:"job_id"`
	DatabaseID      string  `json:"database_id"`
	DatabaseName    string  `json:"database_name"`
	DatabaseType    string  `json:"database_type"`
	Status          string  `json:"status"`
	StartedAt       *string `json:"started_at"`
	CompletedAt     *string `json:"completed_at"`
	DurationSeconds float64 `json:"duration_seconds"`
	BlobName        string  `json:"blob_name"`
	FileSizeBytes   int64   `json:"file_size_bytes"`
	FileFormat      string  `json:"file_format"`
	ErrorMessage    string  `json:"error_message,omitempty"`
	ErrorDetails    string  `json:"error_details,omitempty"`
	RetryCount      int     `json:"retry_count"`
	TriggeredBy     string  `json:"triggered_by"`
	Tier            string  `json:"tier"`
	CreatedAt       string  `json:"created_at"`
}

func backupToResponse(r *model.BackupResult) backupResponse {
	resp := backupResponse{
		ID:              r.ID,
		JobID:           r.JobID,
		DatabaseID:      r.DatabaseID,
		DatabaseName:    r.DatabaseName,
		DatabaseType:    string(r.DatabaseType),
		Status:          string(r.Status),
		DurationSeconds: r.DurationSeconds,
		BlobName:        r.BlobName,
		FileSizeBytes:   r.FileSizeBytes,
		FileFormat:      r.FileFormat,
		ErrorMessage:    r.ErrorMessage,
		ErrorDetails:    r.ErrorDetails,
		RetryCount:      r.RetryCount,
		TriggeredBy:     r.TriggeredBy,
		Tier:            string(r.Tier),
		CreatedAt:       r.CreatedAt.Format(timeLayout),
	}
	if r.StartedAt != nil {
		s := r.StartedAt.Format(timeLayout)
		resp.StartedAt = &s
	}
	if r.CompletedAt != nil {
		s := r.CompletedAt.Format(timeLayout)
		resp.CompletedAt = &s
	}
	return resp
}

// listBackupsResponse wraps a paginated backup listing.
type listBackupsResponse struct {
	Items   []backupResponse `json:"items"`
	Total   int              `json:"total"`
	HasMore bool             `json:"has_more"`
}

// List handles GET /api/v1/backups. Supported query parameters:
// database_id, database_ids (comma-separated), status, tier, triggered_by,
// type, from, to (YYYY-MM-DD dates), offset, limit.
func (h *BackupHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	f := history.Filter{
		DatabaseID:   q.Get("database_id"),
		Status:       model.BackupStatus(q.Get("status")),
		Tier:         model.Tier(q.Get("tier")),
		TriggeredBy:  q.Get("triggered_by"),
		DatabaseType: model.EngineType(q.Get("type")),
	}
	if v := q.Get("database_ids"); v != "" {
		f.DatabaseIDs = strings.Split(v, ",")
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
		// Inclusive end of day.
		f.To = t.Add(24*time.Hour - time.Second)
	}

	p := history.Page{Limit: 50}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			p.Offset = n
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 && n <= 500 {
			p.Limit = n
		}
	}

	results, total, hasMore, err := h.history.List(r.Context(), f, p)
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	items := make([]backupResponse, len(results))
	for i, res := range results {
		items[i] = backupToResponse(res)
	}
	Ok(w, listBackupsResponse{Items: items, Total: total, HasMore: hasMore})
}

// Get handles GET /api/v1/backups/{id}.
func (h *BackupHandler) Get(w http.ResponseWriter, r *http.Request) {
	res, err := h.history.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	Ok(w, backupToResponse(res))
}

// Download handles GET /api/v1/backups/{id}/download, streaming the stored
// artifact.
func (h *BackupHandler) Download(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.history.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}
	if res.Status != model.StatusCompleted || res.BlobName == "" {
		ErrBadRequest(w, "backup has no stored artifact")
		return
	}

	rc, info, err := h.blobs.Open(ctx, res.BlobName)
	if err != nil {
		respondError(w, h.logger, mapBlobErr(err))
		return
	}
	defer rc.Close()

	h.audit.Record(ctx, model.AuditEntry{
		UserID:       actorEmail(ctx),
		Action:       model.ActionBackupDownloaded,
		ResourceType: model.ResourceBackup,
		ResourceID:   res.ID,
		ResourceName: res.DatabaseName,
		Details:      map[string]any{"blob_name": res.BlobName},
	})

	w.Header().Set("Content-Type", info.ContentType)
	w.Header().Set("Content-Length", strconv.FormatInt(info.SizeBytes, 10))
	w.Header().Set("Content-Disposition", "attachment; filename=\""+downloadName(res)+"\"")
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("download interrupted", zap.String("backup_id", res.ID), zap.Error(err))
	}
}

// downloadName derives the client-facing filename from the blob path.
func downloadName(res *model.BackupResult) string {
	name := res.BlobName
	for i := len(name) - 1; i >= 0; i-- {
		if name[i] == '/' {
			return name[i+1:]
		}
	}
	return name
}

// Delete handles DELETE /api/v1/backups/{id}. The blob is removed first so
// a partial failure leaves a row pointing at a missing blob rather than an
// unaccounted blob.
func (h *BackupHandler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	res, err := h.history.Get(ctx, chi.URLParam(r, "id"))
	if err != nil {
		respondError(w, h.logger, err)
		return
	}

	if err := h.deleteOne(ctx, res); err != nil {
		respondError(w, h.logger, err)
		return
	}

	h.audit.Record(ctx, model.AuditEntry{
		UserID:       actorEmail(ctx),
		Action:       model.ActionBackupDeleted,
		ResourceType: model.ResourceBackup,
		ResourceID:   res.ID,
		ResourceName: res.DatabaseName,
		Details:      map[string]any{"blob_name": res.BlobName},
	})
	NoContent(w)
}

// deleteBulkRequest is the JSON body for POST /api/v1/backups/delete-bulk.
type deleteBulkRequest struct {
	IDs []string `json:"ids"`
}

// deleteBulkResponse reports the per-id outcome of a bulk delete.
type deleteBulkResponse struct {
	Deleted int      `json:"deleted"`
	Failed  []string `json:"failed,omitempty"`
}

// DeleteBulk handles POST /api/v1/backups/delete-bulk. Failures on
// individual ids do not stop the batch.
func (h *BackupHandler) DeleteBulk(w http.ResponseWriter, r *http.Request) {
	var req deleteBulkRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if len(req.IDs) == 0 {
		ErrBadRequest(w, "ids is required")
		return
	}

	ctx := r.Context()
	resp := deleteBulkResponse{}
	for _, id := range req.IDs {
		res, err := h.history.Get(ctx, id)
		if err != nil {
			resp.Failed = append(resp.Failed, id)
			continue
		}
		if err := h.deleteOne(ctx, res); err != nil {
			h.logger.Error("bulk delete entry failed", zap.String("backup_id", id), zap.Error(err))
			resp.Failed = append(resp.Failed, id)
			continue
		}
		resp.Deleted++
	}

	h.audit.Record(ctx, model.AuditEntry{
		UserID:       actorEmail(ctx),
		Action:       model.ActionBackupDeletedBulk,
		ResourceType: model.ResourceBackup,
		Details:      map[string]any{"deleted": resp.Deleted, "failed": len(resp.Failed)},
	})
	Ok(w, resp)
}

// deleteOne removes the artifact and then the history row. A blob already
// gone is tolerated; the row must go regardless.
func (h *BackupHandler) deleteOne(ctx context.Context, res *model.BackupResult) error {
	if res.BlobName != "" {
		if err := h.blobs.Delete(ctx, res.BlobName); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return err
		}
	}
	return h.history.Delete(ctx, res)
}

// mapBlobErr translates the blob store's sentinel for respondError.
func mapBlobErr(err error) error {
	if errors.Is(err, blob.ErrNotFound) {
		return history.ErrNotFound
	}
	return err
}
