package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/blob"
	"github.com/tidevault/tidevault/internal/history"
	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/queue"
)

// healthResponse is the body of GET /healthz. Status is "ok" only when every
// dependency probe passes; a degraded instance still answers 200 so load
// balancers keep routing while operators investigate the component fields.
type healthResponse struct {
	Status         string   `json:"status"`
	Database       string   `json:"database"`
	BlobStore      string   `json:"blob_store"`
	QueueDepth     int64    `json:"queue_depth"`
	SuccessRate24h *float64 `json:"success_rate_24h"`
}

// HealthHandler probes the server's dependencies.
type HealthHandler struct {
	history *history.Service
	blobs   blob.Store
	queue   queue.Queue
	log     *zap.Logger
	now     func() time.Time
}

func NewHealthHandler(hist *history.Service, blobs blob.Store, q queue.Queue, log *zap.Logger) *HealthHandler {
	return &HealthHandler{
		history: hist,
		blobs:   blobs,
		queue:   q,
		log:     log.Named("health"),
		now:     time.Now,
	}
}

// Check handles GET /healthz.
func (h *HealthHandler) Check(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	resp := healthResponse{Status: "ok", Database: "ok", BlobStore: "ok"}

	if _, _, _, err := h.history.List(ctx, history.Filter{}, history.Page{Limit: 1}); err != nil {
		h.log.Warn("database probe failed", zap.Error(err))
		resp.Database = "unavailable"
		resp.Status = "degraded"
	}

	if err := h.probeBlobs(ctx); err != nil {
		h.log.Warn("blob store probe failed", zap.Error(err))
		resp.BlobStore = "unavailable"
		resp.Status = "degraded"
	}

	if n, err := h.queue.Length(ctx); err == nil {
		resp.QueueDepth = n
	} else {
		h.log.Warn("queue probe failed", zap.Error(err))
		resp.Status = "degraded"
	}

	resp.SuccessRate24h = h.successRate(ctx)

	JSON(w, http.StatusOK, envelope{"data": resp})
}

// probeBlobs opens a name that should not exist; ErrNotFound proves the
// store answered.
func (h *HealthHandler) probeBlobs(ctx context.Context) error {
	rc, _, err := h.blobs.Open(ctx, ".healthz-probe")
	if err == nil {
		rc.Close()
		return nil
	}
	if errors.Is(err, blob.ErrNotFound) {
		return nil
	}
	return err
}

// successRate returns the completed fraction of terminal backups over the
// last 24 hours, or nil when there were none.
func (h *HealthHandler) successRate(ctx context.Context) *float64 {
	now := h.now().UTC()
	results, _, _, err := h.history.List(ctx,
		history.Filter{From: now.Add(-24 * time.Hour), To: now},
		history.Page{Limit: 500})
	if err != nil {
		h.log.Warn("success rate query failed", zap.Error(err))
		return nil
	}

	completed, terminal := 0, 0
	for _, r := range results {
		switch r.Status {
		case model.StatusCompleted:
			completed++
			terminal++
		case model.StatusFailed:
			terminal++
		}
	}
	if terminal == 0 {
		return nil
	}
	rate := float64(completed) / float64(terminal)
	return &rate
}
