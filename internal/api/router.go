package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/audit"
	"github.com/tidevault/tidevault/internal/auth"
	"github.com/tidevault/tidevault/internal/blob"
	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/history"
	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/pipeline"
	"github.com/tidevault/tidevault/internal/queue"
	"github.com/tidevault/tidevault/internal/scheduler"
	"github.com/tidevault/tidevault/internal/secrets"
	"github.com/tidevault/tidevault/internal/websocket"
)

// auditRecorder is the slice of the audit service handlers use.
type auditRecorder interface {
	Record(ctx context.Context, entry model.AuditEntry)
}

// RouterConfig holds all dependencies needed to build the HTTP router. It is
// populated in main.go after all components are initialized and passed to
// NewRouter as a single struct to keep the constructor signature manageable.
type RouterConfig struct {
	Auth      *auth.Service
	Catalog   *catalog.Service
	History   *history.Service
	Audit     *audit.Service
	Blobs     blob.Store
	Pipeline  *pipeline.Pipeline
	Queue     queue.Queue
	Scheduler *scheduler.Scheduler
	Secrets   secrets.Resolver
	Events    *websocket.Hub
	Logger    *zap.Logger
}

// NewRouter builds and returns the fully configured Chi router. All
// resources are registered under /api/v1; /healthz and /metrics are served
// unauthenticated at the root.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID per request, used in logs for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers and returns a 500 instead of
	// crashing the server.
	r.Use(middleware.Recoverer)

	authHandler := NewAuthHandler(cfg.Auth, cfg.Catalog, cfg.Logger)
	engineHandler := NewEngineHandler(cfg.Catalog, cfg.Pipeline, cfg.Secrets, cfg.Audit, cfg.Logger)
	databaseHandler := NewDatabaseHandler(cfg.Catalog, cfg.Pipeline, cfg.Scheduler, cfg.History, cfg.Blobs, cfg.Audit, cfg.Logger)
	backupHandler := NewBackupHandler(cfg.History, cfg.Blobs, cfg.Audit, cfg.Logger)
	policyHandler := NewPolicyHandler(cfg.Catalog, cfg.Audit, cfg.Logger)
	userHandler := NewUserHandler(cfg.Catalog, cfg.Audit, cfg.Logger)
	accessHandler := NewAccessRequestHandler(cfg.Catalog, cfg.Audit, cfg.Logger)
	auditHandler := NewAuditHandler(cfg.Audit, cfg.Logger)
	settingsHandler := NewSettingsHandler(cfg.Catalog, cfg.Audit, cfg.Logger)

	jwtMgr := cfg.Auth.JWTManager()

	healthHandler := NewHealthHandler(cfg.History, cfg.Blobs, cfg.Queue, cfg.Logger)
	r.Get("/healthz", healthHandler.Check)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {

		// Public routes: no authentication required.
		r.Group(func(r chi.Router) {
			r.Post("/auth/login", authHandler.Login)
			r.Post("/access-requests", accessHandler.Submit)
		})

		// Authenticated routes: valid JWT required. Reads are open to every
		// role; writes additionally require admin or operator.
		r.Group(func(r chi.Router) {
			r.Use(Authenticate(jwtMgr))

			r.Get("/users/me", authHandler.Me)

			// Engines
			r.Get("/engines", engineHandler.List)
			r.Get("/engines/{id}", engineHandler.Get)
			r.With(RequireWriter).Post("/engines", engineHandler.Create)
			r.With(RequireWriter).Put("/engines/{id}", engineHandler.Update)
			r.With(RequireWriter).Delete("/engines/{id}", engineHandler.Delete)
			r.With(RequireWriter).Post("/engines/{id}/test-connection", engineHandler.TestConnection)
			r.With(RequireWriter).Post("/engines/{id}/discover", engineHandler.Discover)

			// Databases
			r.Get("/databases", databaseHandler.List)
			r.Get("/databases/{id}", databaseHandler.Get)
			r.With(RequireWriter).Post("/databases", databaseHandler.Create)
			r.With(RequireWriter).Put("/databases/{id}", databaseHandler.Update)
			r.With(RequireWriter).Delete("/databases/{id}", databaseHandler.Delete)
			r.With(RequireWriter).Post("/databases/{id}/test-connection", databaseHandler.TestConnection)
			r.With(RequireWriter).Post("/databases/{id}/trigger", databaseHandler.Trigger)

			// Backups
			r.Get("/backups", backupHandler.List)
			r.Get("/backups/{id}", backupHandler.Get)
			r.Get("/backups/{id}/download", backupHandler.Download)
			r.With(RequireWriter).Delete("/backups/{id}", backupHandler.Delete)
			r.With(RequireWriter).Post("/backups/delete-bulk", backupHandler.DeleteBulk)

			// Backup policies
			r.Get("/backup-policies", policyHandler.List)
			r.Get("/backup-policies/{id}", policyHandler.Get)
			r.With(RequireWriter).Post("/backup-policies", policyHandler.Create)
			r.With(RequireWriter).Put("/backup-policies/{id}", policyHandler.Update)
			r.With(RequireWriter).Delete("/backup-policies/{id}", policyHandler.Delete)

			// Settings
			r.Get("/settings", settingsHandler.Get)
			r.With(RequireWriter).Put("/settings", settingsHandler.Update)

			// Audit trail
			r.Get("/audit", auditHandler.List)

			// Live backup status events
			if cfg.Events != nil {
				wsHandler := NewWSHandler(cfg.Events, cfg.Logger)
				r.Get("/ws", wsHandler.Serve)
			}

			// Admin-only routes
			r.Group(func(r chi.Router) {
				r.Use(RequireAdmin)

				r.Get("/users", userHandler.List)
				r.Post("/users", userHandler.Create)
				r.Get("/users/{email}", userHandler.Get)
				r.Put("/users/{email}", userHandler.Update)
				r.Delete("/users/{email}", userHandler.Delete)

				r.Get("/access-requests", accessHandler.List)
				r.Post("/access-requests/{id}/approve", accessHandler.Approve)
				r.Post("/access-requests/{id}/reject", accessHandler.Reject)
			})
		})
	})

	return r
}
