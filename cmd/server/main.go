package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/api"
	"github.com/tidevault/tidevault/internal/audit"
	"github.com/tidevault/tidevault/internal/auth"
	"github.com/tidevault/tidevault/internal/blob"
	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/db"
	"github.com/tidevault/tidevault/internal/history"
	"github.com/tidevault/tidevault/internal/notification"
	"github.com/tidevault/tidevault/internal/pipeline"
	"github.com/tidevault/tidevault/internal/queue"
	"github.com/tidevault/tidevault/internal/retention"
	"github.com/tidevault/tidevault/internal/scheduler"
	"github.com/tidevault/tidevault/internal/secrets"
	"github.com/tidevault/tidevault/internal/tablestore"
	"github.com/tidevault/tidevault/internal/websocket"
	"github.com/tidevault/tidevault/internal/worker"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

type config struct {
	httpAddr  string
	dbDriver  string
	dbDSN     string
	logLevel  string
	queueName string

	blobDir string
	bakDir  string

	secretsMode     string
	secretsPrefix   string
	secretsDir      string
	secretKey       string
	plaintextDev    bool
	fallbackPolicy  string
	tickInterval    time.Duration
	retentionCron   string
	workerCount     int
	visibility      time.Duration
	poisonThreshold int
	dumpTimeout     time.Duration
	probeTimeout    time.Duration

	jwtPrivateKey string
	jwtPublicKey  string
	jwtIssuer     string

	smtpHost     string
	smtpPort     int
	smtpUsername string
	smtpPassword string
	smtpFrom     string
	smtpTLS      bool

	webhookURL    string
	webhookSecret string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cfg := &config{}

	root := &cobra.Command{
		Use:   "tidevault-server",
		Short: "Tidevault server — policy-driven database backup orchestrator",
		Long: `Tidevault server schedules, executes and retains database backups
for MySQL, PostgreSQL and SQL Server. It exposes a REST API for the
web GUI, evaluates tiered backup policies on a fixed cadence, and
runs an embedded worker pool that streams dumps into blob storage.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cfg)
		},
	}

	root.AddCommand(newVersionCmd())

	f := root.PersistentFlags()
	f.StringVar(&cfg.httpAddr, "http-addr", envOrDefault("TIDEVAULT_HTTP_ADDR", ":8080"), "HTTP API listen address")
	f.StringVar(&cfg.dbDriver, "db-driver", envOrDefault("TIDEVAULT_DB_DRIVER", "sqlite"), "Database driver (sqlite or postgres)")
	f.StringVar(&cfg.dbDSN, "db-dsn", envOrDefault("TIDEVAULT_DB_DSN", "./tidevault.db"), "Database DSN or file path for SQLite")
	f.StringVar(&cfg.logLevel, "log-level", envOrDefault("TIDEVAULT_LOG_LEVEL", "info"), "Log level (debug, info, warn, error)")
	f.StringVar(&cfg.queueName, "queue-name", envOrDefault("TIDEVAULT_QUEUE_NAME", "backup-jobs"), "Backup job queue name (scheduler enqueues to it, workers consume from it)")
	f.StringVar(&cfg.blobDir, "blob-dir", envOrDefault("TIDEVAULT_BLOB_DIR", "./blobs"), "Directory backing the backup blob store")
	f.StringVar(&cfg.bakDir, "bak-dir", envOrDefault("TIDEVAULT_BAK_DIR", ""), "Staging directory for SQL Server .bak files (must be readable by both sqlcmd and this server)")
	f.StringVar(&cfg.secretsMode, "secrets-mode", envOrDefault("TIDEVAULT_SECRETS_MODE", "env"), "Credential secret source: env or file")
	f.StringVar(&cfg.secretsPrefix, "secrets-prefix", envOrDefault("TIDEVAULT_SECRETS_PREFIX", "TIDEVAULT_SECRET_"), "Environment variable prefix for env secrets")
	f.StringVar(&cfg.secretsDir, "secrets-dir", envOrDefault("TIDEVAULT_SECRETS_DIR", "/run/secrets"), "Directory for file secrets, one file per secret")
	f.StringVar(&cfg.secretKey, "secret-key", envOrDefault("TIDEVAULT_SECRET_KEY", ""), "32-byte master key; when set, catalog-stored credentials are encrypted at rest")
	f.BoolVar(&cfg.plaintextDev, "allow-plaintext-secrets", envOrDefault("TIDEVAULT_ALLOW_PLAINTEXT_SECRETS", "") == "true", "Store plaintext credentials in the catalog (development only)")
	f.StringVar(&cfg.fallbackPolicy, "fallback-policy", envOrDefault("TIDEVAULT_FALLBACK_POLICY", "production-standard"), "Policy applied to databases with a missing policy reference")
	f.DurationVar(&cfg.tickInterval, "tick-interval", envDurationOrDefault("TIDEVAULT_TICK_INTERVAL", scheduler.DefaultTickInterval), "Policy evaluation cadence")
	f.StringVar(&cfg.retentionCron, "retention-cron", envOrDefault("TIDEVAULT_RETENTION_CRON", "0 2 * * *"), "Daily retention pass schedule (cron syntax, UTC)")
	f.IntVar(&cfg.workerCount, "workers", envIntOrDefault("TIDEVAULT_WORKERS", worker.DefaultWorkerCount), "Backup worker count")
	f.DurationVar(&cfg.visibility, "visibility-timeout", envDurationOrDefault("TIDEVAULT_VISIBILITY_TIMEOUT", worker.DefaultVisibilityTimeout), "Queue message lease duration")
	f.IntVar(&cfg.poisonThreshold, "poison-threshold", envIntOrDefault("TIDEVAULT_POISON_THRESHOLD", worker.DefaultPoisonThreshold), "Delivery count after which a failing job is retired")
	f.DurationVar(&cfg.dumpTimeout, "dump-timeout", envDurationOrDefault("TIDEVAULT_DUMP_TIMEOUT", 0), "Per-backup dump timeout (0 uses the built-in default)")
	f.DurationVar(&cfg.probeTimeout, "probe-timeout", envDurationOrDefault("TIDEVAULT_PROBE_TIMEOUT", 0), "Connection probe timeout (0 uses the built-in default)")
	f.StringVar(&cfg.jwtPrivateKey, "jwt-private-key", envOrDefault("TIDEVAULT_JWT_PRIVATE_KEY", ""), "Path to the RSA private key for signing tokens (empty generates an ephemeral pair)")
	f.StringVar(&cfg.jwtPublicKey, "jwt-public-key", envOrDefault("TIDEVAULT_JWT_PUBLIC_KEY", ""), "Path to the RSA public key for verifying tokens")
	f.StringVar(&cfg.jwtIssuer, "jwt-issuer", envOrDefault("TIDEVAULT_JWT_ISSUER", "tidevault"), "JWT issuer claim")
	f.StringVar(&cfg.smtpHost, "smtp-host", envOrDefault("TIDEVAULT_SMTP_HOST", ""), "SMTP server host for failure notifications (empty disables email)")
	f.IntVar(&cfg.smtpPort, "smtp-port", envIntOrDefault("TIDEVAULT_SMTP_PORT", 587), "SMTP server port")
	f.StringVar(&cfg.smtpUsername, "smtp-username", envOrDefault("TIDEVAULT_SMTP_USERNAME", ""), "SMTP username (empty skips authentication)")
	f.StringVar(&cfg.smtpPassword, "smtp-password", envOrDefault("TIDEVAULT_SMTP_PASSWORD", ""), "SMTP password")
	f.StringVar(&cfg.smtpFrom, "smtp-from", envOrDefault("TIDEVAULT_SMTP_FROM", "tidevault@localhost"), "From address for notification email")
	f.BoolVar(&cfg.smtpTLS, "smtp-tls", envOrDefault("TIDEVAULT_SMTP_TLS", "") == "true", "Use implicit TLS for SMTP (port 465 style)")
	f.StringVar(&cfg.webhookURL, "notify-webhook-url", envOrDefault("TIDEVAULT_NOTIFY_WEBHOOK_URL", ""), "Webhook URL for failure notifications (empty disables)")
	f.StringVar(&cfg.webhookSecret, "notify-webhook-secret", envOrDefault("TIDEVAULT_NOTIFY_WEBHOOK_SECRET", ""), "HMAC secret for signing webhook payloads")

	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("tidevault-server %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context, cfg *config) error {
	logger, err := buildLogger(cfg.logLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	logger.Info("starting tidevault server",
		zap.String("version", version),
		zap.String("http_addr", cfg.httpAddr),
		zap.String("db_driver", cfg.dbDriver),
		zap.Duration("tick_interval", cfg.tickInterval),
		zap.Int("workers", cfg.workerCount),
	)

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	database, err := db.Open(ctx, db.Config{
		Driver: cfg.dbDriver,
		DSN:    cfg.dbDSN,
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer func() {
		if sqlDB, err := database.DB(); err == nil {
			sqlDB.Close()
		}
	}()

	store := tablestore.New(database)

	catOpts, err := catalogOptions(cfg)
	if err != nil {
		return err
	}
	cat := catalog.New(store, logger, catOpts...)
	hist := history.New(store, logger)
	aud := audit.New(store, logger)

	if err := cat.SeedDefaultPolicies(ctx); err != nil {
		return fmt.Errorf("seed default policies: %w", err)
	}

	blobs, err := blob.NewFS(cfg.blobDir)
	if err != nil {
		return err
	}

	resolver, err := buildSecrets(cfg)
	if err != nil {
		return err
	}

	pl := pipeline.New(pipeline.Config{
		Blobs:        blobs,
		Secrets:      resolver,
		Logger:       logger,
		DumpTimeout:  cfg.dumpTimeout,
		ProbeTimeout: cfg.probeTimeout,
		BakDir:       cfg.bakDir,
	})

	q := queue.New(database, cfg.queueName)

	ret := retention.New(retention.Config{
		Catalog:          cat,
		History:          hist,
		Blobs:            blobs,
		Audit:            aud,
		Logger:           logger,
		FallbackPolicyID: cfg.fallbackPolicy,
	})

	sched, err := scheduler.New(scheduler.Config{
		Catalog:          cat,
		History:          hist,
		Queue:            q,
		Retention:        ret,
		Logger:           logger,
		TickInterval:     cfg.tickInterval,
		FallbackPolicyID: cfg.fallbackPolicy,
		RetentionCron:    cfg.retentionCron,
	})
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}
	defer sched.Stop() //nolint:errcheck

	hub := websocket.NewHub()
	go hub.Run(ctx)

	notifier := notification.New(notification.Config{
		Catalog: cat,
		Logger:  logger,
		SMTP:    smtpConfig(cfg),
		Webhook: webhookConfig(cfg),
	})

	pool := worker.New(worker.Config{
		Queue:             q,
		Catalog:           cat,
		History:           hist,
		Pipeline:          pl,
		Audit:             aud,
		Notifier:          notifier,
		Events:            hub,
		Logger:            logger,
		WorkerCount:       cfg.workerCount,
		VisibilityTimeout: cfg.visibility,
		PoisonThreshold:   cfg.poisonThreshold,
	})
	pool.Start(ctx)

	jwtMgr, err := buildJWT(cfg, logger)
	if err != nil {
		return err
	}
	authSvc := auth.NewService(cat, aud, jwtMgr, logger)

	router := api.NewRouter(api.RouterConfig{
		Auth:      authSvc,
		Catalog:   cat,
		History:   hist,
		Audit:     aud,
		Blobs:     blobs,
		Pipeline:  pl,
		Queue:     q,
		Scheduler: sched,
		Secrets:   resolver,
		Events:    hub,
		Logger:    logger,
	})

	server := &http.Server{
		Addr:              cfg.httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", zap.String("addr", cfg.httpAddr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down tidevault server")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}

	// Workers observe ctx cancellation; wait for in-flight backups to settle.
	pool.Wait()
	return nil
}

// catalogOptions maps the credential storage flags onto catalog options:
// a master key seals stored credentials, the plaintext flag stores them
// verbatim, and with neither the catalog only accepts secret names.
func catalogOptions(cfg *config) ([]catalog.Option, error) {
	if cfg.secretKey != "" {
		cipher, err := secrets.NewCipher([]byte(cfg.secretKey))
		if err != nil {
			return nil, err
		}
		return []catalog.Option{catalog.WithCipher(cipher)}, nil
	}
	if cfg.plaintextDev {
		return []catalog.Option{catalog.WithPlaintextSecrets()}, nil
	}
	return nil, nil
}

func smtpConfig(cfg *config) *notification.SMTPConfig {
	if cfg.smtpHost == "" {
		return nil
	}
	return &notification.SMTPConfig{
		Host:     cfg.smtpHost,
		Port:     cfg.smtpPort,
		Username: cfg.smtpUsername,
		Password: cfg.smtpPassword,
		From:     cfg.smtpFrom,
		TLS:      cfg.smtpTLS,
	}
}

func webhookConfig(cfg *config) *notification.WebhookConfig {
	if cfg.webhookURL == "" {
		return nil
	}
	return &notification.WebhookConfig{
		URL:    cfg.webhookURL,
		Secret: cfg.webhookSecret,
	}
}

func buildSecrets(cfg *config) (secrets.Resolver, error) {
	switch cfg.secretsMode {
	case "env":
		return secrets.NewEnv(cfg.secretsPrefix), nil
	case "file":
		return secrets.NewFile(cfg.secretsDir), nil
	default:
		return nil, fmt.Errorf("unsupported secrets mode %q, use \"env\" or \"file\"", cfg.secretsMode)
	}
}

// buildJWT loads the signing keypair from disk, or generates an ephemeral
// one, which invalidates all sessions on restart.
func buildJWT(cfg *config, logger *zap.Logger) (*auth.JWTManager, error) {
	if cfg.jwtPrivateKey != "" && cfg.jwtPublicKey != "" {
		return auth.NewJWTManagerFromFiles(cfg.jwtPrivateKey, cfg.jwtPublicKey, cfg.jwtIssuer)
	}
	logger.Warn("no JWT keypair configured, generating an ephemeral one; sessions will not survive restarts")
	return auth.NewJWTManagerGenerated(cfg.jwtIssuer)
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func envIntOrDefault(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return defaultVal
}
