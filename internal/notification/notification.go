// Package notification delivers backup failure alerts. Delivery is gated by
// the application settings (notify_on_failure, notify_email) so operators
// control it at runtime without a restart; the transport endpoints (SMTP
// server, webhook URL) are fixed deployment configuration.
//
// Sends are fire-and-forget from the worker's point of view: a failed
// delivery is logged and never affects the backup result.
package notification

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/model"
)

// SMTPConfig is the mail transport configuration.
//
// TLS selects implicit TLS (SMTPS, typically port 465); when false the
// connection uses plaintext or STARTTLS negotiation (port 25/587).
type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
	TLS      bool
}

// WebhookConfig is the outbound HTTP notification configuration. Secret, if
// set, signs request bodies with HMAC-SHA256.
type WebhookConfig struct {
	URL    string
	Secret string
}

// Config wires a notification Service. Nil SMTP and Webhook disable the
// respective channel.
type Config struct {
	Catalog *catalog.Service
	Logger  *zap.Logger
	SMTP    *SMTPConfig
	Webhook *WebhookConfig
}

// Service sends backup failure notifications over the configured channels.
type Service struct {
	catalog *catalog.Service
	log     *zap.Logger
	email   *emailSender
	webhook *webhookSender
}

// New returns a notification Service.
func New(cfg Config) *Service {
	s := &Service{
		catalog: cfg.Catalog,
		log:     cfg.Logger.Named("notification"),
	}
	if cfg.SMTP != nil {
		s.email = newEmailSender(*cfg.SMTP)
	}
	if cfg.Webhook != nil && cfg.Webhook.URL != "" {
		s.webhook = newWebhookSender(*cfg.Webhook)
	}
	return s
}

// BackupFailed notifies the configured channels about a failed backup.
// Errors are logged, never returned.
func (s *Service) BackupFailed(ctx context.Context, r *model.BackupResult) {
	settings, err := s.catalog.GetSettings(ctx)
	if err != nil {
		s.log.Warn("failed to load settings, skipping notification", zap.Error(err))
		return
	}
	if !settings.NotifyOnFailure {
		return
	}

	subject := fmt.Sprintf("Backup failed: %s", r.DatabaseName)
	body := failureBody(r)

	if s.email != nil && settings.NotifyEmail != "" {
		if err := s.email.Send(ctx, []string{settings.NotifyEmail}, subject, body); err != nil {
			s.log.Warn("email notification failed",
				zap.String("backup_id", r.ID),
				zap.Error(err))
		}
	}

	if s.webhook != nil {
		payload := map[string]any{
			"backup_id":     r.ID,
			"database_id":   r.DatabaseID,
			"database_name": r.DatabaseName,
			"tier":          string(r.Tier),
			"error_message": r.ErrorMessage,
			"error_details": r.ErrorDetails,
			"retry_count":   r.RetryCount,
		}
		if err := s.webhook.Send(ctx, "backup.failed", subject, body, payload); err != nil {
			s.log.Warn("webhook notification failed",
				zap.String("backup_id", r.ID),
				zap.Error(err))
		}
	}
}

func failureBody(r *model.BackupResult) string {
	when := r.CreatedAt.Format(time.RFC3339)
	if r.CompletedAt != nil {
		when = r.CompletedAt.Format(time.RFC3339)
	}
	return fmt.Sprintf(
		"Backup of %q (%s) failed at %s.\n\nError: %s\nKind: %s\nAttempt: %d\n",
		r.DatabaseName, r.DatabaseType, when, r.ErrorMessage, r.ErrorDetails, r.RetryCount+1)
}
