// Package retention prunes backup history against each database's tiered
// policy. One pass runs daily; it snapshots the completed history up front
// and never touches results created after that observation, so a pass can
// overlap live scheduler activity safely.
package retention

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/audit"
	"github.com/tidevault/tidevault/internal/blob"
	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/history"
	"github.com/tidevault/tidevault/internal/metrics"
	"github.com/tidevault/tidevault/internal/model"
)

// Config wires a retention Service.
type Config struct {
	Catalog *catalog.Service
	History *history.Service
	Blobs   blob.Store
	Audit   *audit.Service
	Logger  *zap.Logger

	// FallbackPolicyID is applied to databases whose policy reference is
	// missing or unset.
	FallbackPolicyID string
}

// Service runs retention passes.
type Service struct {
	catalog *catalog.Service
	history *history.Service
	blobs   blob.Store
	audit   *audit.Service
	log     *zap.Logger

	fallbackPolicyID string
	now              func() time.Time
}

// New returns a retention Service.
func New(cfg Config) *Service {
	s := &Service{
		catalog:          cfg.Catalog,
		history:          cfg.History,
		blobs:            cfg.Blobs,
		audit:            cfg.Audit,
		log:              cfg.Logger.Named("retention"),
		fallbackPolicyID: cfg.FallbackPolicyID,
		now:              time.Now,
	}
	if s.fallbackPolicyID == "" {
		s.fallbackPolicyID = "production-standard"
	}
	return s
}

// WithClock overrides the time source, used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// RunPass prunes every database once. Per-database failures are collected
// and do not stop the pass.
func (s *Service) RunPass(ctx context.Context) error {
	passStart := model.EnsureNaiveUTC(s.now())
	s.log.Info("retention pass starting", zap.Time("observed_at", passStart))

	databases, err := s.catalog.ListDatabases(ctx, catalog.DatabaseFilter{})
	if err != nil {
		return fmt.Errorf("retention: list databases: %w", err)
	}

	var errs []error
	totalDeleted := 0
	for _, d := range databases {
		deleted, err := s.pruneDatabase(ctx, d, passStart)
		if err != nil {
			s.log.Error("retention failed for database",
				zap.String("database_id", d.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("database %s: %w", d.ID, err))
			continue
		}
		totalDeleted += deleted
	}

	s.log.Info("retention pass finished",
		zap.Int("databases", len(databases)),
		zap.Int("deleted", totalDeleted),
		zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// pruneDatabase applies one database's effective policy to its completed
// history and returns the number of results deleted.
func (s *Service) pruneDatabase(ctx context.Context, d *model.Database, passStart time.Time) (int, error) {
	policy, err := s.effectivePolicy(ctx, d)
	if err != nil {
		return 0, err
	}

	completed, err := s.history.CompletedForDatabase(ctx, d.ID)
	if err != nil {
		return 0, err
	}

	// Bucket by tier; legacy results without a tier fall under daily.
	buckets := map[model.Tier][]*model.BackupResult{}
	for _, r := range completed {
		if !r.CreatedAt.Before(passStart) {
			continue
		}
		tier := r.Tier
		if tier == "" {
			tier = model.TierDaily
		}
		buckets[tier] = append(buckets[tier], r)
	}

	deleted := 0
	var errs []error
	for _, tier := range model.TierOrder {
		cfg := policy.TierConfigFor(tier)
		if !cfg.Enabled {
			// Disabled tiers keep everything until re-enabled.
			continue
		}
		bucket := buckets[tier]
		if len(bucket) <= cfg.KeepCount {
			continue
		}
		// CompletedForDatabase returns newest-first; everything past the
		// keep window goes.
		for _, r := range bucket[cfg.KeepCount:] {
			if err := s.deleteBackup(ctx, r); err != nil {
				errs = append(errs, err)
				continue
			}
			metrics.RetentionDeleted.WithLabelValues(string(tier)).Inc()
			deleted++
		}
	}

	if deleted > 0 {
		s.audit.Record(ctx, model.AuditEntry{
			Action:       model.ActionBackupDeletedRetention,
			ResourceType: model.ResourceDatabase,
			ResourceID:   d.ID,
			ResourceName: d.Name,
			Details:      map[string]any{"deleted": deleted, "policy_id": policy.ID},
		})
	}
	return deleted, errors.Join(errs...)
}

// deleteBackup removes the blob first, then the history row, so a failure
// in between leaves a row pointing at a missing blob rather than an
// unaccounted blob.
func (s *Service) deleteBackup(ctx context.Context, r *model.BackupResult) error {
	if r.BlobName != "" {
		if err := s.blobs.Delete(ctx, r.BlobName); err != nil && !errors.Is(err, blob.ErrNotFound) {
			return fmt.Errorf("delete blob %s: %w", r.BlobName, err)
		}
	}
	if err := s.history.Delete(ctx, r); err != nil && !errors.Is(err, history.ErrNotFound) {
		return fmt.Errorf("delete result %s: %w", r.ID, err)
	}
	return nil
}

// effectivePolicy resolves a database's policy the same way the scheduler
// does: engine default when inherited, own reference otherwise, fallback
// when missing.
func (s *Service) effectivePolicy(ctx context.Context, d *model.Database) (*model.BackupPolicy, error) {
	resolved, err := s.catalog.ResolveDatabase(ctx, d)
	if err != nil {
		return nil, err
	}
	id := resolved.PolicyID
	if id == "" {
		id = s.fallbackPolicyID
	}
	p, err := s.catalog.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) && id != s.fallbackPolicyID {
			s.log.Warn("policy missing, using fallback",
				zap.String("database_id", d.ID), zap.String("policy_id", id))
			return s.catalog.GetPolicy(ctx, s.fallbackPolicyID)
		}
		return nil, err
	}
	return p, nil
}
