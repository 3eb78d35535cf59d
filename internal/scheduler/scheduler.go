// Package scheduler owns the policy tick loop. Every tick is an
// independent, idempotent pass over the enabled databases: for each one it
// resolves the effective policy, walks the tiers in fixed order and
// enqueues at most one backup job. It wraps gocron for the tick cadence and
// the daily retention timer.
//
// Jobs run in singleton mode: if a tick is still running when the next one
// fires, the new execution is skipped rather than overlapped.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/history"
	"github.com/tidevault/tidevault/internal/metrics"
	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/queue"
	"github.com/tidevault/tidevault/internal/retention"
)

// DefaultTickInterval is the cadence of the policy evaluation pass.
const DefaultTickInterval = 15 * time.Minute

// Config wires a Scheduler.
type Config struct {
	Catalog   *catalog.Service
	History   *history.Service
	Queue     queue.Queue
	Retention *retention.Service
	Logger    *zap.Logger

	TickInterval time.Duration
	// FallbackPolicyID is applied when a database resolves to no policy or
	// to a missing one.
	FallbackPolicyID string
	// RetentionCron is the daily retention schedule in cron syntax.
	RetentionCron string
}

// Scheduler drives the tick loop and the retention timer.
type Scheduler struct {
	cron      gocron.Scheduler
	catalog   *catalog.Service
	history   *history.Service
	queue     queue.Queue
	retention *retention.Service
	log       *zap.Logger

	tickInterval     time.Duration
	fallbackPolicyID string
	retentionCron    string
	now              func() time.Time
}

// New creates a Scheduler. Call Start to begin ticking.
func New(cfg Config) (*Scheduler, error) {
	gcron, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("scheduler: create gocron scheduler: %w", err)
	}

	s := &Scheduler{
		cron:             gcron,
		catalog:          cfg.Catalog,
		history:          cfg.History,
		queue:            cfg.Queue,
		retention:        cfg.Retention,
		log:              cfg.Logger.Named("scheduler"),
		tickInterval:     cfg.TickInterval,
		fallbackPolicyID: cfg.FallbackPolicyID,
		retentionCron:    cfg.RetentionCron,
		now:              time.Now,
	}
	if s.tickInterval <= 0 {
		s.tickInterval = DefaultTickInterval
	}
	if s.fallbackPolicyID == "" {
		s.fallbackPolicyID = "production-standard"
	}
	if s.retentionCron == "" {
		s.retentionCron = "0 2 * * *"
	}
	// Validate up front so a bad expression fails construction, not Start.
	if _, err := cron.ParseStandard(s.retentionCron); err != nil {
		return nil, fmt.Errorf("scheduler: invalid retention cron %q: %w", s.retentionCron, err)
	}
	return s, nil
}

// Start registers the tick and retention jobs and begins running them.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(s.tickInterval),
		gocron.NewTask(func() {
			if err := s.Tick(ctx); err != nil {
				s.log.Error("tick failed", zap.Error(err))
			}
		}),
		gocron.WithTags("policy-tick"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("scheduler: register tick job: %w", err)
	}

	if s.retention != nil {
		_, err = s.cron.NewJob(
			gocron.CronJob(s.retentionCron, false),
			gocron.NewTask(func() {
				settings, err := s.catalog.GetSettings(ctx)
				if err != nil {
					s.log.Error("retention skipped, settings unavailable", zap.Error(err))
					return
				}
				if !settings.RetentionEnabled {
					s.log.Info("retention disabled in settings, skipping pass")
					return
				}
				if err := s.retention.RunPass(ctx); err != nil {
					s.log.Error("retention pass reported errors", zap.Error(err))
				}
			}),
			gocron.WithTags("retention"),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			return fmt.Errorf("scheduler: register retention job: %w", err)
		}
	}

	s.cron.Start()
	s.log.Info("scheduler started",
		zap.Duration("tick_interval", s.tickInterval),
		zap.String("retention_cron", s.retentionCron))
	return nil
}

// Stop shuts the scheduler down, waiting for running jobs.
func (s *Scheduler) Stop() error {
	return s.cron.Shutdown()
}

// Tick runs one evaluation pass. Exported so the API's manual tick endpoint
// and the tests can drive it directly.
func (s *Scheduler) Tick(ctx context.Context) error {
	now := model.EnsureNaiveUTC(s.now())

	databases, err := s.catalog.ListEnabledDatabases(ctx)
	if err != nil {
		return fmt.Errorf("scheduler: tick: %w", err)
	}

	// Policy lookups repeat heavily across databases within one tick.
	policyCache := map[string]*model.BackupPolicy{}

	enqueued := 0
	var errs []error
	for _, d := range databases {
		job, err := s.evaluateDatabase(ctx, d, now, policyCache)
		if err != nil {
			s.log.Error("database evaluation failed",
				zap.String("database_id", d.ID), zap.Error(err))
			errs = append(errs, fmt.Errorf("database %s: %w", d.ID, err))
			continue
		}
		if job == nil {
			continue
		}
		if err := s.Enqueue(ctx, *job); err != nil {
			errs = append(errs, err)
			continue
		}
		enqueued++
	}

	metrics.SchedulerTicks.Inc()
	if n, err := s.queue.Length(ctx); err == nil {
		metrics.QueueDepth.Set(float64(n))
	}

	s.log.Info("tick finished",
		zap.Time("now", now),
		zap.Int("databases", len(databases)),
		zap.Int("enqueued", enqueued),
		zap.Int("errors", len(errs)))
	return errors.Join(errs...)
}

// evaluateDatabase returns the single job a database produces this tick, or
// nil when nothing is due.
func (s *Scheduler) evaluateDatabase(ctx context.Context, d *model.Database, now time.Time, policyCache map[string]*model.BackupPolicy) (*model.BackupJob, error) {
	resolved, err := s.catalog.ResolveDatabase(ctx, d)
	if err != nil {
		return nil, err
	}

	policy, err := s.policyFor(ctx, resolved.PolicyID, policyCache)
	if err != nil {
		return nil, err
	}

	for _, tier := range model.TierOrder {
		cfg := policy.TierConfigFor(tier)
		if !cfg.Enabled {
			continue
		}

		var last *time.Time
		lastResult, err := s.history.LastBackupFor(ctx, d.ID, tier)
		if err != nil {
			return nil, err
		}
		if lastResult != nil {
			last = &lastResult.CreatedAt
		}

		if !shouldRun(tier, cfg, last, now) {
			continue
		}

		if resolved.Username == "" {
			s.log.Error("no resolvable credentials, skipping database",
				zap.String("database_id", d.ID),
				zap.String("tier", string(tier)))
			return nil, nil
		}

		job := model.NewBackupJob(resolved, model.TriggerScheduler, tier, now)
		s.log.Info("backup due",
			zap.String("database_id", d.ID),
			zap.String("database_name", d.Name),
			zap.String("tier", string(tier)))
		// First due tier wins; one job per database per tick.
		return &job, nil
	}
	return nil, nil
}

// policyFor loads a policy through the tick-local cache, falling back to
// the configured default for blank or dangling references.
func (s *Scheduler) policyFor(ctx context.Context, id string, cache map[string]*model.BackupPolicy) (*model.BackupPolicy, error) {
	if id == "" {
		id = s.fallbackPolicyID
	}
	if p, ok := cache[id]; ok {
		return p, nil
	}

	p, err := s.catalog.GetPolicy(ctx, id)
	if err != nil {
		if errors.Is(err, catalog.ErrNotFound) && id != s.fallbackPolicyID {
			s.log.Warn("policy missing, using fallback", zap.String("policy_id", id))
			p, err = s.catalog.GetPolicy(ctx, s.fallbackPolicyID)
		}
		if err != nil {
			return nil, err
		}
	}
	cache[id] = p
	return p, nil
}

// Enqueue serializes a job onto the queue. Shared by the tick loop and the
// API's manual trigger path.
func (s *Scheduler) Enqueue(ctx context.Context, job model.BackupJob) error {
	body, err := job.Encode()
	if err != nil {
		return err
	}
	if err := s.queue.Enqueue(ctx, body); err != nil {
		return fmt.Errorf("scheduler: enqueue job for database %s: %w", job.DatabaseID, err)
	}
	metrics.JobsEnqueued.WithLabelValues(string(job.Tier), job.TriggeredBy).Inc()
	return nil
}

// WithClock overrides the time source, used by tests.
func (s *Scheduler) WithClock(now func() time.Time) *Scheduler {
	s.now = now
	return s
}
