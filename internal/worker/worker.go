// Package worker runs the pool that drains the backup job queue. Each
// worker holds one message at a time under a long visibility lease, drives
// the pipeline, and records the result lifecycle in history. Processing is
// at-least-once: a worker that dies mid-backup lets the lease lapse and the
// job reappears for another attempt, until the poison threshold retires it.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/audit"
	"github.com/tidevault/tidevault/internal/catalog"
	"github.com/tidevault/tidevault/internal/history"
	"github.com/tidevault/tidevault/internal/metrics"
	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/pipeline"
	"github.com/tidevault/tidevault/internal/queue"
	"github.com/tidevault/tidevault/internal/websocket"
)

// Notifier receives failure alerts. Satisfied by *notification.Service.
type Notifier interface {
	BackupFailed(ctx context.Context, r *model.BackupResult)
}

// EventPublisher receives backup status events. Satisfied by *websocket.Hub.
type EventPublisher interface {
	Publish(topic string, msg websocket.Message)
}

// Defaults for the pool.
const (
	DefaultWorkerCount       = 5
	DefaultVisibilityTimeout = 900 * time.Second
	DefaultPoisonThreshold   = 5
	DefaultIdleDelay         = 5 * time.Second
)

// Config wires a Pool.
type Config struct {
	Queue    queue.Queue
	Catalog  *catalog.Service
	History  *history.Service
	Pipeline *pipeline.Pipeline
	Audit    *audit.Service
	Logger   *zap.Logger

	// Notifier, if set, is told about failed backups.
	Notifier Notifier
	// Events, if set, receives live status events for connected clients.
	Events EventPublisher

	// WorkerCount is the number of concurrent consumers.
	WorkerCount int
	// VisibilityTimeout is the lease taken per received message. The lease
	// is renewed at half-lease intervals while the pipeline runs, so a dump
	// longer than one lease does not reappear under a second worker; only a
	// worker that dies lets it lapse.
	VisibilityTimeout time.Duration
	// PoisonThreshold is the dequeue count at which a persistently failing
	// job is retired instead of retried.
	PoisonThreshold int
	// IdleDelay is the sleep between polls when the queue is empty.
	IdleDelay time.Duration
}

// Pool consumes backup jobs until stopped.
type Pool struct {
	queue    queue.Queue
	catalog  *catalog.Service
	history  *history.Service
	pipeline *pipeline.Pipeline
	audit    *audit.Service
	notifier Notifier
	events   EventPublisher
	log      *zap.Logger

	workerCount     int
	visibility      time.Duration
	poisonThreshold int
	idleDelay       time.Duration
	now             func() time.Time

	wg sync.WaitGroup
}

// New returns a Pool. Call Start to begin consuming.
func New(cfg Config) *Pool {
	p := &Pool{
		queue:           cfg.Queue,
		catalog:         cfg.Catalog,
		history:         cfg.History,
		pipeline:        cfg.Pipeline,
		audit:           cfg.Audit,
		notifier:        cfg.Notifier,
		events:          cfg.Events,
		log:             cfg.Logger.Named("worker"),
		workerCount:     cfg.WorkerCount,
		visibility:      cfg.VisibilityTimeout,
		poisonThreshold: cfg.PoisonThreshold,
		idleDelay:       cfg.IdleDelay,
		now:             time.Now,
	}
	if p.workerCount <= 0 {
		p.workerCount = DefaultWorkerCount
	}
	if p.visibility <= 0 {
		p.visibility = DefaultVisibilityTimeout
	}
	if p.poisonThreshold <= 0 {
		p.poisonThreshold = DefaultPoisonThreshold
	}
	if p.idleDelay <= 0 {
		p.idleDelay = DefaultIdleDelay
	}
	return p
}

// Start launches the workers. They run until ctx is cancelled; Wait blocks
// until all of them have drained.
func (p *Pool) Start(ctx context.Context) {
	p.log.Info("worker pool starting",
		zap.Int("workers", p.workerCount),
		zap.Duration("visibility", p.visibility),
		zap.Int("poison_threshold", p.poisonThreshold))

	for i := 0; i < p.workerCount; i++ {
		p.wg.Add(1)
		go func(id int) {
			defer p.wg.Done()
			p.run(ctx, id)
		}(i)
	}
}

// Wait blocks until every worker has exited.
func (p *Pool) Wait() {
	p.wg.Wait()
	p.log.Info("worker pool stopped")
}

func (p *Pool) run(ctx context.Context, id int) {
	log := p.log.With(zap.Int("worker", id))
	for {
		if ctx.Err() != nil {
			return
		}
		processed, err := p.ProcessOne(ctx)
		if err != nil {
			log.Error("receive failed", zap.Error(err))
		}
		if processed {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(p.idleDelay):
		}
	}
}

// ProcessOne receives and handles a single message. It reports whether a
// message was available; job-level failures are recorded on the result and
// are not returned as errors.
func (p *Pool) ProcessOne(ctx context.Context) (bool, error) {
	msgs, err := p.queue.Receive(ctx, 1, p.visibility)
	if err != nil {
		return false, err
	}
	if len(msgs) == 0 {
		return false, nil
	}
	msg := msgs[0]

	job, err := model.DecodeBackupJob(msg.Body)
	if err != nil {
		// A body that never parses can never succeed; retrying is pointless.
		p.log.Error("dropping undecodable message",
			zap.String("message_id", msg.ID), zap.Error(err))
		p.deleteMessage(ctx, msg)
		return true, nil
	}

	p.handle(ctx, msg, job)
	return true, nil
}

// handle runs one job end to end and settles its queue message.
func (p *Pool) handle(ctx context.Context, msg queue.Message, job model.BackupJob) {
	log := p.log.With(
		zap.String("job_id", job.ID),
		zap.String("database_id", job.DatabaseID),
		zap.String("tier", string(job.Tier)),
		zap.Int("attempt", msg.DequeueCount))

	result := model.NewBackupResult(job, p.now())
	if err := p.history.SaveResult(ctx, result); err != nil {
		// Without a history row there is nothing to report progress on.
		// Leave the message leased; it retries after the visibility lapses.
		log.Error("persist pending result failed", zap.Error(err))
		return
	}

	result.MarkStarted(p.now())
	if err := p.history.SaveResult(ctx, result); err != nil {
		log.Warn("persist in_progress result failed", zap.Error(err))
	}
	p.publishStatus(result)

	stopRenew := p.renewLease(ctx, msg)
	out, runErr := p.execute(ctx, job)
	stopRenew()
	if runErr != nil {
		p.settleFailure(ctx, msg, job, result, runErr, log)
		return
	}

	result.MarkCompleted(out.BlobName, out.BlobURL, out.FileSizeBytes, out.FileFormat, p.now())
	if err := p.history.SaveResult(ctx, result); err != nil {
		log.Error("persist completed result failed", zap.Error(err))
	}

	metrics.BackupsCompleted.WithLabelValues(string(job.DatabaseType), string(model.StatusCompleted)).Inc()
	metrics.BackupDuration.WithLabelValues(string(job.DatabaseType)).Observe(result.DurationSeconds)
	metrics.BackupBytes.WithLabelValues(string(job.DatabaseType)).Observe(float64(out.FileSizeBytes))

	p.audit.Record(ctx, model.AuditEntry{
		Action:       model.ActionBackupCompleted,
		ResourceType: model.ResourceBackup,
		ResourceID:   result.ID,
		ResourceName: job.DatabaseName,
		Details: map[string]any{
			"database_id":     job.DatabaseID,
			"tier":            string(job.Tier),
			"blob_name":       out.BlobName,
			"file_size_bytes": out.FileSizeBytes,
		},
	})

	p.publishStatus(result)
	log.Info("backup completed",
		zap.String("blob_name", out.BlobName),
		zap.Int64("size_bytes", out.FileSizeBytes),
		zap.Float64("duration_seconds", result.DurationSeconds))
	p.deleteMessage(ctx, msg)
}

// execute resolves the credential and runs the pipeline.
func (p *Pool) execute(ctx context.Context, job model.BackupJob) (pipeline.Output, error) {
	password, err := p.resolvePassword(ctx, job)
	if err != nil {
		return pipeline.Output{}, err
	}
	return p.pipeline.Run(ctx, job, password)
}

// resolvePassword loads the catalog row for the dev-mode plaintext fallback.
// A deleted database is a credential failure: the job predates the delete.
func (p *Pool) resolvePassword(ctx context.Context, job model.BackupJob) (string, error) {
	fallback := ""
	d, err := p.catalog.GetDatabase(ctx, job.DatabaseID)
	switch {
	case err == nil:
		if resolved, rerr := p.catalog.ResolveDatabase(ctx, d); rerr == nil {
			fallback = resolved.Password
		}
	case errors.Is(err, catalog.ErrNotFound):
	default:
		return "", fmt.Errorf("load database %s: %w", job.DatabaseID, err)
	}
	return p.pipeline.ResolvePassword(ctx, job, fallback)
}

// settleFailure records a failed attempt and decides the message's fate:
// below the poison threshold the lease is left to lapse so the job retries,
// at the threshold the message is retired for good.
func (p *Pool) settleFailure(ctx context.Context, msg queue.Message, job model.BackupJob, result *model.BackupResult, runErr error, log *zap.Logger) {
	kind := pipeline.KindOf(runErr)
	result.RetryCount = msg.DequeueCount
	result.MarkFailed(runErr.Error(), string(kind), p.now())
	if err := p.history.SaveResult(ctx, result); err != nil {
		log.Error("persist failed result failed", zap.Error(err))
	}

	metrics.BackupsCompleted.WithLabelValues(string(job.DatabaseType), string(model.StatusFailed)).Inc()
	p.publishStatus(result)
	if p.notifier != nil {
		p.notifier.BackupFailed(ctx, result)
	}

	p.audit.Record(ctx, model.AuditEntry{
		Action:       model.ActionBackupFailed,
		ResourceType: model.ResourceBackup,
		ResourceID:   result.ID,
		ResourceName: job.DatabaseName,
		Status:       model.AuditFailed,
		Details: map[string]any{
			"database_id": job.DatabaseID,
			"tier":        string(job.Tier),
			"error_type":  string(kind),
			"attempt":     msg.DequeueCount,
		},
	})

	if msg.DequeueCount >= p.poisonThreshold {
		log.Error("poison message retired",
			zap.String("error_type", string(kind)), zap.Error(runErr))
		metrics.PoisonMessages.Inc()
		p.deleteMessage(ctx, msg)
		return
	}

	log.Warn("backup failed, will retry after visibility lapses",
		zap.String("error_type", string(kind)), zap.Error(runErr))
}

// publishStatus fans a lifecycle event out to the global backups topic and
// the database-scoped topic.
func (p *Pool) publishStatus(r *model.BackupResult) {
	if p.events == nil {
		return
	}
	payload := map[string]any{
		"backup_id":     r.ID,
		"database_id":   r.DatabaseID,
		"database_name": r.DatabaseName,
		"status":        string(r.Status),
		"tier":          string(r.Tier),
	}
	if r.Status == model.StatusFailed {
		payload["error_message"] = r.ErrorMessage
	}
	for _, topic := range []string{websocket.TopicBackups, websocket.TopicDatabase(r.DatabaseID)} {
		p.events.Publish(topic, websocket.Message{
			Type:    websocket.MsgBackupStatus,
			Topic:   topic,
			Payload: payload,
		})
	}
}

// renewLease extends the message's visibility at half-lease intervals until
// the returned stop function is called. A lost receipt ends the loop: the
// message belongs to another consumer and renewing it would steal it back.
func (p *Pool) renewLease(ctx context.Context, msg queue.Message) (stop func()) {
	interval := p.visibility / 2
	if interval <= 0 {
		interval = time.Second
	}

	done := make(chan struct{})
	finished := make(chan struct{})
	go func() {
		defer close(finished)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				err := p.queue.UpdateVisibility(ctx, msg.ID, msg.PopReceipt, p.visibility)
				if err == nil {
					continue
				}
				if errors.Is(err, queue.ErrNotFound) {
					p.log.Warn("lease renewal lost, message re-leased elsewhere",
						zap.String("message_id", msg.ID))
					return
				}
				p.log.Warn("lease renewal failed",
					zap.String("message_id", msg.ID), zap.Error(err))
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() { close(done) })
		<-finished
	}
}

// deleteMessage settles a message, tolerating a stale receipt: if the lease
// already lapsed the message belongs to someone else now.
func (p *Pool) deleteMessage(ctx context.Context, msg queue.Message) {
	if err := p.queue.Delete(ctx, msg.ID, msg.PopReceipt); err != nil {
		if errors.Is(err, queue.ErrNotFound) {
			p.log.Warn("pop receipt stale, message re-leased elsewhere",
				zap.String("message_id", msg.ID))
			return
		}
		p.log.Error("delete message failed",
			zap.String("message_id", msg.ID), zap.Error(err))
	}
}
