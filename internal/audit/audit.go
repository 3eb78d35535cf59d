// Package audit appends immutable action records. Writes are fire-and-
// forget: an audit failure is logged but never propagates into the calling
// operation, so a broken audit table can not take the API down.
package audit

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/tablestore"
)

// SystemUser is the actor recorded for scheduler and worker actions.
const SystemUser = "system"

// Service writes and reads the audit trail.
type Service struct {
	store tablestore.Store
	log   *zap.Logger
	now   func() time.Time
}

// New returns an audit Service over the given store.
func New(store tablestore.Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log.Named("audit"), now: time.Now}
}

// WithClock overrides the time source, used by tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Record appends one entry. Errors are swallowed after logging.
func (s *Service) Record(ctx context.Context, entry model.AuditEntry) {
	if entry.ID == "" {
		stamped := model.NewAuditEntry(s.now())
		stamped.UserID = entry.UserID
		stamped.UserEmail = entry.UserEmail
		stamped.Action = entry.Action
		stamped.ResourceType = entry.ResourceType
		stamped.ResourceID = entry.ResourceID
		stamped.ResourceName = entry.ResourceName
		stamped.Details = entry.Details
		if entry.Status != "" {
			stamped.Status = entry.Status
		}
		stamped.ErrorMessage = entry.ErrorMessage
		stamped.IPAddress = entry.IPAddress
		entry = stamped
	}
	if entry.UserID == "" {
		entry.UserID = SystemUser
	}

	if err := s.store.Insert(ctx, model.TableAudit, entry.ToEntity()); err != nil {
		s.log.Warn("audit write failed",
			zap.String("action", string(entry.Action)),
			zap.String("resource_id", entry.ResourceID),
			zap.Error(err))
	}
}

// Filter narrows List. Zero values mean "no constraint".
type Filter struct {
	Action       model.AuditAction
	ResourceType model.AuditResourceType
	ResourceID   string
	UserID       string
	Status       model.AuditStatus
	// From and To bound Timestamp, inclusive.
	From time.Time
	To   time.Time
}

// List returns matching entries newest-first, up to limit (0 means all).
// The scan covers month partitions overlapping the filter's time bounds;
// unbounded filters scan the whole table.
func (s *Service) List(ctx context.Context, f Filter, limit int) ([]*model.AuditEntry, error) {
	from, to := "", ""
	if !f.From.IsZero() {
		from = model.MonthPartition(f.From)
	}
	if !f.To.IsZero() {
		to = model.MonthPartition(f.To)
	}

	ents, err := s.store.QueryPartitionRange(ctx, model.TableAudit, from, to)
	if err != nil {
		return nil, fmt.Errorf("audit: list: %w", err)
	}

	var matched []*model.AuditEntry
	for _, ent := range ents {
		e := model.AuditFromEntity(ent)
		if f.Action != "" && e.Action != f.Action {
			continue
		}
		if f.ResourceType != "" && e.ResourceType != f.ResourceType {
			continue
		}
		if f.ResourceID != "" && e.ResourceID != f.ResourceID {
			continue
		}
		if f.UserID != "" && e.UserID != f.UserID {
			continue
		}
		if f.Status != "" && e.Status != f.Status {
			continue
		}
		if !f.From.IsZero() && e.Timestamp.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && e.Timestamp.After(f.To) {
			continue
		}
		matched = append(matched, e)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].Timestamp.After(matched[j].Timestamp)
	})
	if limit > 0 && len(matched) > limit {
		matched = matched[:limit]
	}
	return matched, nil
}
