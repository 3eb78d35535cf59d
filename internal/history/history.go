// Package history persists backup results. Results are partitioned by
// creation date and row-keyed with an inverted-tick prefix, so partition
// scans come back newest-first without sorting on payload columns.
package history

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/tablestore"
)

// ErrNotFound is returned when the requested result does not exist.
var ErrNotFound = errors.New("backup result not found")

// Service exposes backup history operations over the entity store.
type Service struct {
	store tablestore.Store
	log   *zap.Logger
}

// New returns a history Service over the given store.
func New(store tablestore.Store, log *zap.Logger) *Service {
	return &Service{store: store, log: log.Named("history")}
}

// SaveResult writes a result. The same result is saved repeatedly across
// its lifecycle; CreatedAt never changes so every save lands on the same
// row.
func (s *Service) SaveResult(ctx context.Context, r *model.BackupResult) error {
	if r.CreatedAt.IsZero() {
		return fmt.Errorf("history: save result %s: created_at not set", r.ID)
	}
	if err := s.store.Upsert(ctx, model.TableHistory, r.ToEntity()); err != nil {
		return fmt.Errorf("history: save result %s: %w", r.ID, err)
	}
	return nil
}

// Filter narrows List. Zero values mean "no constraint".
type Filter struct {
	DatabaseID string
	// DatabaseIDs restricts to any of the given ids. Ignored when
	// DatabaseID is set.
	DatabaseIDs  []string
	Status       model.BackupStatus
	Tier         model.Tier
	TriggeredBy  string
	DatabaseType model.EngineType
	// From and To bound CreatedAt, inclusive.
	From time.Time
	To   time.Time
}

func (f Filter) matchesDatabase(id string) bool {
	if f.DatabaseID != "" {
		return id == f.DatabaseID
	}
	if len(f.DatabaseIDs) == 0 {
		return true
	}
	for _, want := range f.DatabaseIDs {
		if id == want {
			return true
		}
	}
	return false
}

// Page controls List pagination.
type Page struct {
	Offset int
	Limit  int
}

// List returns matching results newest-first, the total match count and
// whether more pages follow. With no date bounds the scan covers the whole
// table; callers that care should bound the range.
func (s *Service) List(ctx context.Context, f Filter, p Page) ([]*model.BackupResult, int, bool, error) {
	from, to := "", ""
	if !f.From.IsZero() {
		from = model.DatePartition(f.From)
	}
	if !f.To.IsZero() {
		to = model.DatePartition(f.To)
	}

	ents, err := s.store.QueryPartitionRange(ctx, model.TableHistory, from, to)
	if err != nil {
		return nil, 0, false, fmt.Errorf("history: list: %w", err)
	}

	var matched []*model.BackupResult
	for _, ent := range ents {
		r := model.ResultFromEntity(ent)
		if !f.matchesDatabase(r.DatabaseID) {
			continue
		}
		if f.Status != "" && r.Status != f.Status {
			continue
		}
		if f.Tier != "" && r.Tier != f.Tier {
			continue
		}
		if f.TriggeredBy != "" && r.TriggeredBy != f.TriggeredBy {
			continue
		}
		if f.DatabaseType != "" && r.DatabaseType != f.DatabaseType {
			continue
		}
		if !f.From.IsZero() && r.CreatedAt.Before(f.From) {
			continue
		}
		if !f.To.IsZero() && r.CreatedAt.After(f.To) {
			continue
		}
		matched = append(matched, r)
	}

	// Partitions come back date-ascending with newest-first rows inside each;
	// one global newest-first sort gives the API ordering.
	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	if p.Offset > total {
		p.Offset = total
	}
	end := total
	if p.Limit > 0 && p.Offset+p.Limit < end {
		end = p.Offset + p.Limit
	}
	return matched[p.Offset:end], total, end < total, nil
}

// Get retrieves one result by id, scanning the optional date bounds.
func (s *Service) Get(ctx context.Context, id string) (*model.BackupResult, error) {
	ents, err := s.store.QueryPartitionRange(ctx, model.TableHistory, "", "")
	if err != nil {
		return nil, fmt.Errorf("history: get %s: %w", id, err)
	}
	for _, ent := range ents {
		r := model.ResultFromEntity(ent)
		if r.ID == id {
			return r, nil
		}
	}
	return nil, ErrNotFound
}

// Delete removes one result row.
func (s *Service) Delete(ctx context.Context, r *model.BackupResult) error {
	err := s.store.Delete(ctx, model.TableHistory, model.DatePartition(r.CreatedAt), r.RowKey())
	if err != nil {
		if errors.Is(err, tablestore.ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("history: delete %s: %w", r.ID, err)
	}
	return nil
}

// LastBackupFor returns the most recent completed result for one database
// and tier, or nil when none exists. Legacy results with no tier recorded
// count toward the daily tier.
func (s *Service) LastBackupFor(ctx context.Context, databaseID string, tier model.Tier) (*model.BackupResult, error) {
	ents, err := s.store.QueryPartitionRange(ctx, model.TableHistory, "", "")
	if err != nil {
		return nil, fmt.Errorf("history: last backup for %s/%s: %w", databaseID, tier, err)
	}

	var last *model.BackupResult
	for _, ent := range ents {
		r := model.ResultFromEntity(ent)
		if r.DatabaseID != databaseID || r.Status != model.StatusCompleted {
			continue
		}
		effective := r.Tier
		if effective == "" {
			effective = model.TierDaily
		}
		if effective != tier {
			continue
		}
		if last == nil || r.CreatedAt.After(last.CreatedAt) {
			last = r
		}
	}
	return last, nil
}

// CompletedForDatabase returns every completed result for one database,
// newest-first. The retention pass works from this snapshot.
func (s *Service) CompletedForDatabase(ctx context.Context, databaseID string) ([]*model.BackupResult, error) {
	results, _, _, err := s.List(ctx, Filter{DatabaseID: databaseID, Status: model.StatusCompleted}, Page{})
	return results, err
}
