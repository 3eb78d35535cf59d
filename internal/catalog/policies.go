package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/tablestore"
)

// SeedDefaultPolicies inserts the system policies if they are missing.
// Existing records, system or customized, are never overwritten.
func (s *Service) SeedDefaultPolicies(ctx context.Context) error {
	for _, p := range model.DefaultPolicies(s.now()) {
		p := p
		err := s.store.Insert(ctx, model.TablePolicies, p.ToEntity())
		if err != nil {
			if errors.Is(err, tablestore.ErrConflict) {
				continue
			}
			return fmt.Errorf("catalog: seed policy %s: %w", p.ID, err)
		}
		s.log.Info("seeded system policy", zap.String("policy_id", p.ID), zap.String("retention", p.Summary()))
	}
	return nil
}

// CreatePolicy validates and stores a custom policy.
func (s *Service) CreatePolicy(ctx context.Context, p *model.BackupPolicy) error {
	if p.Name == "" {
		return validationf("Policy name is required")
	}
	if err := p.Validate(); err != nil {
		return &ValidationError{Message: err.Error()}
	}
	p.IsSystem = false

	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	now := model.EnsureNaiveUTC(s.now())
	p.CreatedAt = now
	p.UpdatedAt = now

	if err := s.store.Insert(ctx, model.TablePolicies, p.ToEntity()); err != nil {
		return fmt.Errorf("catalog: create policy: %w", err)
	}
	s.log.Info("policy created", zap.String("policy_id", p.ID), zap.String("retention", p.Summary()))
	return nil
}

// GetPolicy retrieves one policy by id.
func (s *Service) GetPolicy(ctx context.Context, id string) (*model.BackupPolicy, error) {
	ent, err := s.store.Get(ctx, model.TablePolicies, model.PartitionPolicy, id)
	if err != nil {
		return nil, notFound(err)
	}
	return model.PolicyFromEntity(ent), nil
}

// ListPolicies returns every policy.
func (s *Service) ListPolicies(ctx context.Context) ([]*model.BackupPolicy, error) {
	ents, err := s.store.ListPartition(ctx, model.TablePolicies, model.PartitionPolicy)
	if err != nil {
		return nil, fmt.Errorf("catalog: list policies: %w", err)
	}
	out := make([]*model.BackupPolicy, 0, len(ents))
	for _, ent := range ents {
		out = append(out, model.PolicyFromEntity(ent))
	}
	return out, nil
}

// UpdatePolicy replaces a policy's tier configuration. System policies keep
// their identity fields but their tiers are editable.
func (s *Service) UpdatePolicy(ctx context.Context, p *model.BackupPolicy) error {
	if err := p.Validate(); err != nil {
		return &ValidationError{Message: err.Error()}
	}

	current, err := s.GetPolicy(ctx, p.ID)
	if err != nil {
		return err
	}
	if current.IsSystem {
		p.Name = current.Name
		p.IsSystem = true
	}
	p.CreatedAt = current.CreatedAt
	p.UpdatedAt = model.EnsureNaiveUTC(s.now())

	if err := s.store.Upsert(ctx, model.TablePolicies, p.ToEntity()); err != nil {
		return fmt.Errorf("catalog: update policy: %w", err)
	}
	return nil
}

// DeletePolicy removes a custom policy. System policies and policies still
// referenced by a database are rejected.
func (s *Service) DeletePolicy(ctx context.Context, id string) error {
	p, err := s.GetPolicy(ctx, id)
	if err != nil {
		return err
	}
	if p.IsSystem {
		return ErrSystemPolicy
	}

	n, err := s.policyUseCount(ctx, id)
	if err != nil {
		return err
	}
	if n > 0 {
		return &InUseError{
			Message: fmt.Sprintf("Policy is in use by %d database(s)", n),
			Count:   n,
		}
	}

	if err := s.store.Delete(ctx, model.TablePolicies, model.PartitionPolicy, id); err != nil {
		return notFound(err)
	}
	s.log.Info("policy deleted", zap.String("policy_id", id))
	return nil
}

// policyUseCount counts direct references from databases plus engine
// defaults inherited through use_engine_policy.
func (s *Service) policyUseCount(ctx context.Context, id string) (int, error) {
	dbs, err := s.ListDatabases(ctx, DatabaseFilter{})
	if err != nil {
		return 0, err
	}
	engines, err := s.ListEngines(ctx, EngineFilter{})
	if err != nil {
		return 0, err
	}
	engineUses := map[string]string{}
	for _, e := range engines {
		engineUses[e.ID] = e.PolicyID
	}

	n := 0
	for _, d := range dbs {
		if d.UseEnginePolicy {
			if engineUses[d.EngineID] == id {
				n++
			}
			continue
		}
		if d.PolicyID == id {
			n++
		}
	}
	return n, nil
}
