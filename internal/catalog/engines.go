package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/tablestore"
)

// CreateEngine validates and stores a new engine. The (host, port, type)
// triple must be unique across the catalog.
func (s *Service) CreateEngine(ctx context.Context, e *model.Engine) error {
	if err := s.validateEngine(e); err != nil {
		return err
	}

	existing, err := s.ListEngines(ctx, EngineFilter{})
	if err != nil {
		return err
	}
	for _, other := range existing {
		if strings.EqualFold(other.Host, e.Host) && other.Port == e.Port && other.EngineType == e.EngineType {
			return validationf("An engine for %s:%d (%s) already exists", e.Host, e.Port, e.EngineType)
		}
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	now := model.EnsureNaiveUTC(s.now())
	e.CreatedAt = now
	e.UpdatedAt = now

	ent, err := s.engineEntity(e)
	if err != nil {
		return err
	}
	if err := s.store.Insert(ctx, model.TableCatalog, ent); err != nil {
		return fmt.Errorf("catalog: create engine: %w", err)
	}
	s.log.Info("engine created",
		zap.String("engine_id", e.ID),
		zap.String("engine_type", string(e.EngineType)),
		zap.String("host", e.Host))
	return nil
}

// GetEngine retrieves one engine by id.
func (s *Service) GetEngine(ctx context.Context, id string) (*model.Engine, error) {
	ent, err := s.store.Get(ctx, model.TableCatalog, model.PartitionEngine, id)
	if err != nil {
		return nil, notFound(err)
	}
	return s.engineFromEntity(ent)
}

// EngineFilter narrows ListEngines. Zero values mean "no constraint".
type EngineFilter struct {
	Type model.EngineType
	Host string
	// Search matches the engine name or host, case-insensitive substring.
	Search string
}

func (f EngineFilter) matches(e *model.Engine) bool {
	if f.Type != "" && e.EngineType != f.Type {
		return false
	}
	if f.Host != "" && !strings.EqualFold(e.Host, f.Host) {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		hay := strings.ToLower(e.Name + " " + e.Host)
		if !strings.Contains(hay, needle) {
			return false
		}
	}
	return true
}

// ListEngines returns the engines matching the filter, row-key order.
func (s *Service) ListEngines(ctx context.Context, f EngineFilter) ([]*model.Engine, error) {
	ents, err := s.store.ListPartition(ctx, model.TableCatalog, model.PartitionEngine)
	if err != nil {
		return nil, fmt.Errorf("catalog: list engines: %w", err)
	}
	out := make([]*model.Engine, 0, len(ents))
	for _, ent := range ents {
		e, err := s.engineFromEntity(ent)
		if err != nil {
			return nil, err
		}
		if f.matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

// UpdateEngine replaces an existing engine's configuration. A blank password
// on the update keeps the stored one, so the UI never has to echo secrets
// back.
func (s *Service) UpdateEngine(ctx context.Context, e *model.Engine) error {
	if err := s.validateEngine(e); err != nil {
		return err
	}

	current, err := s.GetEngine(ctx, e.ID)
	if err != nil {
		return err
	}

	if e.Password == "" {
		e.Password = current.Password
	}
	if e.PasswordSecretName == "" {
		e.PasswordSecretName = current.PasswordSecretName
	}
	e.CreatedAt = current.CreatedAt
	e.CreatedBy = current.CreatedBy
	e.UpdatedAt = model.EnsureNaiveUTC(s.now())

	ent, err := s.engineEntity(e)
	if err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, model.TableCatalog, ent); err != nil {
		return fmt.Errorf("catalog: update engine: %w", err)
	}
	return nil
}

// DeleteEngine removes an engine. When databases still reference it the
// delete is rejected unless cascade is set, in which case the databases are
// deleted too (their backups are left to retention).
func (s *Service) DeleteEngine(ctx context.Context, id string, cascade bool) error {
	if _, err := s.GetEngine(ctx, id); err != nil {
		return err
	}

	linked, err := s.DatabasesForEngine(ctx, id)
	if err != nil {
		return err
	}
	if len(linked) > 0 && !cascade {
		return &InUseError{
			Message: fmt.Sprintf("Engine is in use by %d database(s)", len(linked)),
			Count:   len(linked),
		}
	}

	for _, d := range linked {
		if err := s.store.Delete(ctx, model.TableCatalog, model.PartitionDatabase, d.ID); err != nil {
			return fmt.Errorf("catalog: cascade delete database %s: %w", d.ID, err)
		}
	}

	if err := s.store.Delete(ctx, model.TableCatalog, model.PartitionEngine, id); err != nil {
		return fmt.Errorf("catalog: delete engine: %w", notFound(err))
	}
	s.log.Info("engine deleted", zap.String("engine_id", id), zap.Int("cascaded_databases", len(linked)))
	return nil
}

// TouchEngineDiscovery records a completed discovery run.
func (s *Service) TouchEngineDiscovery(ctx context.Context, id string) error {
	e, err := s.GetEngine(ctx, id)
	if err != nil {
		return err
	}
	now := model.EnsureNaiveUTC(s.now())
	e.LastDiscovery = &now
	e.UpdatedAt = now
	ent, err := s.engineEntity(e)
	if err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, model.TableCatalog, ent); err != nil {
		return fmt.Errorf("catalog: touch engine discovery: %w", err)
	}
	return nil
}

// engineEntity builds the table representation, sealing the stored password
// at rest when a cipher is configured. The caller's engine is not mutated.
func (s *Service) engineEntity(e *model.Engine) (tablestore.Entity, error) {
	sealed, err := s.sealPassword(e.Password)
	if err != nil {
		return tablestore.Entity{}, err
	}
	cp := *e
	cp.Password = sealed
	return cp.ToEntity(s.allowPlaintext), nil
}

// engineFromEntity rebuilds an engine from its table representation, opening
// a sealed password.
func (s *Service) engineFromEntity(ent tablestore.Entity) (*model.Engine, error) {
	e := model.EngineFromEntity(ent)
	pw, err := s.openPassword(e.Password)
	if err != nil {
		return nil, err
	}
	e.Password = pw
	return e, nil
}

func (s *Service) validateEngine(e *model.Engine) error {
	if e.Name == "" {
		return validationf("Engine name is required")
	}
	if !model.ValidEngineType(string(e.EngineType)) {
		return validationf("Unsupported engine type %q", e.EngineType)
	}
	if e.Host == "" {
		return validationf("Engine host is required")
	}
	if e.Port == 0 {
		e.Port = e.EngineType.DefaultPort()
	}
	if e.Port < 1 || e.Port > 65535 {
		return validationf("Engine port must be in [1,65535], got %d", e.Port)
	}
	if e.AuthMethod == "" {
		e.AuthMethod = model.AuthUserPassword
	}
	if e.Password != "" && !s.allowPlaintext {
		return validationf("Plaintext passwords are disabled; set a password secret name instead")
	}
	return nil
}
