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

// CreateDatabase validates and stores a new database configuration.
func (s *Service) CreateDatabase(ctx context.Context, d *model.Database) error {
	if err := s.validateDatabase(ctx, d); err != nil {
		return err
	}

	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	now := model.EnsureNaiveUTC(s.now())
	d.CreatedAt = now
	d.UpdatedAt = now

	ent, err := s.databaseEntity(d)
	if err != nil {
		return err
	}
	if err := s.store.Insert(ctx, model.TableCatalog, ent); err != nil {
		return fmt.Errorf("catalog: create database: %w", err)
	}
	s.log.Info("database created",
		zap.String("database_id", d.ID),
		zap.String("database_type", string(d.DatabaseType)),
		zap.String("name", d.Name))
	return nil
}

// GetDatabase retrieves one database configuration by id.
func (s *Service) GetDatabase(ctx context.Context, id string) (*model.Database, error) {
	ent, err := s.store.Get(ctx, model.TableCatalog, model.PartitionDatabase, id)
	if err != nil {
		return nil, notFound(err)
	}
	return s.databaseFromEntity(ent)
}

// DatabaseFilter narrows ListDatabases. Zero values mean "no constraint".
type DatabaseFilter struct {
	EnabledOnly bool
	Type        model.EngineType
	Host        string
	EngineID    string
	PolicyID    string
	// Search matches the display name, target database name or host,
	// case-insensitive substring.
	Search string
}

func (f DatabaseFilter) matches(d *model.Database) bool {
	if f.EnabledOnly && !d.Enabled {
		return false
	}
	if f.Type != "" && d.DatabaseType != f.Type {
		return false
	}
	if f.Host != "" && !strings.EqualFold(d.Host, f.Host) {
		return false
	}
	if f.EngineID != "" && d.EngineID != f.EngineID {
		return false
	}
	if f.PolicyID != "" && d.PolicyID != f.PolicyID {
		return false
	}
	if f.Search != "" {
		needle := strings.ToLower(f.Search)
		hay := strings.ToLower(d.Name + " " + d.DatabaseName + " " + d.Host)
		if !strings.Contains(hay, needle) {
			return false
		}
	}
	return true
}

// ListDatabases returns the database configurations matching the filter.
func (s *Service) ListDatabases(ctx context.Context, f DatabaseFilter) ([]*model.Database, error) {
	ents, err := s.store.ListPartition(ctx, model.TableCatalog, model.PartitionDatabase)
	if err != nil {
		return nil, fmt.Errorf("catalog: list databases: %w", err)
	}
	out := make([]*model.Database, 0, len(ents))
	for _, ent := range ents {
		d, err := s.databaseFromEntity(ent)
		if err != nil {
			return nil, err
		}
		if f.matches(d) {
			out = append(out, d)
		}
	}
	return out, nil
}

// ListEnabledDatabases returns only the databases the scheduler considers.
func (s *Service) ListEnabledDatabases(ctx context.Context) ([]*model.Database, error) {
	return s.ListDatabases(ctx, DatabaseFilter{EnabledOnly: true})
}

// DatabasesForEngine returns the databases referencing one engine.
func (s *Service) DatabasesForEngine(ctx context.Context, engineID string) ([]*model.Database, error) {
	return s.ListDatabases(ctx, DatabaseFilter{EngineID: engineID})
}

// UpdateDatabase replaces an existing database configuration. A blank
// password keeps the stored one.
func (s *Service) UpdateDatabase(ctx context.Context, d *model.Database) error {
	if err := s.validateDatabase(ctx, d); err != nil {
		return err
	}

	current, err := s.GetDatabase(ctx, d.ID)
	if err != nil {
		return err
	}

	if d.Password == "" {
		d.Password = current.Password
	}
	if d.PasswordSecretName == "" {
		d.PasswordSecretName = current.PasswordSecretName
	}
	d.CreatedAt = current.CreatedAt
	d.CreatedBy = current.CreatedBy
	d.UpdatedAt = model.EnsureNaiveUTC(s.now())

	ent, err := s.databaseEntity(d)
	if err != nil {
		return err
	}
	if err := s.store.Upsert(ctx, model.TableCatalog, ent); err != nil {
		return fmt.Errorf("catalog: update database: %w", err)
	}
	return nil
}

// DeleteDatabase removes a database configuration. Backup history and blobs
// are untouched here; the caller passes them to the history layer when the
// delete_backups flag is set.
func (s *Service) DeleteDatabase(ctx context.Context, id string) error {
	if err := s.store.Delete(ctx, model.TableCatalog, model.PartitionDatabase, id); err != nil {
		return notFound(err)
	}
	s.log.Info("database deleted", zap.String("database_id", id))
	return nil
}

// ResolveDatabase materializes engine-inherited fields onto a copy of the
// database: credentials and policy references flow from the engine when the
// corresponding use_engine_* flag is set. The returned value is what the
// scheduler and manual trigger dispatch from.
func (s *Service) ResolveDatabase(ctx context.Context, d *model.Database) (*model.Database, error) {
	resolved := *d
	if !d.UseEngineCredentials && !d.UseEnginePolicy {
		return &resolved, nil
	}
	if d.EngineID == "" {
		return nil, validationf("Database %s inherits from an engine but has no engine_id", d.ID)
	}

	e, err := s.GetEngine(ctx, d.EngineID)
	if err != nil {
		return nil, fmt.Errorf("catalog: resolve database %s: engine %s: %w", d.ID, d.EngineID, err)
	}

	if d.UseEngineCredentials {
		resolved.Host = e.Host
		resolved.Port = e.Port
		resolved.Username = e.Username
		resolved.Password = e.Password
		resolved.PasswordSecretName = e.PasswordSecretName
	}
	if d.UseEnginePolicy && e.PolicyID != "" {
		resolved.PolicyID = e.PolicyID
	}
	return &resolved, nil
}

// databaseEntity builds the table representation, sealing the stored
// password at rest when a cipher is configured.
func (s *Service) databaseEntity(d *model.Database) (tablestore.Entity, error) {
	sealed, err := s.sealPassword(d.Password)
	if err != nil {
		return tablestore.Entity{}, err
	}
	cp := *d
	cp.Password = sealed
	return cp.ToEntity(s.allowPlaintext), nil
}

// databaseFromEntity rebuilds a database from its table representation,
// opening a sealed password.
func (s *Service) databaseFromEntity(ent tablestore.Entity) (*model.Database, error) {
	d := model.DatabaseFromEntity(ent)
	pw, err := s.openPassword(d.Password)
	if err != nil {
		return nil, err
	}
	d.Password = pw
	return d, nil
}

func (s *Service) validateDatabase(ctx context.Context, d *model.Database) error {
	if d.Name == "" {
		return validationf("Database name is required")
	}
	if !model.ValidEngineType(string(d.DatabaseType)) {
		return validationf("Unsupported database type %q", d.DatabaseType)
	}
	if d.DatabaseName == "" {
		return validationf("Target database name is required")
	}
	if d.EngineID != "" {
		if _, err := s.GetEngine(ctx, d.EngineID); err != nil {
			return validationf("Engine %s does not exist", d.EngineID)
		}
	}
	if !d.UseEngineCredentials {
		if d.Host == "" {
			return validationf("Database host is required")
		}
		if d.Port == 0 {
			d.Port = d.DatabaseType.DefaultPort()
		}
	}
	if d.UseEngineCredentials && d.EngineID == "" {
		return validationf("use_engine_credentials requires an engine_id")
	}
	if d.UseEnginePolicy && d.EngineID == "" {
		return validationf("use_engine_policy requires an engine_id")
	}
	if d.PolicyID != "" && !d.UseEnginePolicy {
		if _, err := s.GetPolicy(ctx, d.PolicyID); err != nil {
			return validationf("Policy %s does not exist", d.PolicyID)
		}
	}
	if d.Password != "" && !s.allowPlaintext {
		return validationf("Plaintext passwords are disabled; set a password secret name instead")
	}
	return nil
}
