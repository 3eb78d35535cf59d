package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidevault/tidevault/internal/model"
	"github.com/tidevault/tidevault/internal/tablestore"
)

// GetSettings returns the singleton application settings, seeding defaults
// on first access.
func (s *Service) GetSettings(ctx context.Context) (*model.AppSettings, error) {
	ent, err := s.store.Get(ctx, model.TableSettings, model.PartitionSettings, model.SettingsRowKey)
	if err != nil {
		if errors.Is(err, tablestore.ErrNotFound) {
			defaults := model.DefaultSettings(s.now())
			if err := s.store.Upsert(ctx, model.TableSettings, defaults.ToEntity()); err != nil {
				return nil, fmt.Errorf("catalog: seed settings: %w", err)
			}
			return &defaults, nil
		}
		return nil, fmt.Errorf("catalog: get settings: %w", err)
	}
	return model.SettingsFromEntity(ent), nil
}

// UpdateSettings replaces the application settings.
func (s *Service) UpdateSettings(ctx context.Context, settings *model.AppSettings) error {
	if settings.DefaultPolicyID != "" {
		if _, err := s.GetPolicy(ctx, settings.DefaultPolicyID); err != nil {
			return validationf("Default policy %s does not exist", settings.DefaultPolicyID)
		}
	}
	settings.UpdatedAt = model.EnsureNaiveUTC(s.now())

	if err := s.store.Upsert(ctx, model.TableSettings, settings.ToEntity()); err != nil {
		return fmt.Errorf("catalog: update settings: %w", err)
	}
	return nil
}
