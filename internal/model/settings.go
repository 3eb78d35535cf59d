package model

import (
	"time"

	"github.com/tidevault/tidevault/internal/tablestore"
)

// SettingsRowKey is the row key of the singleton settings record.
const SettingsRowKey = "app"

// AppSettings is the mutable application configuration that admins can
// change at runtime without redeploying. A single record exists.
type AppSettings struct {
	// DefaultPolicyID is assigned to databases created without an explicit
	// policy and to scheduler fallback when a referenced policy is missing.
	DefaultPolicyID string

	// RetentionEnabled gates the daily retention pass.
	RetentionEnabled bool

	// NotifyOnFailure enables failure notification hooks.
	NotifyOnFailure bool
	NotifyEmail     string

	UpdatedAt time.Time
	UpdatedBy string
}

// DefaultSettings returns the settings seeded on first start.
func DefaultSettings(now time.Time) AppSettings {
	return AppSettings{
		DefaultPolicyID:  "production-standard",
		RetentionEnabled: true,
		UpdatedAt:        EnsureNaiveUTC(now),
		UpdatedBy:        "system",
	}
}

// ToEntity converts the settings to their table representation.
func (s *AppSettings) ToEntity() tablestore.Entity {
	return tablestore.Entity{
		PartitionKey: PartitionSettings,
		RowKey:       SettingsRowKey,
		Properties: map[string]any{
			"default_policy_id": s.DefaultPolicyID,
			"retention_enabled": s.RetentionEnabled,
			"notify_on_failure": s.NotifyOnFailure,
			"notify_email":      s.NotifyEmail,
			"updated_at":        formatTime(s.UpdatedAt),
			"updated_by":        s.UpdatedBy,
		},
	}
}

// SettingsFromEntity rebuilds AppSettings from their table representation.
func SettingsFromEntity(ent tablestore.Entity) *AppSettings {
	p := ent.Properties
	return &AppSettings{
		DefaultPolicyID:  propString(p, "default_policy_id"),
		RetentionEnabled: propBool(p, "retention_enabled"),
		NotifyOnFailure:  propBool(p, "notify_on_failure"),
		NotifyEmail:      propString(p, "notify_email"),
		UpdatedAt:        propTime(p, "updated_at"),
		UpdatedBy:        propString(p, "updated_by"),
	}
}
