package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/tidevault/tidevault/internal/tablestore"
)

// Tier is one schedule+retention unit within a policy.
type Tier string

const (
	TierHourly  Tier = "hourly"
	TierDaily   Tier = "daily"
	TierWeekly  Tier = "weekly"
	TierMonthly Tier = "monthly"
	TierYearly  Tier = "yearly"
)

// TierOrder is the fixed evaluation order used by the scheduler: the first
// tier that is due produces the tick's single job for a database.
var TierOrder = []Tier{TierHourly, TierDaily, TierWeekly, TierMonthly, TierYearly}

// TierConfig is the schedule and retention configuration for a single tier.
// Which schedule fields are meaningful depends on the tier:
//
//	hourly:  IntervalHours
//	daily:   Time
//	weekly:  DayOfWeek + Time
//	monthly: DayOfMonth + Time
//	yearly:  Month + DayOfMonth + Time
type TierConfig struct {
	Enabled   bool `json:"enabled"`
	KeepCount int  `json:"keep_count"`

	IntervalHours int    `json:"interval_hours,omitempty"` // [1,12]
	Time          string `json:"time,omitempty"`           // "HH:MM"
	DayOfWeek     int    `json:"day_of_week,omitempty"`    // 0=Sunday .. 6=Saturday
	DayOfMonth    int    `json:"day_of_month,omitempty"`   // [1,28], capped to dodge February
	Month         int    `json:"month,omitempty"`          // [1,12]
}

// Validate checks the tier-specific schedule parameters. tier selects which
// fields are checked; disabled tiers are always valid.
func (c TierConfig) Validate(tier Tier) error {
	if !c.Enabled {
		return nil
	}
	if c.KeepCount < 0 {
		return fmt.Errorf("model: %s keep_count must be >= 0", tier)
	}

	switch tier {
	case TierHourly:
		if c.IntervalHours < 1 || c.IntervalHours > 12 {
			return fmt.Errorf("model: hourly interval_hours must be in [1,12], got %d", c.IntervalHours)
		}
		return nil
	case TierYearly:
		if c.Month < 1 || c.Month > 12 {
			return fmt.Errorf("model: yearly month must be in [1,12], got %d", c.Month)
		}
		fallthrough
	case TierMonthly:
		if c.DayOfMonth < 1 || c.DayOfMonth > 28 {
			return fmt.Errorf("model: %s day_of_month must be in [1,28], got %d", tier, c.DayOfMonth)
		}
	case TierWeekly:
		if c.DayOfWeek < 0 || c.DayOfWeek > 6 {
			return fmt.Errorf("model: weekly day_of_week must be in [0,6], got %d", c.DayOfWeek)
		}
	}

	if _, _, err := ParseClock(c.Time); err != nil {
		return err
	}
	return nil
}

// BackupPolicy bundles the five tier configurations plus identity.
// System policies are seeded at startup and cannot be deleted.
type BackupPolicy struct {
	ID          string
	Name        string
	Description string
	IsSystem    bool

	Hourly  TierConfig
	Daily   TierConfig
	Weekly  TierConfig
	Monthly TierConfig
	Yearly  TierConfig

	CreatedAt time.Time
	UpdatedAt time.Time
}

// TierConfigFor returns the configuration block for the named tier.
func (p *BackupPolicy) TierConfigFor(tier Tier) TierConfig {
	switch tier {
	case TierHourly:
		return p.Hourly
	case TierDaily:
		return p.Daily
	case TierWeekly:
		return p.Weekly
	case TierMonthly:
		return p.Monthly
	case TierYearly:
		return p.Yearly
	}
	return TierConfig{}
}

// Validate checks every tier block.
func (p *BackupPolicy) Validate() error {
	for _, tier := range TierOrder {
		if err := p.TierConfigFor(tier).Validate(tier); err != nil {
			return err
		}
	}
	return nil
}

// Summary renders the compact keep-count form, e.g. "24h/15d/8w/4m/2y".
func (p *BackupPolicy) Summary() string {
	var parts []string
	add := func(cfg TierConfig, suffix string) {
		if cfg.Enabled && cfg.KeepCount > 0 {
			parts = append(parts, fmt.Sprintf("%d%s", cfg.KeepCount, suffix))
		}
	}
	add(p.Hourly, "h")
	add(p.Daily, "d")
	add(p.Weekly, "w")
	add(p.Monthly, "m")
	add(p.Yearly, "y")
	if len(parts) == 0 {
		return "No retention"
	}
	return strings.Join(parts, "/")
}

// ToEntity converts the policy to its table representation. Tier fields are
// flattened into prefixed properties so all tiers round-trip losslessly.
func (p *BackupPolicy) ToEntity() tablestore.Entity {
	props := map[string]any{
		"name":        p.Name,
		"description": p.Description,
		"is_system":   p.IsSystem,

		"hourly_enabled":        p.Hourly.Enabled,
		"hourly_keep_count":     p.Hourly.KeepCount,
		"hourly_interval_hours": p.Hourly.IntervalHours,

		"daily_enabled":    p.Daily.Enabled,
		"daily_keep_count": p.Daily.KeepCount,
		"daily_time":       p.Daily.Time,

		"weekly_enabled":     p.Weekly.Enabled,
		"weekly_keep_count":  p.Weekly.KeepCount,
		"weekly_day_of_week": p.Weekly.DayOfWeek,
		"weekly_time":        p.Weekly.Time,

		"monthly_enabled":      p.Monthly.Enabled,
		"monthly_keep_count":   p.Monthly.KeepCount,
		"monthly_day_of_month": p.Monthly.DayOfMonth,
		"monthly_time":         p.Monthly.Time,

		"yearly_enabled":      p.Yearly.Enabled,
		"yearly_keep_count":   p.Yearly.KeepCount,
		"yearly_month":        p.Yearly.Month,
		"yearly_day_of_month": p.Yearly.DayOfMonth,
		"yearly_time":         p.Yearly.Time,

		"created_at": formatTime(p.CreatedAt),
		"updated_at": formatTime(p.UpdatedAt),
	}
	return tablestore.Entity{
		PartitionKey: PartitionPolicy,
		RowKey:       p.ID,
		Properties:   props,
	}
}

// PolicyFromEntity rebuilds a BackupPolicy from its table representation.
func PolicyFromEntity(ent tablestore.Entity) *BackupPolicy {
	p := ent.Properties
	return &BackupPolicy{
		ID:          ent.RowKey,
		Name:        propString(p, "name"),
		Description: propString(p, "description"),
		IsSystem:    propBool(p, "is_system"),
		Hourly: TierConfig{
			Enabled:       propBool(p, "hourly_enabled"),
			KeepCount:     propInt(p, "hourly_keep_count"),
			IntervalHours: propInt(p, "hourly_interval_hours"),
		},
		Daily: TierConfig{
			Enabled:   propBool(p, "daily_enabled"),
			KeepCount: propInt(p, "daily_keep_count"),
			Time:      propString(p, "daily_time"),
		},
		Weekly: TierConfig{
			Enabled:   propBool(p, "weekly_enabled"),
			KeepCount: propInt(p, "weekly_keep_count"),
			DayOfWeek: propInt(p, "weekly_day_of_week"),
			Time:      propString(p, "weekly_time"),
		},
		Monthly: TierConfig{
			Enabled:    propBool(p, "monthly_enabled"),
			KeepCount:  propInt(p, "monthly_keep_count"),
			DayOfMonth: propInt(p, "monthly_day_of_month"),
			Time:       propString(p, "monthly_time"),
		},
		Yearly: TierConfig{
			Enabled:    propBool(p, "yearly_enabled"),
			KeepCount:  propInt(p, "yearly_keep_count"),
			Month:      propInt(p, "yearly_month"),
			DayOfMonth: propInt(p, "yearly_day_of_month"),
			Time:       propString(p, "yearly_time"),
		},
		CreatedAt: propTime(p, "created_at"),
		UpdatedAt: propTime(p, "updated_at"),
	}
}

// DefaultPolicies returns the seeded system policies. Their IDs are stable
// and referenced by the scheduler's fallback configuration.
func DefaultPolicies(now time.Time) []BackupPolicy {
	now = EnsureNaiveUTC(now)
	return []BackupPolicy{
		{
			ID:          "production-critical",
			Name:        "Production Critical",
			Description: "Maximum protection: hourly through yearly backups",
			IsSystem:    true,
			Hourly:      TierConfig{Enabled: true, KeepCount: 24, IntervalHours: 1},
			Daily:       TierConfig{Enabled: true, KeepCount: 15, Time: "02:00"},
			Weekly:      TierConfig{Enabled: true, KeepCount: 8, DayOfWeek: 0, Time: "03:00"},
			Monthly:     TierConfig{Enabled: true, KeepCount: 4, DayOfMonth: 1, Time: "04:00"},
			Yearly:      TierConfig{Enabled: true, KeepCount: 2, Month: 1, DayOfMonth: 1, Time: "05:00"},
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          "production-standard",
			Name:        "Production Standard",
			Description: "Balanced protection for production databases",
			IsSystem:    true,
			Hourly:      TierConfig{Enabled: true, KeepCount: 12, IntervalHours: 1},
			Daily:       TierConfig{Enabled: true, KeepCount: 7, Time: "02:00"},
			Weekly:      TierConfig{Enabled: true, KeepCount: 4, DayOfWeek: 0, Time: "03:00"},
			Monthly:     TierConfig{Enabled: true, KeepCount: 2, DayOfMonth: 1, Time: "04:00"},
			Yearly:      TierConfig{Enabled: true, KeepCount: 1, Month: 1, DayOfMonth: 1, Time: "05:00"},
			CreatedAt:   now,
			UpdatedAt:   now,
		},
		{
			ID:          "development",
			Name:        "Development",
			Description: "Minimal backups for development and test databases",
			IsSystem:    true,
			Hourly:      TierConfig{Enabled: false},
			Daily:       TierConfig{Enabled: true, KeepCount: 7, Time: "02:00"},
			Weekly:      TierConfig{Enabled: true, KeepCount: 2, DayOfWeek: 0, Time: "03:00"},
			Monthly:     TierConfig{Enabled: false},
			Yearly:      TierConfig{Enabled: false},
			CreatedAt:   now,
			UpdatedAt:   now,
		},
	}
}
