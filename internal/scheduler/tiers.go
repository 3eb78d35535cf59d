package scheduler

import (
	"time"

	"github.com/tidevault/tidevault/internal/model"
)

// shouldRun decides whether tier is due at now given the most recent
// completed backup for that tier. A nil last always fires so a freshly
// enrolled database is backed up on the next tick.
//
// All clock-based tiers share the same shape: compute today's scheduled
// instant from cfg.Time, fire when now has reached it (inclusive) and the
// last backup predates it.
func shouldRun(tier model.Tier, cfg model.TierConfig, last *time.Time, now time.Time) bool {
	if !cfg.Enabled {
		return false
	}
	if last == nil {
		return true
	}

	lastUTC := model.EnsureNaiveUTC(*last)
	now = model.EnsureNaiveUTC(now)

	switch tier {
	case model.TierHourly:
		return now.Sub(lastUTC) >= time.Duration(cfg.IntervalHours)*time.Hour

	case model.TierDaily:
		return dueAtClock(cfg.Time, lastUTC, now)

	case model.TierWeekly:
		// time.Weekday already has Sunday=0, matching the config encoding.
		if int(now.Weekday()) != cfg.DayOfWeek {
			return false
		}
		return dueAtClock(cfg.Time, lastUTC, now)

	case model.TierMonthly:
		if now.Day() != cfg.DayOfMonth {
			return false
		}
		return dueAtClock(cfg.Time, lastUTC, now)

	case model.TierYearly:
		if int(now.Month()) != cfg.Month || now.Day() != cfg.DayOfMonth {
			return false
		}
		return dueAtClock(cfg.Time, lastUTC, now)
	}
	return false
}

// dueAtClock reports whether now has reached today's scheduled clock time
// (inclusive) and last predates it.
func dueAtClock(clock string, last, now time.Time) bool {
	hour, minute, err := model.ParseClock(clock)
	if err != nil {
		return false
	}
	scheduled := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, time.UTC)
	return !now.Before(scheduled) && last.Before(scheduled)
}
