package leveling

import "levelbot/internal/models"

// XPRequired returns the XP needed to advance from level to the next one.
// The result is never below 1 so the level loop always terminates.
func XPRequired(base, step, level int) int {
	required := base + level*step
	if required < 1 {
		return 1
	}
	return required
}

// ApplyXP adds delta to the record's XP and rolls levels while the current
// requirement is met. A single large grant can cross several levels; every
// newly reached level is returned in ascending order so callers can evaluate
// each one for rewards and achievements.
//
// Negative deltas clamp XP at zero and never lower the level, matching the
// admin removexp behavior.
func ApplyXP(rec *models.UserRecord, delta, base, step int) []int {
	if delta > 0 {
		rec.TotalXP += delta
	}
	rec.XP += delta
	if rec.XP < 0 {
		rec.XP = 0
	}

	var crossed []int
	for rec.XP >= XPRequired(base, step, rec.Level) {
		rec.XP -= XPRequired(base, step, rec.Level)
		rec.Level++
		crossed = append(crossed, rec.Level)
	}
	return crossed
}
