package leveling

import (
	"levelbot/internal/config"
	"levelbot/internal/models"
)

// Unlock is a newly earned achievement together with its optional image
// reference for the announcement.
type Unlock struct {
	Name  string
	Image string
}

// CheckAchievements evaluates the catalog against the record and unlocks
// every achievement whose requirements are all satisfied. Unlocks are
// recorded on the record, so re-running after an unlock never re-reports it.
func CheckAchievements(rec *models.UserRecord, catalog []config.Achievement) []Unlock {
	var unlocked []Unlock
	for _, achievement := range catalog {
		if rec.HasAchievement(achievement.Name) {
			continue
		}
		if !meetsRequirements(rec, achievement.Requirements) {
			continue
		}
		rec.Achievements = append(rec.Achievements, achievement.Name)
		unlocked = append(unlocked, Unlock{Name: achievement.Name, Image: achievement.Image})
	}
	return unlocked
}

func meetsRequirements(rec *models.UserRecord, reqs map[string]int) bool {
	if len(reqs) == 0 {
		return false
	}
	for key, threshold := range reqs {
		var value int64
		switch key {
		case config.ReqMessages:
			value = int64(rec.Messages)
		case config.ReqVoiceSeconds:
			value = rec.VoiceSeconds
		case config.ReqLevel:
			value = int64(rec.Level)
		case config.ReqXP:
			value = int64(rec.TotalXP)
		default:
			return false
		}
		if value < int64(threshold) {
			return false
		}
	}
	return true
}
