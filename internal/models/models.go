package models

import "time"

// UserRecord holds one user's progression inside a single guild.
//
// XP is the amount earned within the current level and always satisfies
// 0 <= XP < required(Level). TotalXP is the lifetime sum of positive grants
// and never rolls over, so achievement thresholds on XP stay monotonic.
type UserRecord struct {
	XP           int      `json:"xp"`
	Level        int      `json:"level"`
	TotalXP      int      `json:"total_xp"`
	Messages     int      `json:"messages"`
	VoiceSeconds int64    `json:"voice_seconds"`
	Achievements []string `json:"achievements"`
}

// NewUserRecord returns a zeroed record at level 1.
func NewUserRecord() *UserRecord {
	return &UserRecord{Level: 1}
}

// HasAchievement reports whether the named achievement is already unlocked.
func (r *UserRecord) HasAchievement(name string) bool {
	for _, a := range r.Achievements {
		if a == name {
			return true
		}
	}
	return false
}

// Reset zeroes all progression fields and clears achievements.
func (r *UserRecord) Reset() {
	r.XP = 0
	r.Level = 1
	r.TotalXP = 0
	r.Messages = 0
	r.VoiceSeconds = 0
	r.Achievements = nil
}

// VoiceSession represents a user's live presence in a voice channel.
// Sessions are transient: they are rebuilt from gateway state on startup,
// so time spent in voice while the process was down is lost.
type VoiceSession struct {
	Start     time.Time
	ChannelID string
}
