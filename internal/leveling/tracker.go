package leveling

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"levelbot/internal/config"
	"levelbot/internal/models"
	"levelbot/internal/store"
)

var (
	// ErrInvalidAmount is returned for non-positive admin XP amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
	// ErrInvalidLevel is returned for admin level values below 1.
	ErrInvalidLevel = errors.New("level must be at least 1")
)

// Member identifies a guild member for progression updates and the
// best-effort side effects that follow them.
type Member struct {
	GuildID     string
	UserID      string
	Username    string
	DisplayName string
	GuildName   string
	AvatarURL   string
	RoleIDs     []string
	Bot         bool
}

// Announcer delivers level-up and achievement notifications. Failures are
// the implementation's to log; the tracker never rolls back progression
// state because a notification could not be sent.
type Announcer interface {
	AnnounceLevelUp(m Member, level int)
	AnnounceAchievements(m Member, unlocks []Unlock)
}

// RoleSyncer reconciles a member's reward roles with their current level.
type RoleSyncer interface {
	SyncRewards(m Member, level int)
}

// MemberResolver looks up a live guild member, used by the voice accrual
// loop where only ids are known.
type MemberResolver interface {
	ResolveMember(guildID, userID string) (Member, bool)
}

// ConfigSource supplies per-guild leveling configuration.
type ConfigSource interface {
	Guild(guildID string) *config.GuildConfig
}

// LiveVoice is a user currently present in a voice channel, reported by the
// gateway on startup so sessions can be rebuilt.
type LiveVoice struct {
	GuildID   string
	UserID    string
	ChannelID string
}

// LeaderboardEntry pairs a user id with a snapshot of their record.
type LeaderboardEntry struct {
	UserID string
	Record models.UserRecord
}

// Tracker converts raw activity events into durable progression state and
// drives the voice-accrual and save loops.
//
// One mutex guards the store, the voice sessions and the cooldown table.
// Every mutation is a short read-modify-write completed under the lock;
// announcements and role changes run after release, so they may interleave
// but the arithmetic never does.
type Tracker struct {
	store     *store.Store
	cfg       ConfigSource
	announcer Announcer
	roles     RoleSyncer
	members   MemberResolver
	log       *zap.Logger

	saveInterval  time.Duration
	voiceInterval time.Duration

	mu        sync.Mutex
	sessions  map[string]models.VoiceSession // key: guildID:userID
	cooldowns map[string]time.Time           // key: guildID:userID
	now       func() time.Time
}

// NewTracker wires the tracker to its collaborators.
func NewTracker(st *store.Store, cfg ConfigSource, announcer Announcer, roles RoleSyncer, members MemberResolver, log *zap.Logger) *Tracker {
	return &Tracker{
		store:         st,
		cfg:           cfg,
		announcer:     announcer,
		roles:         roles,
		members:       members,
		log:           log,
		saveInterval:  time.Minute,
		voiceInterval: time.Minute,
		sessions:      make(map[string]models.VoiceSession),
		cooldowns:     make(map[string]time.Time),
		now:           time.Now,
	}
}

func sessionKey(guildID, userID string) string {
	return guildID + ":" + userID
}

func splitSessionKey(key string) (guildID, userID string) {
	guildID, userID, _ = strings.Cut(key, ":")
	return guildID, userID
}

// Run starts the save and voice-accrual loops. They run until ctx is
// cancelled; an in-flight iteration always finishes first.
func (t *Tracker) Run(ctx context.Context) {
	go t.loop(ctx, t.saveInterval, t.saveTick, "save")
	go t.loop(ctx, t.voiceInterval, t.voiceTick, "voice")
}

func (t *Tracker) loop(ctx context.Context, interval time.Duration, tick func(), name string) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			// A panic in one iteration must not kill the loop.
			if recovered := panics.Try(tick); recovered != nil {
				t.log.Error("loop iteration panicked",
					zap.String("loop", name),
					zap.Error(recovered.AsError()))
			}
		}
	}
}

// HandleMessage applies the message path: the lifetime counter always
// increments, XP is granted only outside the per-(user,guild) cooldown.
func (t *Tracker) HandleMessage(m Member) {
	if m.Bot {
		return
	}
	cfg := t.cfg.Guild(m.GuildID)
	key := sessionKey(m.GuildID, m.UserID)
	now := t.now()

	t.mu.Lock()
	rec := t.store.GetUser(m.GuildID, m.UserID)
	rec.Messages++
	t.store.MarkDirty(m.GuildID)

	last, seen := t.cooldowns[key]
	onCooldown := seen && now.Sub(last) < time.Duration(cfg.MessageCooldownSecs)*time.Second
	var (
		crossed []int
		unlocks []Unlock
		level   int
	)
	if !onCooldown {
		t.cooldowns[key] = now
		crossed = ApplyXP(rec, cfg.XPPerMessage, cfg.LevelBaseXP, cfg.LevelXPStep)
		unlocks = CheckAchievements(rec, cfg.Achievements)
		level = rec.Level
	}
	t.mu.Unlock()

	t.notify(m, level, crossed, unlocks)
}

// AddXP is the single funnel through which all XP enters the engine, used
// by the message path, the voice loop and the admin commands. It returns
// the newly reached levels.
func (t *Tracker) AddXP(m Member, amount int) []int {
	cfg := t.cfg.Guild(m.GuildID)

	t.mu.Lock()
	rec := t.store.GetUser(m.GuildID, m.UserID)
	crossed := ApplyXP(rec, amount, cfg.LevelBaseXP, cfg.LevelXPStep)
	unlocks := CheckAchievements(rec, cfg.Achievements)
	level := rec.Level
	t.store.MarkDirty(m.GuildID)
	t.mu.Unlock()

	t.notify(m, level, crossed, unlocks)
	return crossed
}

// notify runs the best-effort side effects of a progression change.
func (t *Tracker) notify(m Member, level int, crossed []int, unlocks []Unlock) {
	if len(crossed) > 0 {
		t.announcer.AnnounceLevelUp(m, level)
		t.roles.SyncRewards(m, level)
	}
	if len(unlocks) > 0 {
		t.announcer.AnnounceAchievements(m, unlocks)
	}
}

// HandleVoiceUpdate applies the event-driven voice path. A join starts a
// session, a leave folds it, a channel switch folds and restarts it so no
// time is lost across the switch.
func (t *Tracker) HandleVoiceUpdate(m Member, beforeChannelID, afterChannelID string) {
	if m.Bot || beforeChannelID == afterChannelID {
		return
	}
	key := sessionKey(m.GuildID, m.UserID)
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	switch {
	case beforeChannelID == "" && afterChannelID != "":
		t.sessions[key] = models.VoiceSession{Start: now, ChannelID: afterChannelID}
	case afterChannelID == "":
		t.foldSessionLocked(key, now)
		delete(t.sessions, key)
	default:
		t.foldSessionLocked(key, now)
		t.sessions[key] = models.VoiceSession{Start: now, ChannelID: afterChannelID}
	}
}

// foldSessionLocked adds the session's elapsed seconds to the user's
// lifetime voice total. Voice XP is granted only by the accrual tick.
func (t *Tracker) foldSessionLocked(key string, now time.Time) {
	session, ok := t.sessions[key]
	if !ok {
		return
	}
	elapsed := int64(now.Sub(session.Start).Seconds())
	if elapsed <= 0 {
		return
	}
	guildID, userID := splitSessionKey(key)
	rec := t.store.GetUser(guildID, userID)
	rec.VoiceSeconds += elapsed
	t.store.MarkDirty(guildID)
}

// RestoreSessions rebuilds the transient session table from the live voice
// channel membership reported on startup. Guilds arrive one at a time, so
// existing sessions are kept and only missing ones are started. Time spent
// while the process was offline is lost.
func (t *Tracker) RestoreSessions(live []LiveVoice) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	restored := 0
	for _, v := range live {
		key := sessionKey(v.GuildID, v.UserID)
		if _, ok := t.sessions[key]; ok {
			continue
		}
		t.sessions[key] = models.VoiceSession{Start: now, ChannelID: v.ChannelID}
		restored++
	}
	if restored > 0 {
		t.log.Info("voice sessions restored", zap.Int("count", restored))
	}
}

// voiceTick folds every live session, converts whole minutes into XP and
// resets the session start. This tick is the only source of voice XP.
func (t *Tracker) voiceTick() {
	now := t.now()

	type grant struct {
		guildID string
		userID  string
		xp      int
	}
	var grants []grant

	t.mu.Lock()
	for key, session := range t.sessions {
		elapsed := int64(now.Sub(session.Start).Seconds())
		if elapsed <= 0 {
			continue
		}
		guildID, userID := splitSessionKey(key)
		cfg := t.cfg.Guild(guildID)

		rec := t.store.GetUser(guildID, userID)
		rec.VoiceSeconds += elapsed
		t.store.MarkDirty(guildID)
		t.sessions[key] = models.VoiceSession{Start: now, ChannelID: session.ChannelID}

		if xp := int(elapsed/60) * cfg.VoiceXPPerMinute; xp > 0 {
			grants = append(grants, grant{guildID: guildID, userID: userID, xp: xp})
		}
	}
	t.mu.Unlock()

	for _, g := range grants {
		m, ok := t.members.ResolveMember(g.guildID, g.userID)
		if !ok {
			// Progression is authoritative even when the member cannot be
			// resolved for notifications.
			m = Member{GuildID: g.guildID, UserID: g.userID}
		}
		t.AddXP(m, g.xp)
	}
}

// saveTick persists every guild store touched since the previous save.
func (t *Tracker) saveTick() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.SaveDirty()
}

// Flush folds all live sessions and persists every dirty guild. Called on
// shutdown so accumulated voice time survives a restart.
func (t *Tracker) Flush() {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	for key := range t.sessions {
		t.foldSessionLocked(key, now)
		delete(t.sessions, key)
	}
	t.store.SaveDirty()
}

// SetXP sets a user's in-level XP and re-runs the level loop. Used by the
// setxp admin command; the change is persisted immediately.
func (t *Tracker) SetXP(m Member, xp int) error {
	if xp < 0 {
		return ErrInvalidAmount
	}
	cfg := t.cfg.Guild(m.GuildID)

	t.mu.Lock()
	rec := t.store.GetUser(m.GuildID, m.UserID)
	rec.XP = xp
	crossed := ApplyXP(rec, 0, cfg.LevelBaseXP, cfg.LevelXPStep)
	unlocks := CheckAchievements(rec, cfg.Achievements)
	level := rec.Level
	err := t.store.Save(m.GuildID)
	t.mu.Unlock()

	t.notify(m, level, crossed, unlocks)
	return err
}

// SetLevel sets a user's level directly, keeping XP normalized. Rewards and
// achievements are re-evaluated but no level-up announcement is sent.
func (t *Tracker) SetLevel(m Member, level int) error {
	if level < 1 {
		return ErrInvalidLevel
	}
	cfg := t.cfg.Guild(m.GuildID)

	t.mu.Lock()
	rec := t.store.GetUser(m.GuildID, m.UserID)
	rec.Level = level
	ApplyXP(rec, 0, cfg.LevelBaseXP, cfg.LevelXPStep)
	unlocks := CheckAchievements(rec, cfg.Achievements)
	newLevel := rec.Level
	err := t.store.Save(m.GuildID)
	t.mu.Unlock()

	t.roles.SyncRewards(m, newLevel)
	if len(unlocks) > 0 {
		t.announcer.AnnounceAchievements(m, unlocks)
	}
	return err
}

// RemoveXP subtracts XP, clamping at zero. The level never decreases.
func (t *Tracker) RemoveXP(m Member, amount int) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	cfg := t.cfg.Guild(m.GuildID)

	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.store.GetUser(m.GuildID, m.UserID)
	ApplyXP(rec, -amount, cfg.LevelBaseXP, cfg.LevelXPStep)
	t.store.MarkDirty(m.GuildID)
	return nil
}

// Reset zeroes a user's progression and clears their achievements, then
// persists the guild immediately.
func (t *Tracker) Reset(m Member) error {
	t.mu.Lock()
	rec := t.store.GetUser(m.GuildID, m.UserID)
	rec.Reset()
	err := t.store.Save(m.GuildID)
	t.mu.Unlock()

	t.roles.SyncRewards(m, 1)
	return err
}

// CheckRewards re-resolves a member's reward roles against their current
// level, independently of any XP change.
func (t *Tracker) CheckRewards(m Member) {
	t.mu.Lock()
	level := t.store.GetUser(m.GuildID, m.UserID).Level
	t.mu.Unlock()
	t.roles.SyncRewards(m, level)
}

// CheckAchievements re-evaluates the catalog for a member, announcing any
// new unlocks.
func (t *Tracker) CheckAchievements(m Member) []Unlock {
	cfg := t.cfg.Guild(m.GuildID)

	t.mu.Lock()
	rec := t.store.GetUser(m.GuildID, m.UserID)
	unlocks := CheckAchievements(rec, cfg.Achievements)
	if len(unlocks) > 0 {
		t.store.MarkDirty(m.GuildID)
	}
	t.mu.Unlock()

	if len(unlocks) > 0 {
		t.announcer.AnnounceAchievements(m, unlocks)
	}
	return unlocks
}

// User returns a copy of the user's record.
func (t *Tracker) User(guildID, userID string) models.UserRecord {
	t.mu.Lock()
	defer t.mu.Unlock()
	rec := t.store.GetUser(guildID, userID)
	copied := *rec
	copied.Achievements = append([]string(nil), rec.Achievements...)
	return copied
}

// Leaderboard returns the guild's top users ordered by level, then XP.
func (t *Tracker) Leaderboard(guildID string, top int) []LeaderboardEntry {
	t.mu.Lock()
	snapshot := t.store.Snapshot(guildID)
	t.mu.Unlock()

	entries := make([]LeaderboardEntry, 0, len(snapshot))
	for userID, rec := range snapshot {
		entries = append(entries, LeaderboardEntry{UserID: userID, Record: rec})
	}
	sort.Slice(entries, func(i, j int) bool {
		a, b := entries[i].Record, entries[j].Record
		if a.Level != b.Level {
			return a.Level > b.Level
		}
		if a.XP != b.XP {
			return a.XP > b.XP
		}
		return entries[i].UserID < entries[j].UserID
	})
	if top > 0 && len(entries) > top {
		entries = entries[:top]
	}
	return entries
}

// ReloadGuild discards the in-memory store for a guild, forcing a re-read
// from disk on next access. Used by admin-triggered reloads.
func (t *Tracker) ReloadGuild(guildID string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.store.Load(guildID)
}
