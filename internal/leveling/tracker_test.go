package leveling

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"levelbot/internal/config"
	"levelbot/internal/store"
)

type stubConfig struct {
	cfg *config.GuildConfig
}

func (s stubConfig) Guild(string) *config.GuildConfig { return s.cfg }

type levelUpCall struct {
	member Member
	level  int
}

type fakeAnnouncer struct {
	levelUps     []levelUpCall
	achievements [][]Unlock
}

func (f *fakeAnnouncer) AnnounceLevelUp(m Member, level int) {
	f.levelUps = append(f.levelUps, levelUpCall{member: m, level: level})
}

func (f *fakeAnnouncer) AnnounceAchievements(_ Member, unlocks []Unlock) {
	f.achievements = append(f.achievements, unlocks)
}

type syncCall struct {
	member Member
	level  int
}

type fakeRoles struct {
	calls []syncCall
}

func (f *fakeRoles) SyncRewards(m Member, level int) {
	f.calls = append(f.calls, syncCall{member: m, level: level})
}

type fakeMembers struct {
	members map[string]Member // key: guildID:userID
}

func (f *fakeMembers) ResolveMember(guildID, userID string) (Member, bool) {
	m, ok := f.members[guildID+":"+userID]
	return m, ok
}

type trackerFixture struct {
	tracker   *Tracker
	store     *store.Store
	announcer *fakeAnnouncer
	roles     *fakeRoles
	members   *fakeMembers
	clock     time.Time
}

func newFixture(t *testing.T) *trackerFixture {
	t.Helper()
	f := &trackerFixture{
		store:     store.New(t.TempDir(), zap.NewNop()),
		announcer: &fakeAnnouncer{},
		roles:     &fakeRoles{},
		members:   &fakeMembers{members: make(map[string]Member)},
		clock:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.tracker = NewTracker(f.store, stubConfig{cfg: config.DefaultGuildConfig()},
		f.announcer, f.roles, f.members, zap.NewNop())
	f.tracker.now = func() time.Time { return f.clock }
	return f
}

func (f *trackerFixture) advance(d time.Duration) {
	f.clock = f.clock.Add(d)
}

func member(guildID, userID string) Member {
	return Member{GuildID: guildID, UserID: userID, Username: userID, DisplayName: userID}
}

func TestHandleMessage_FreshUser(t *testing.T) {
	f := newFixture(t)

	f.tracker.HandleMessage(member("g1", "u1"))

	rec := f.tracker.User("g1", "u1")
	assert.Equal(t, 1, rec.Messages)
	assert.Equal(t, 15, rec.XP)
	assert.Equal(t, 1, rec.Level)
	assert.Empty(t, f.announcer.levelUps)
}

func TestHandleMessage_CooldownGatesXPOnly(t *testing.T) {
	f := newFixture(t)
	m := member("g1", "u1")

	f.tracker.HandleMessage(m)
	f.advance(5 * time.Second)
	f.tracker.HandleMessage(m)

	rec := f.tracker.User("g1", "u1")
	assert.Equal(t, 2, rec.Messages, "messages are counted during cooldown")
	assert.Equal(t, 15, rec.XP, "XP is not granted during cooldown")

	f.advance(30 * time.Second)
	f.tracker.HandleMessage(m)
	rec = f.tracker.User("g1", "u1")
	assert.Equal(t, 3, rec.Messages)
	assert.Equal(t, 30, rec.XP)
}

func TestHandleMessage_CooldownIsPerUserAndGuild(t *testing.T) {
	f := newFixture(t)

	f.tracker.HandleMessage(member("g1", "u1"))
	f.tracker.HandleMessage(member("g1", "u2"))
	f.tracker.HandleMessage(member("g2", "u1"))

	assert.Equal(t, 15, f.tracker.User("g1", "u1").XP)
	assert.Equal(t, 15, f.tracker.User("g1", "u2").XP)
	assert.Equal(t, 15, f.tracker.User("g2", "u1").XP)
}

func TestHandleMessage_IgnoresBots(t *testing.T) {
	f := newFixture(t)
	m := member("g1", "bot")
	m.Bot = true

	f.tracker.HandleMessage(m)

	assert.Equal(t, 0, f.tracker.User("g1", "bot").Messages)
}

func TestAddXP_LargeGrant(t *testing.T) {
	f := newFixture(t)
	m := member("g1", "u1")

	crossed := f.tracker.AddXP(m, 10000)

	require.Len(t, crossed, 17)
	rec := f.tracker.User("g1", "u1")
	assert.Equal(t, 18, rec.Level)
	assert.Equal(t, 650, rec.XP)

	// One announcement for the final level, one reward sync.
	require.Len(t, f.announcer.levelUps, 1)
	assert.Equal(t, 18, f.announcer.levelUps[0].level)
	require.Len(t, f.roles.calls, 1)
	assert.Equal(t, 18, f.roles.calls[0].level)

	// Default catalog: levels 5, 10 and the voice/messages thresholds are
	// evaluated in one pass over the full crossing.
	require.Len(t, f.announcer.achievements, 1)
	names := make([]string, 0)
	for _, u := range f.announcer.achievements[0] {
		names = append(names, u.Name)
	}
	assert.ElementsMatch(t, []string{"Level 5", "Level 10"}, names)
}

func TestVoiceJoinLeave_FoldsElapsedSeconds(t *testing.T) {
	f := newFixture(t)
	m := member("g1", "u1")

	f.tracker.HandleVoiceUpdate(m, "", "voice-1")
	f.advance(90 * time.Second)
	f.tracker.HandleVoiceUpdate(m, "voice-1", "")

	rec := f.tracker.User("g1", "u1")
	assert.Equal(t, int64(90), rec.VoiceSeconds)
	assert.Equal(t, 0, rec.XP, "voice XP comes only from the accrual tick")
}

func TestVoiceSwitch_NoTimeLost(t *testing.T) {
	f := newFixture(t)
	m := member("g1", "u1")

	f.tracker.HandleVoiceUpdate(m, "", "voice-1")
	f.advance(40 * time.Second)
	f.tracker.HandleVoiceUpdate(m, "voice-1", "voice-2")
	f.advance(20 * time.Second)
	f.tracker.HandleVoiceUpdate(m, "voice-2", "")

	assert.Equal(t, int64(60), f.tracker.User("g1", "u1").VoiceSeconds)
}

func TestVoiceTick_AccruesWholeMinutes(t *testing.T) {
	f := newFixture(t)
	f.members.members["g1:u1"] = member("g1", "u1")

	f.tracker.HandleVoiceUpdate(member("g1", "u1"), "", "voice-1")
	f.advance(150 * time.Second)
	f.tracker.voiceTick()

	rec := f.tracker.User("g1", "u1")
	assert.Equal(t, int64(150), rec.VoiceSeconds)
	assert.Equal(t, 20, rec.TotalXP, "2 whole minutes at 10 XP per minute")

	// The session restarts at the tick, so the next tick only adds the new
	// elapsed time.
	f.advance(60 * time.Second)
	f.tracker.voiceTick()
	rec = f.tracker.User("g1", "u1")
	assert.Equal(t, int64(210), rec.VoiceSeconds)
	assert.Equal(t, 30, rec.TotalXP)
}

func TestVoiceTick_GrantsXPWithoutResolvableMember(t *testing.T) {
	f := newFixture(t)

	f.tracker.HandleVoiceUpdate(member("g1", "ghost"), "", "voice-1")
	f.advance(2 * time.Minute)
	f.tracker.voiceTick()

	assert.Equal(t, 20, f.tracker.User("g1", "ghost").TotalXP)
}

func TestRestoreSessions_StartsTracking(t *testing.T) {
	f := newFixture(t)

	f.tracker.RestoreSessions([]LiveVoice{
		{GuildID: "g1", UserID: "u1", ChannelID: "voice-1"},
		{GuildID: "g1", UserID: "u2", ChannelID: "voice-1"},
	})
	f.advance(time.Minute)
	f.tracker.voiceTick()

	assert.Equal(t, int64(60), f.tracker.User("g1", "u1").VoiceSeconds)
	assert.Equal(t, int64(60), f.tracker.User("g1", "u2").VoiceSeconds)
}

func TestRestoreSessions_KeepsExistingSessions(t *testing.T) {
	f := newFixture(t)

	f.tracker.HandleVoiceUpdate(member("g1", "u1"), "", "voice-1")
	f.advance(time.Minute)

	// A reconnect reports the same user again; the original start stands.
	f.tracker.RestoreSessions([]LiveVoice{{GuildID: "g1", UserID: "u1", ChannelID: "voice-1"}})
	f.advance(time.Minute)
	f.tracker.voiceTick()

	assert.Equal(t, int64(120), f.tracker.User("g1", "u1").VoiceSeconds)
}

func TestFlushAndRestart_DurableStateSurvives(t *testing.T) {
	dir := t.TempDir()
	f := &trackerFixture{
		store:     store.New(dir, zap.NewNop()),
		announcer: &fakeAnnouncer{},
		roles:     &fakeRoles{},
		members:   &fakeMembers{members: make(map[string]Member)},
		clock:     time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	f.tracker = NewTracker(f.store, stubConfig{cfg: config.DefaultGuildConfig()},
		f.announcer, f.roles, f.members, zap.NewNop())
	f.tracker.now = func() time.Time { return f.clock }

	m := member("g1", "u1")
	f.tracker.HandleMessage(m)
	f.tracker.HandleVoiceUpdate(m, "", "voice-1")
	f.advance(45 * time.Second)
	f.tracker.Flush()

	restarted := NewTracker(store.New(dir, zap.NewNop()),
		stubConfig{cfg: config.DefaultGuildConfig()},
		f.announcer, f.roles, f.members, zap.NewNop())

	rec := restarted.User("g1", "u1")
	assert.Equal(t, 1, rec.Messages)
	assert.Equal(t, 15, rec.XP)
	assert.Equal(t, int64(45), rec.VoiceSeconds)

	// Transient state is gone: the next message grants XP immediately and
	// no voice session is live.
	restarted.HandleMessage(m)
	assert.Equal(t, 30, restarted.User("g1", "u1").XP)
}

func TestSetXP_Normalizes(t *testing.T) {
	f := newFixture(t)
	m := member("g1", "u1")

	require.NoError(t, f.tracker.SetXP(m, 400))

	rec := f.tracker.User("g1", "u1")
	// 400 XP at level 1 crosses 150 and 200 thresholds.
	assert.Equal(t, 3, rec.Level)
	assert.Equal(t, 50, rec.XP)
}

func TestSetXP_RejectsNegative(t *testing.T) {
	f := newFixture(t)

	err := f.tracker.SetXP(member("g1", "u1"), -1)

	assert.ErrorIs(t, err, ErrInvalidAmount)
	assert.Equal(t, 0, f.tracker.User("g1", "u1").XP)
}

func TestSetLevel_SyncsRewardsWithoutAnnouncement(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.tracker.SetLevel(member("g1", "u1"), 10))

	assert.Equal(t, 10, f.tracker.User("g1", "u1").Level)
	assert.Empty(t, f.announcer.levelUps)
	require.Len(t, f.roles.calls, 1)
	assert.Equal(t, 10, f.roles.calls[0].level)
}

func TestSetLevel_RejectsBelowOne(t *testing.T) {
	f := newFixture(t)

	assert.ErrorIs(t, f.tracker.SetLevel(member("g1", "u1"), 0), ErrInvalidLevel)
}

func TestRemoveXP_NeverLowersLevel(t *testing.T) {
	f := newFixture(t)
	m := member("g1", "u1")
	f.tracker.AddXP(m, 500)
	require.Equal(t, 3, f.tracker.User("g1", "u1").Level)

	require.NoError(t, f.tracker.RemoveXP(m, 10000))

	rec := f.tracker.User("g1", "u1")
	assert.Equal(t, 3, rec.Level)
	assert.Equal(t, 0, rec.XP)
}

func TestReset_ClearsEverything(t *testing.T) {
	f := newFixture(t)
	m := member("g1", "u1")
	f.tracker.AddXP(m, 10000)
	require.NotEmpty(t, f.tracker.User("g1", "u1").Achievements)

	require.NoError(t, f.tracker.Reset(m))

	rec := f.tracker.User("g1", "u1")
	assert.Equal(t, 0, rec.XP)
	assert.Equal(t, 1, rec.Level)
	assert.Equal(t, 0, rec.Messages)
	assert.Equal(t, int64(0), rec.VoiceSeconds)
	assert.Empty(t, rec.Achievements)

	// Reward roles are re-synced against the reset level so stale reward
	// roles get revoked.
	last := f.roles.calls[len(f.roles.calls)-1]
	assert.Equal(t, 1, last.level)
}

func TestCheckAchievementsFunnel_AnnouncesOnce(t *testing.T) {
	f := newFixture(t)
	m := member("g1", "u1")

	f.tracker.HandleMessage(m)
	before := len(f.announcer.achievements)

	unlocks := f.tracker.CheckAchievements(m)
	assert.Empty(t, unlocks)
	assert.Len(t, f.announcer.achievements, before)
}

func TestLeaderboard_OrdersByLevelThenXP(t *testing.T) {
	f := newFixture(t)
	f.tracker.AddXP(member("g1", "u1"), 1000)
	f.tracker.AddXP(member("g1", "u2"), 5000)
	f.tracker.AddXP(member("g1", "u3"), 1000)

	entries := f.tracker.Leaderboard("g1", 2)

	require.Len(t, entries, 2)
	assert.Equal(t, "u2", entries[0].UserID)
}
