package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestGetUser_CreatesZeroedRecord(t *testing.T) {
	s := New(t.TempDir(), zap.NewNop())

	rec := s.GetUser("guild-a", "user-1")

	require.NotNil(t, rec)
	assert.Equal(t, 1, rec.Level)
	assert.Equal(t, 0, rec.XP)
	assert.Empty(t, rec.Achievements)

	// Same pointer on the next call.
	assert.Same(t, rec, s.GetUser("guild-a", "user-1"))
}

func TestSaveAndReload_Roundtrip(t *testing.T) {
	dir := t.TempDir()

	s := New(dir, zap.NewNop())
	rec := s.GetUser("guild-a", "user-1")
	rec.XP = 42
	rec.Level = 3
	rec.Messages = 17
	rec.VoiceSeconds = 3600
	rec.TotalXP = 542
	rec.Achievements = []string{"Chatter I"}
	require.NoError(t, s.Save("guild-a"))

	reloaded := New(dir, zap.NewNop())
	got := reloaded.GetUser("guild-a", "user-1")
	assert.Equal(t, 42, got.XP)
	assert.Equal(t, 3, got.Level)
	assert.Equal(t, 17, got.Messages)
	assert.Equal(t, int64(3600), got.VoiceSeconds)
	assert.Equal(t, 542, got.TotalXP)
	assert.Equal(t, []string{"Chatter I"}, got.Achievements)
}

func TestSave_WritesIndentedJSON(t *testing.T) {
	dir := t.TempDir()

	s := New(dir, zap.NewNop())
	s.GetUser("guild-a", "user-1").XP = 10
	require.NoError(t, s.Save("guild-a"))

	raw, err := os.ReadFile(filepath.Join(dir, "guild-a.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), "\n    ", "guild files should be indented for diff-ability")
	assert.Contains(t, string(raw), `"xp"`)
}

func TestHydrate_CorruptFileIsQuarantined(t *testing.T) {
	dir := t.TempDir()

	// Guild A is valid, guild B is garbage.
	good := New(dir, zap.NewNop())
	good.GetUser("guild-a", "user-1").XP = 5
	require.NoError(t, good.Save("guild-a"))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "guild-b.json"), []byte("{not json"), 0o644))

	s := New(dir, zap.NewNop())

	// Guild A loads normally.
	assert.Equal(t, 5, s.GetUser("guild-a", "user-1").XP)

	// Guild B starts empty instead of failing.
	rec := s.GetUser("guild-b", "user-2")
	assert.Equal(t, 0, rec.XP)
	assert.Equal(t, 1, rec.Level)

	// The bad payload was moved aside for inspection.
	matches, err := filepath.Glob(filepath.Join(dir, "guild-b.json.bad-*"))
	require.NoError(t, err)
	assert.Len(t, matches, 1)
	_, err = os.Stat(filepath.Join(dir, "guild-b.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestSaveDirty_OnlyPersistsTouchedGuilds(t *testing.T) {
	dir := t.TempDir()

	s := New(dir, zap.NewNop())
	s.GetUser("guild-a", "user-1").XP = 1
	s.MarkDirty("guild-a")
	s.GetUser("guild-b", "user-2").XP = 2

	s.SaveDirty()

	_, err := os.Stat(filepath.Join(dir, "guild-a.json"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "guild-b.json"))
	assert.True(t, os.IsNotExist(err), "untouched guild must not be written")

	// A second pass writes nothing new: the dirty flag was cleared.
	require.NoError(t, os.Remove(filepath.Join(dir, "guild-a.json")))
	s.SaveDirty()
	_, err = os.Stat(filepath.Join(dir, "guild-a.json"))
	assert.True(t, os.IsNotExist(err))
}

func TestLoad_DiscardsInMemoryState(t *testing.T) {
	dir := t.TempDir()

	s := New(dir, zap.NewNop())
	s.GetUser("guild-a", "user-1").XP = 10
	require.NoError(t, s.Save("guild-a"))

	s.GetUser("guild-a", "user-1").XP = 99
	s.Load("guild-a")

	assert.Equal(t, 10, s.GetUser("guild-a", "user-1").XP)
}

func TestSnapshot_IsACopy(t *testing.T) {
	s := New(t.TempDir(), zap.NewNop())
	rec := s.GetUser("guild-a", "user-1")
	rec.XP = 7
	rec.Achievements = []string{"Chatter I"}

	snap := s.Snapshot("guild-a")
	rec.XP = 100
	rec.Achievements[0] = "mutated"

	assert.Equal(t, 7, snap["user-1"].XP)
	assert.Equal(t, []string{"Chatter I"}, snap["user-1"].Achievements)
}

func TestHydrate_RepairsOutOfRangeFields(t *testing.T) {
	dir := t.TempDir()
	payload := `{"user-1": {"xp": -5, "level": 0, "messages": 1, "voice_seconds": 0, "achievements": null}}`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "guild-a.json"), []byte(payload), 0o644))

	s := New(dir, zap.NewNop())
	rec := s.GetUser("guild-a", "user-1")

	assert.Equal(t, 0, rec.XP)
	assert.Equal(t, 1, rec.Level)
	assert.Equal(t, 1, rec.Messages)
}
