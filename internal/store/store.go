package store

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/bytedance/sonic"
	"go.uber.org/zap"

	"levelbot/internal/models"
)

// Store is a lazily-loaded, per-guild cache of user progression records,
// backed by one JSON file per guild under the data directory.
//
// The store is not safe for concurrent use on its own; the activity tracker
// owns it and serializes all access. Guilds are fully isolated: an untouched
// guild costs no I/O, and a corrupt file for one guild never affects another.
type Store struct {
	dir    string
	log    *zap.Logger
	guilds map[string]*guildEntry
}

type guildEntry struct {
	loaded bool
	dirty  bool
	users  map[string]*models.UserRecord
}

// New creates a store rooted at dir. The directory is created on first save.
func New(dir string, log *zap.Logger) *Store {
	return &Store{
		dir:    dir,
		log:    log,
		guilds: make(map[string]*guildEntry),
	}
}

func (s *Store) path(guildID string) string {
	return filepath.Join(s.dir, guildID+".json")
}

func (s *Store) entry(guildID string) *guildEntry {
	e, ok := s.guilds[guildID]
	if !ok {
		e = &guildEntry{users: make(map[string]*models.UserRecord)}
		s.guilds[guildID] = e
	}
	if !e.loaded {
		s.hydrate(guildID, e)
	}
	return e
}

// hydrate reads the guild file into memory. A missing file yields an empty
// store; an unreadable or corrupt file is quarantined so the guild starts
// empty instead of taking the process down.
func (s *Store) hydrate(guildID string, e *guildEntry) {
	e.loaded = true

	raw, err := os.ReadFile(s.path(guildID))
	if os.IsNotExist(err) {
		return
	}
	if err != nil {
		s.log.Error("failed to read guild data file",
			zap.String("guild_id", guildID), zap.Error(err))
		return
	}

	users := make(map[string]*models.UserRecord)
	if err := sonic.Unmarshal(raw, &users); err != nil {
		s.quarantine(guildID, err)
		return
	}

	for _, rec := range users {
		if rec.Level < 1 {
			rec.Level = 1
		}
		if rec.XP < 0 {
			rec.XP = 0
		}
	}
	e.users = users
}

// quarantine moves a corrupt guild file aside so the next save starts fresh
// while the bad payload stays available for inspection.
func (s *Store) quarantine(guildID string, cause error) {
	path := s.path(guildID)
	backup := fmt.Sprintf("%s.bad-%d", path, time.Now().Unix())
	if err := os.Rename(path, backup); err != nil {
		s.log.Error("failed to quarantine corrupt guild data file",
			zap.String("guild_id", guildID), zap.Error(err))
	}
	s.log.Warn("guild data file corrupt, starting empty",
		zap.String("guild_id", guildID),
		zap.String("backup", backup),
		zap.Error(cause))
}

// GetUser returns the record for the user in the guild, creating a zeroed
// record on first reference. It never fails.
func (s *Store) GetUser(guildID, userID string) *models.UserRecord {
	e := s.entry(guildID)
	rec, ok := e.users[userID]
	if !ok {
		rec = models.NewUserRecord()
		e.users[userID] = rec
	}
	return rec
}

// MarkDirty flags the guild for the next SaveDirty pass.
func (s *Store) MarkDirty(guildID string) {
	s.entry(guildID).dirty = true
}

// Save serialises the guild's in-memory mapping to its file. The write is
// atomic (temp file + rename) so an interrupted process never leaves a
// half-written file behind.
func (s *Store) Save(guildID string) error {
	e := s.entry(guildID)

	data, err := sonic.ConfigDefault.MarshalIndent(e.users, "", "    ")
	if err != nil {
		return fmt.Errorf("failed to encode guild %s data: %w", guildID, err)
	}

	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	path := s.path(guildID)
	tmp, err := os.CreateTemp(s.dir, guildID+"-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to write guild %s data: %w", guildID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("failed to replace guild %s data file: %w", guildID, err)
	}

	e.dirty = false
	return nil
}

// SaveDirty persists every guild touched since the previous save. Per-guild
// failures are logged and do not block the remaining guilds.
func (s *Store) SaveDirty() {
	for guildID, e := range s.guilds {
		if !e.loaded || !e.dirty {
			continue
		}
		if err := s.Save(guildID); err != nil {
			s.log.Error("failed to save guild data",
				zap.String("guild_id", guildID), zap.Error(err))
		}
	}
}

// Load forces a re-read of the guild file, discarding in-memory state.
// Used for admin-triggered reloads.
func (s *Store) Load(guildID string) {
	s.guilds[guildID] = &guildEntry{users: make(map[string]*models.UserRecord)}
	s.entry(guildID)
}

// Snapshot returns a copy of the guild's user mapping, safe to read while
// the live records keep mutating.
func (s *Store) Snapshot(guildID string) map[string]models.UserRecord {
	e := s.entry(guildID)
	out := make(map[string]models.UserRecord, len(e.users))
	for id, rec := range e.users {
		copied := *rec
		copied.Achievements = append([]string(nil), rec.Achievements...)
		out[id] = copied
	}
	return out
}

// GuildIDs returns the ids of all guilds currently cached, sorted for
// deterministic iteration in logs and tests.
func (s *Store) GuildIDs() []string {
	ids := make([]string, 0, len(s.guilds))
	for id := range s.guilds {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
