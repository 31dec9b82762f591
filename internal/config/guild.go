package config

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"

	"github.com/knadh/koanf/parsers/toml/v2"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	"go.uber.org/zap"
)

// Requirement keys an achievement may threshold on.
const (
	ReqMessages     = "messages"
	ReqVoiceSeconds = "voice_seconds"
	ReqLevel        = "level"
	ReqXP           = "xp"
)

// GuildConfig is the validated leveling configuration for one guild.
// Missing keys fall back to documented defaults; invalid reward or
// achievement entries are dropped at load time.
type GuildConfig struct {
	XPPerMessage         int    `koanf:"xp_per_message"`
	VoiceXPPerMinute     int    `koanf:"voice_xp_per_minute"`
	MessageCooldownSecs  int    `koanf:"message_cooldown_seconds"`
	LevelBaseXP          int    `koanf:"level_base_xp"`
	LevelXPStep          int    `koanf:"level_xp_step"`
	LevelUpChannelID     string `koanf:"levelup_channel_id"`
	AchievementChannelID string `koanf:"achievement_channel_id"`
	LevelUpTemplate      string `koanf:"level_up_template"`
	AchievementTemplate  string `koanf:"achievement_template"`

	Rewards      []Reward      `koanf:"-"`
	Achievements []Achievement `koanf:"-"`
}

// Reward maps a level to the role granted when that level is reached.
// RoleID is optional; resolution falls back to the role name.
type Reward struct {
	Level    int
	RoleName string
	RoleID   string
}

// Achievement is a named one-time unlock with threshold requirements
// AND-combined over a user's lifetime counters.
type Achievement struct {
	Name         string
	Requirements map[string]int
	Image        string
}

type rewardEntry struct {
	Name string `koanf:"name"`
	ID   string `koanf:"id"`
}

type achievementEntry struct {
	Requirements map[string]int `koanf:"requirements"`
	Image        string         `koanf:"image"`
}

type fileConfig struct {
	GuildConfig  `koanf:",squash"`
	Rewards      map[string]rewardEntry      `koanf:"rewards"`
	Achievements map[string]achievementEntry `koanf:"achievements"`
}

// DefaultGuildConfig returns the built-in configuration used when no file
// provides a value.
func DefaultGuildConfig() *GuildConfig {
	return &GuildConfig{
		XPPerMessage:        15,
		VoiceXPPerMinute:    10,
		MessageCooldownSecs: 30,
		LevelBaseXP:         100,
		LevelXPStep:         50,
		LevelUpTemplate:     "{member_mention}\nyou just reached level {level}!\nkeep it up!",
		AchievementTemplate: "🏆 {member_mention} unlocked **{achievement_name}**",
		Rewards: []Reward{
			{Level: 5, RoleName: "Bronze"},
			{Level: 10, RoleName: "Silver"},
			{Level: 20, RoleName: "Gold"},
			{Level: 30, RoleName: "Diamond"},
			{Level: 40, RoleName: "Platinum"},
			{Level: 50, RoleName: "Master"},
			{Level: 60, RoleName: "Grandmaster"},
		},
		Achievements: []Achievement{
			{Name: "Chatter I", Requirements: map[string]int{ReqMessages: 100}},
			{Name: "Chatter II", Requirements: map[string]int{ReqMessages: 500}},
			{Name: "Chatter III", Requirements: map[string]int{ReqMessages: 1000}},
			{Name: "Chatter IV", Requirements: map[string]int{ReqMessages: 5000}},
			{Name: "Voice Starter", Requirements: map[string]int{ReqVoiceSeconds: 3600}},
			{Name: "Voice Pro", Requirements: map[string]int{ReqVoiceSeconds: 18000}},
			{Name: "Voice Master", Requirements: map[string]int{ReqVoiceSeconds: 36000}},
			{Name: "Level 5", Requirements: map[string]int{ReqLevel: 5}},
			{Name: "Level 10", Requirements: map[string]int{ReqLevel: 10}},
			{Name: "Level 25", Requirements: map[string]int{ReqLevel: 25}},
			{Name: "Level 50", Requirements: map[string]int{ReqLevel: 50}},
		},
	}
}

// Manager loads guild configurations once and caches them. Every guild reads
// <configDir>/leveling.toml, overridden by <configDir>/guilds/<id>.toml when
// present. Load failures are logged and fall back to defaults so a broken
// config file never stops the engine.
type Manager struct {
	dir string
	log *zap.Logger

	mu    sync.Mutex
	cache map[string]*GuildConfig
}

// NewManager creates a configuration manager rooted at dir.
func NewManager(dir string, log *zap.Logger) *Manager {
	return &Manager{
		dir:   dir,
		log:   log,
		cache: make(map[string]*GuildConfig),
	}
}

// Guild returns the configuration for guildID, loading it on first access.
func (m *Manager) Guild(guildID string) *GuildConfig {
	m.mu.Lock()
	defer m.mu.Unlock()

	if cfg, ok := m.cache[guildID]; ok {
		return cfg
	}
	cfg := m.load(guildID)
	m.cache[guildID] = cfg
	return cfg
}

// Reload drops the cached configuration for guildID so the next access
// re-reads the files.
func (m *Manager) Reload(guildID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, guildID)
}

func (m *Manager) load(guildID string) *GuildConfig {
	k := koanf.New(".")

	paths := []string{
		filepath.Join(m.dir, "leveling.toml"),
		filepath.Join(m.dir, "guilds", guildID+".toml"),
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := k.Load(file.Provider(path), toml.Parser()); err != nil {
			m.log.Error("failed to load leveling config",
				zap.String("path", path), zap.Error(err))
		}
	}

	raw := fileConfig{GuildConfig: *DefaultGuildConfig()}
	if err := k.Unmarshal("", &raw); err != nil {
		m.log.Error("failed to parse leveling config, using defaults",
			zap.String("guild_id", guildID), zap.Error(err))
		return DefaultGuildConfig()
	}

	cfg := raw.GuildConfig
	m.normalize(&cfg)

	if rewards := m.parseRewards(raw.Rewards); len(rewards) > 0 {
		cfg.Rewards = rewards
	}
	if achievements := m.parseAchievements(raw.Achievements); len(achievements) > 0 {
		cfg.Achievements = achievements
	}
	return &cfg
}

// normalize guards the knobs that would break progression arithmetic:
// a non-positive base or step could produce a zero XP requirement and an
// endless level loop.
func (m *Manager) normalize(cfg *GuildConfig) {
	def := DefaultGuildConfig()
	if cfg.XPPerMessage < 0 {
		cfg.XPPerMessage = def.XPPerMessage
	}
	if cfg.VoiceXPPerMinute < 0 {
		cfg.VoiceXPPerMinute = def.VoiceXPPerMinute
	}
	if cfg.MessageCooldownSecs < 0 {
		cfg.MessageCooldownSecs = def.MessageCooldownSecs
	}
	if cfg.LevelBaseXP <= 0 {
		cfg.LevelBaseXP = def.LevelBaseXP
	}
	if cfg.LevelXPStep <= 0 {
		cfg.LevelXPStep = def.LevelXPStep
	}
	if cfg.LevelUpTemplate == "" {
		cfg.LevelUpTemplate = def.LevelUpTemplate
	}
	if cfg.AchievementTemplate == "" {
		cfg.AchievementTemplate = def.AchievementTemplate
	}
}

func (m *Manager) parseRewards(raw map[string]rewardEntry) []Reward {
	out := make([]Reward, 0, len(raw))
	for levelStr, entry := range raw {
		level, err := strconv.Atoi(levelStr)
		if err != nil || level <= 0 || entry.Name == "" {
			m.log.Warn("dropping invalid reward entry",
				zap.String("level", levelStr), zap.String("name", entry.Name))
			continue
		}
		out = append(out, Reward{Level: level, RoleName: entry.Name, RoleID: entry.ID})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Level < out[j].Level })
	return out
}

func (m *Manager) parseAchievements(raw map[string]achievementEntry) []Achievement {
	out := make([]Achievement, 0, len(raw))
	for name, entry := range raw {
		if name == "" {
			continue
		}
		reqs := make(map[string]int)
		for key, value := range entry.Requirements {
			switch key {
			case ReqMessages, ReqVoiceSeconds, ReqLevel, ReqXP:
			default:
				m.log.Warn("dropping unknown achievement requirement",
					zap.String("achievement", name), zap.String("key", key))
				continue
			}
			if value <= 0 {
				m.log.Warn("dropping non-positive achievement requirement",
					zap.String("achievement", name), zap.String("key", key))
				continue
			}
			reqs[key] = value
		}
		if len(reqs) == 0 {
			continue
		}
		out = append(out, Achievement{Name: name, Requirements: reqs, Image: entry.Image})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
