package discord

import (
	"fmt"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"levelbot/internal/config"
	"levelbot/internal/leveling"
)

// Bot represents the Discord bot
type Bot struct {
	session *discordgo.Session
	tracker *leveling.Tracker
	cfg     *config.Manager
	prefix  string
	log     *zap.Logger
}

// New creates a new Discord bot. The tracker is wired in afterwards via
// SetTracker because the tracker's side-effect ports are implemented by the
// bot itself.
func New(token, prefix string, cfg *config.Manager, log *zap.Logger) (*Bot, error) {
	session, err := discordgo.New("Bot " + token)
	if err != nil {
		return nil, fmt.Errorf("failed to create Discord session: %w", err)
	}

	session.Identify.Intents = discordgo.IntentsGuilds |
		discordgo.IntentsGuildMembers |
		discordgo.IntentsGuildVoiceStates |
		discordgo.IntentsGuildMessages |
		discordgo.IntentMessageContent

	bot := &Bot{
		session: session,
		cfg:     cfg,
		prefix:  prefix,
		log:     log,
	}

	// Add event handlers
	session.AddHandler(bot.guildCreate)
	session.AddHandler(bot.voiceStateUpdate)
	session.AddHandler(bot.messageCreate)

	return bot, nil
}

// SetTracker attaches the activity tracker. Must be called before Start.
func (b *Bot) SetTracker(tracker *leveling.Tracker) {
	b.tracker = tracker
}

// Start starts the bot
func (b *Bot) Start() error {
	if err := b.session.Open(); err != nil {
		return fmt.Errorf("failed to open Discord connection: %w", err)
	}

	b.log.Info("bot is running")
	return nil
}

// Stop stops the bot
func (b *Bot) Stop() error {
	return b.session.Close()
}

// guildCreate fires once per guild after connect; its voice states are the
// live channel membership used to rebuild voice sessions.
func (b *Bot) guildCreate(s *discordgo.Session, gc *discordgo.GuildCreate) {
	live := make([]leveling.LiveVoice, 0, len(gc.VoiceStates))
	for _, vs := range gc.VoiceStates {
		if vs.ChannelID == "" {
			continue
		}
		if member, ok := b.ResolveMember(gc.ID, vs.UserID); ok && member.Bot {
			continue
		}
		live = append(live, leveling.LiveVoice{
			GuildID:   gc.ID,
			UserID:    vs.UserID,
			ChannelID: vs.ChannelID,
		})
	}
	b.tracker.RestoreSessions(live)
}

// voiceStateUpdate forwards join/leave/switch transitions to the tracker.
func (b *Bot) voiceStateUpdate(s *discordgo.Session, vs *discordgo.VoiceStateUpdate) {
	if vs.GuildID == "" {
		return
	}

	before := ""
	if vs.BeforeUpdate != nil {
		before = vs.BeforeUpdate.ChannelID
	}

	member, ok := b.ResolveMember(vs.GuildID, vs.UserID)
	if !ok {
		member = leveling.Member{GuildID: vs.GuildID, UserID: vs.UserID}
		if vs.Member != nil && vs.Member.User != nil {
			member.Bot = vs.Member.User.Bot
		}
	}

	b.tracker.HandleVoiceUpdate(member, before, vs.ChannelID)
}

// messageCreate grants message XP and dispatches prefix commands.
func (b *Bot) messageCreate(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author.Bot || m.GuildID == "" {
		return
	}

	b.tracker.HandleMessage(b.memberFromMessage(m))
	b.dispatchCommand(s, m)
}

// memberFromMessage builds a tracker member from message payload data,
// which always carries the author and usually the guild member.
func (b *Bot) memberFromMessage(m *discordgo.MessageCreate) leveling.Member {
	member := leveling.Member{
		GuildID:     m.GuildID,
		UserID:      m.Author.ID,
		Username:    m.Author.Username,
		DisplayName: m.Author.Username,
		AvatarURL:   m.Author.AvatarURL(""),
		Bot:         m.Author.Bot,
	}
	if m.Member != nil {
		if m.Member.Nick != "" {
			member.DisplayName = m.Member.Nick
		}
		member.RoleIDs = m.Member.Roles
	}
	if guild, err := b.session.State.Guild(m.GuildID); err == nil {
		member.GuildName = guild.Name
	}
	return member
}

// ResolveMember looks a member up in the state cache, falling back to the
// REST API. Implements leveling.MemberResolver for the voice accrual loop.
func (b *Bot) ResolveMember(guildID, userID string) (leveling.Member, bool) {
	dm, err := b.session.State.Member(guildID, userID)
	if err != nil {
		dm, err = b.session.GuildMember(guildID, userID)
		if err != nil {
			return leveling.Member{}, false
		}
	}
	if dm.User == nil {
		return leveling.Member{}, false
	}

	member := leveling.Member{
		GuildID:     guildID,
		UserID:      userID,
		Username:    dm.User.Username,
		DisplayName: dm.User.Username,
		AvatarURL:   dm.User.AvatarURL(""),
		RoleIDs:     dm.Roles,
		Bot:         dm.User.Bot,
	}
	if dm.Nick != "" {
		member.DisplayName = dm.Nick
	}
	if guild, err := b.session.State.Guild(guildID); err == nil {
		member.GuildName = guild.Name
	}
	return member, true
}
