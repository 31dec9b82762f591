package discord

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"levelbot/internal/leveling"
	"levelbot/pkg/utils"
)

var errUnknownMember = errors.New("member not found in this guild")

// dispatchCommand routes prefix commands from messageCreate.
func (b *Bot) dispatchCommand(s *discordgo.Session, m *discordgo.MessageCreate) {
	content := strings.TrimSpace(m.Content)
	if !strings.HasPrefix(content, b.prefix) {
		return
	}
	args := strings.Fields(strings.TrimPrefix(content, b.prefix))
	if len(args) == 0 {
		return
	}
	command := strings.ToLower(args[0])
	args = args[1:]

	switch command {
	case "rank":
		b.handleRank(s, m, args)
	case "leaderboard", "top":
		b.handleLeaderboard(s, m, args)
	case "voice":
		b.handleVoice(s, m)
	case "addxp":
		b.handleAdminXP(s, m, args, "addxp")
	case "removexp":
		b.handleAdminXP(s, m, args, "removexp")
	case "setxp":
		b.handleAdminXP(s, m, args, "setxp")
	case "setlevel":
		b.handleAdminXP(s, m, args, "setlevel")
	case "reset":
		b.handleReset(s, m, args)
	case "reload":
		b.handleReload(s, m)
	}
}

func (b *Bot) reply(s *discordgo.Session, channelID, message string) {
	if _, err := s.ChannelMessageSend(channelID, message); err != nil {
		b.log.Warn("failed to send reply",
			zap.String("channel_id", channelID), zap.Error(err))
	}
}

func (b *Bot) replyEmbed(s *discordgo.Session, channelID string, embed *discordgo.MessageEmbed) {
	if _, err := s.ChannelMessageSendEmbed(channelID, embed); err != nil {
		b.log.Warn("failed to send reply embed",
			zap.String("channel_id", channelID), zap.Error(err))
	}
}

// isAdmin reports whether the message author may run admin commands.
func (b *Bot) isAdmin(s *discordgo.Session, m *discordgo.MessageCreate) bool {
	perms, err := s.UserChannelPermissions(m.Author.ID, m.ChannelID)
	if err != nil {
		b.log.Warn("failed to check permissions",
			zap.String("user_id", m.Author.ID), zap.Error(err))
		return false
	}
	return perms&(discordgo.PermissionAdministrator|discordgo.PermissionManageServer) != 0
}

// memberArg resolves a command argument (mention or raw id) to a member.
func (b *Bot) memberArg(guildID, arg string) (leveling.Member, error) {
	id := arg
	if utils.IsUserMention(arg) {
		id = utils.ExtractUserIDFromMention(arg)
	}
	if _, err := strconv.ParseUint(id, 10, 64); err != nil {
		return leveling.Member{}, errUnknownMember
	}
	member, ok := b.ResolveMember(guildID, id)
	if !ok {
		return leveling.Member{}, errUnknownMember
	}
	return member, nil
}

func (b *Bot) handleRank(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	target := b.memberFromMessage(m)
	if len(args) > 0 {
		resolved, err := b.memberArg(m.GuildID, args[0])
		if err != nil {
			b.reply(s, m.ChannelID, "❌ "+err.Error())
			return
		}
		target = resolved
	}

	cfg := b.cfg.Guild(m.GuildID)
	rec := b.tracker.User(target.GuildID, target.UserID)
	required := leveling.XPRequired(cfg.LevelBaseXP, cfg.LevelXPStep, rec.Level)

	achievements := "none yet"
	if len(rec.Achievements) > 0 {
		achievements = "• " + strings.Join(rec.Achievements, "\n• ")
	}

	embed := &discordgo.MessageEmbed{
		Title: fmt.Sprintf("📊 Rank — %s", target.DisplayName),
		Color: levelUpColor,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Level", Value: strconv.Itoa(rec.Level), Inline: true},
			{Name: "XP", Value: fmt.Sprintf("%d / %d", rec.XP, required), Inline: true},
			{Name: "Messages", Value: strconv.Itoa(rec.Messages), Inline: true},
			{Name: "Voice", Value: utils.FormatDuration(rec.VoiceSeconds), Inline: true},
			{Name: "Achievements", Value: achievements},
		},
	}
	if target.AvatarURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: target.AvatarURL}
	}
	b.replyEmbed(s, m.ChannelID, embed)
}

func (b *Bot) handleLeaderboard(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	top := 10
	if len(args) > 0 {
		if n, err := strconv.Atoi(args[0]); err == nil {
			top = n
		}
	}
	if top < 1 {
		top = 1
	}
	if top > 25 {
		top = 25
	}

	entries := b.tracker.Leaderboard(m.GuildID, top)
	if len(entries) == 0 {
		b.reply(s, m.ChannelID, "No users found.")
		return
	}

	lines := make([]string, 0, len(entries))
	for i, entry := range entries {
		name := "User " + entry.UserID
		if member, ok := b.ResolveMember(m.GuildID, entry.UserID); ok {
			name = member.DisplayName
		}
		detail := fmt.Sprintf("Level **%d** (%d XP)", entry.Record.Level, entry.Record.XP)
		lines = append(lines, utils.FormatLeaderboardEntry(i+1, name, detail))
	}

	embed := &discordgo.MessageEmbed{
		Title:       "🏆 Level Leaderboard",
		Description: strings.Join(lines, "\n"),
		Color:       achievementColor,
	}
	if guild, err := s.State.Guild(m.GuildID); err == nil {
		embed.Footer = &discordgo.MessageEmbedFooter{Text: guild.Name}
	}
	b.replyEmbed(s, m.ChannelID, embed)
}

func (b *Bot) handleVoice(s *discordgo.Session, m *discordgo.MessageCreate) {
	rec := b.tracker.User(m.GuildID, m.Author.ID)
	b.reply(s, m.ChannelID, fmt.Sprintf("⏱️ %s, total voice: %s",
		m.Author.Username, utils.FormatDuration(rec.VoiceSeconds)))
}

// handleAdminXP covers the amount-taking admin commands. Invalid input is
// rejected with a reply and mutates nothing.
func (b *Bot) handleAdminXP(s *discordgo.Session, m *discordgo.MessageCreate, args []string, command string) {
	if !b.isAdmin(s, m) {
		b.reply(s, m.ChannelID, "❌ You need the Manage Server permission for that.")
		return
	}
	if len(args) < 2 {
		b.reply(s, m.ChannelID, fmt.Sprintf("Usage: %s%s @member <amount>", b.prefix, command))
		return
	}

	member, err := b.memberArg(m.GuildID, args[0])
	if err != nil {
		b.reply(s, m.ChannelID, "❌ "+err.Error())
		return
	}
	amount, err := strconv.Atoi(args[1])
	if err != nil {
		b.reply(s, m.ChannelID, "❌ amount must be a number")
		return
	}

	switch command {
	case "addxp":
		if amount <= 0 {
			b.reply(s, m.ChannelID, "❌ "+leveling.ErrInvalidAmount.Error())
			return
		}
		b.tracker.AddXP(member, amount)
		b.reply(s, m.ChannelID, fmt.Sprintf("✨ Added %d XP to %s", amount, member.DisplayName))
	case "removexp":
		if err := b.tracker.RemoveXP(member, amount); err != nil {
			b.reply(s, m.ChannelID, "❌ "+err.Error())
			return
		}
		b.reply(s, m.ChannelID, fmt.Sprintf("Removed %d XP from %s", amount, member.DisplayName))
	case "setxp":
		if err := b.tracker.SetXP(member, amount); err != nil {
			b.reply(s, m.ChannelID, "❌ "+err.Error())
			return
		}
		b.reply(s, m.ChannelID, fmt.Sprintf("Set %s's XP to %d", member.DisplayName, amount))
	case "setlevel":
		if err := b.tracker.SetLevel(member, amount); err != nil {
			b.reply(s, m.ChannelID, "❌ "+err.Error())
			return
		}
		b.reply(s, m.ChannelID, fmt.Sprintf("Set %s's level to %d", member.DisplayName, amount))
	}
}

func (b *Bot) handleReset(s *discordgo.Session, m *discordgo.MessageCreate, args []string) {
	if !b.isAdmin(s, m) {
		b.reply(s, m.ChannelID, "❌ You need the Manage Server permission for that.")
		return
	}
	if len(args) < 1 {
		b.reply(s, m.ChannelID, fmt.Sprintf("Usage: %sreset @member", b.prefix))
		return
	}
	member, err := b.memberArg(m.GuildID, args[0])
	if err != nil {
		b.reply(s, m.ChannelID, "❌ "+err.Error())
		return
	}
	if err := b.tracker.Reset(member); err != nil {
		b.log.Error("failed to persist reset",
			zap.String("guild_id", member.GuildID),
			zap.String("user_id", member.UserID),
			zap.Error(err))
	}
	b.reply(s, m.ChannelID, fmt.Sprintf("♻️ Reset level data for %s", member.DisplayName))
}

// handleReload re-reads the guild's data file and leveling config.
func (b *Bot) handleReload(s *discordgo.Session, m *discordgo.MessageCreate) {
	if !b.isAdmin(s, m) {
		b.reply(s, m.ChannelID, "❌ You need the Manage Server permission for that.")
		return
	}
	b.tracker.ReloadGuild(m.GuildID)
	b.cfg.Reload(m.GuildID)
	b.reply(s, m.ChannelID, "🔄 Reloaded level data and config for this guild.")
}
