package discord

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/bwmarrin/discordgo"
	"go.uber.org/zap"

	"levelbot/internal/leveling"
	"levelbot/pkg/utils"
)

const (
	levelUpColor     = 0x5865F2
	achievementColor = 0xF1C40F

	// Longer unlock batches are summarised to keep embeds readable.
	maxListedUnlocks = 15
)

// renderTemplate substitutes {placeholder} values into a message template.
func renderTemplate(template string, pairs []string) string {
	return strings.NewReplacer(pairs...).Replace(template)
}

func templateValues(m leveling.Member) []string {
	return []string{
		"{member_mention}", utils.FormatUserMention(m.UserID),
		"{member_name}", m.Username,
		"{member_display_name}", m.DisplayName,
		"{member_id}", m.UserID,
		"{guild_name}", m.GuildName,
	}
}

// announceChannel picks the channel for an announcement: the configured
// channel id when set, otherwise the guild's system channel.
func (b *Bot) announceChannel(guildID, configuredID string) string {
	if configuredID != "" && configuredID != "0" {
		return configuredID
	}
	guild, err := b.session.State.Guild(guildID)
	if err != nil {
		return ""
	}
	return guild.SystemChannelID
}

// AnnounceLevelUp sends the level-up message for a member. Best effort: a
// failed send is logged and never affects the already-applied progression.
func (b *Bot) AnnounceLevelUp(m leveling.Member, level int) {
	cfg := b.cfg.Guild(m.GuildID)

	channelID := b.announceChannel(m.GuildID, cfg.LevelUpChannelID)
	if channelID == "" {
		b.log.Debug("no channel available for level-up announcement",
			zap.String("guild_id", m.GuildID))
		return
	}

	values := append(templateValues(m), "{level}", strconv.Itoa(level))
	embed := &discordgo.MessageEmbed{
		Description: renderTemplate(cfg.LevelUpTemplate, values),
		Color:       levelUpColor,
	}
	if m.AvatarURL != "" {
		embed.Thumbnail = &discordgo.MessageEmbedThumbnail{URL: m.AvatarURL}
	}

	if _, err := b.session.ChannelMessageSendEmbed(channelID, embed); err != nil {
		b.log.Warn("failed to send level-up message",
			zap.String("guild_id", m.GuildID),
			zap.String("channel_id", channelID),
			zap.Error(err))
	}
}

// AnnounceAchievements sends unlock notifications: a single unlock gets its
// own message with the optional image, a batch gets one summary embed.
func (b *Bot) AnnounceAchievements(m leveling.Member, unlocks []leveling.Unlock) {
	if len(unlocks) == 0 {
		return
	}
	cfg := b.cfg.Guild(m.GuildID)

	channelID := b.announceChannel(m.GuildID, cfg.AchievementChannelID)
	if channelID == "" {
		b.log.Debug("no channel available for achievement announcement",
			zap.String("guild_id", m.GuildID))
		return
	}

	var err error
	if len(unlocks) == 1 {
		err = b.sendSingleUnlock(channelID, m, cfg.AchievementTemplate, unlocks[0])
	} else {
		err = b.sendUnlockSummary(channelID, m, unlocks)
	}
	if err != nil {
		b.log.Warn("failed to send achievement message",
			zap.String("guild_id", m.GuildID),
			zap.String("channel_id", channelID),
			zap.Error(err))
	}
}

func (b *Bot) sendSingleUnlock(channelID string, m leveling.Member, template string, unlock leveling.Unlock) error {
	values := append(templateValues(m), "{achievement_name}", unlock.Name)
	message := renderTemplate(template, values)

	image := strings.TrimSpace(unlock.Image)
	switch {
	case image == "":
		_, err := b.session.ChannelMessageSend(channelID, message)
		return err

	case strings.HasPrefix(strings.ToLower(image), "http://"),
		strings.HasPrefix(strings.ToLower(image), "https://"):
		embed := &discordgo.MessageEmbed{
			Description: message,
			Color:       achievementColor,
			Image:       &discordgo.MessageEmbedImage{URL: image},
		}
		_, err := b.session.ChannelMessageSendEmbed(channelID, embed)
		return err

	default:
		return b.sendUnlockWithFile(channelID, message, image)
	}
}

// sendUnlockWithFile attaches a local achievement image. An unreadable file
// degrades to a plain message instead of dropping the announcement.
func (b *Bot) sendUnlockWithFile(channelID, message, path string) error {
	f, err := os.Open(path)
	if err != nil {
		b.log.Warn("achievement image not readable, sending without it",
			zap.String("path", path), zap.Error(err))
		_, err = b.session.ChannelMessageSend(channelID, message)
		return err
	}
	defer f.Close()

	name := filepath.Base(path)
	_, err = b.session.ChannelMessageSendComplex(channelID, &discordgo.MessageSend{
		Embeds: []*discordgo.MessageEmbed{{
			Description: message,
			Color:       achievementColor,
			Image:       &discordgo.MessageEmbedImage{URL: "attachment://" + name},
		}},
		Files: []*discordgo.File{{Name: name, Reader: f}},
	})
	return err
}

func (b *Bot) sendUnlockSummary(channelID string, m leveling.Member, unlocks []leveling.Unlock) error {
	listed := unlocks
	if len(listed) > maxListedUnlocks {
		listed = listed[:maxListedUnlocks]
	}
	var sb strings.Builder
	for _, unlock := range listed {
		fmt.Fprintf(&sb, "• %s\n", unlock.Name)
	}
	if extra := len(unlocks) - len(listed); extra > 0 {
		fmt.Fprintf(&sb, "• +%d more\n", extra)
	}

	embed := &discordgo.MessageEmbed{
		Title: "🏆 Achievements unlocked",
		Description: fmt.Sprintf("%s unlocked **%d** achievements:\n\n%s",
			utils.FormatUserMention(m.UserID), len(unlocks), sb.String()),
		Color: achievementColor,
	}
	_, err := b.session.ChannelMessageSendEmbed(channelID, embed)
	return err
}
