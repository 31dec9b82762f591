package discord

import (
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"levelbot/internal/leveling"
)

// SyncRewards enforces "at most one level-reward role, always the highest
// earned" for a member. Per-role failures are retried briefly, then logged
// and skipped so one bad role never blocks the others.
func (b *Bot) SyncRewards(m leveling.Member, level int) {
	cfg := b.cfg.Guild(m.GuildID)
	if len(cfg.Rewards) == 0 {
		return
	}

	guildRoles, err := b.guildRoles(m.GuildID)
	if err != nil {
		b.log.Warn("failed to fetch guild roles for reward sync",
			zap.String("guild_id", m.GuildID), zap.Error(err))
		return
	}

	// Re-resolve the member so the held-role set is current even when the
	// triggering event carried stale data.
	roleIDs := m.RoleIDs
	if fresh, ok := b.ResolveMember(m.GuildID, m.UserID); ok {
		roleIDs = fresh.RoleIDs
	}

	res := leveling.ResolveRewards(level, cfg.Rewards, guildRoles, roleIDs, b.log)

	for _, roleID := range res.Revoke {
		b.changeRole("revoke", m, roleID, func() error {
			return b.session.GuildMemberRoleRemove(m.GuildID, m.UserID, roleID)
		})
	}
	if res.Grant != "" {
		b.changeRole("grant", m, res.Grant, func() error {
			return b.session.GuildMemberRoleAdd(m.GuildID, m.UserID, res.Grant)
		})
	}
}

func (b *Bot) guildRoles(guildID string) ([]leveling.Role, error) {
	var roles []*discordgo.Role
	if guild, err := b.session.State.Guild(guildID); err == nil && len(guild.Roles) > 0 {
		roles = guild.Roles
	} else {
		fetched, err := b.session.GuildRoles(guildID)
		if err != nil {
			return nil, err
		}
		roles = fetched
	}

	out := make([]leveling.Role, 0, len(roles))
	for _, role := range roles {
		out = append(out, leveling.Role{ID: role.ID, Name: role.Name})
	}
	return out, nil
}

// changeRole applies a single grant/revoke with a short retry for transient
// failures (rate limits, flaky transport). A final failure is logged per
// role and member; progression state is never rolled back.
func (b *Bot) changeRole(action string, m leveling.Member, roleID string, op func() error) {
	policy := backoff.WithMaxRetries(backoff.NewConstantBackOff(500*time.Millisecond), 2)
	if err := backoff.Retry(op, policy); err != nil {
		b.log.Warn("failed to "+action+" reward role",
			zap.String("guild_id", m.GuildID),
			zap.String("user_id", m.UserID),
			zap.String("role_id", roleID),
			zap.Error(err))
	}
}
