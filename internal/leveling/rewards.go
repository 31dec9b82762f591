package leveling

import (
	"go.uber.org/zap"

	"levelbot/internal/config"
)

// Role is a guild role as seen by the reward resolver.
type Role struct {
	ID   string
	Name string
}

// Resolution describes the role changes needed to enforce "at most one
// level-reward role, always the highest earned".
type Resolution struct {
	// Grant is the role id to add, empty when the member already holds the
	// right role or has earned none.
	Grant string
	// Revoke lists reward role ids the member holds but should not.
	Revoke []string
}

// ResolveRewards picks the highest configured reward level at or below the
// member's level as the role to hold and marks every other configured reward
// role the member holds for revocation.
//
// Role identity resolves by explicit id first, falling back to a name lookup
// over the guild's roles. A reward that resolves to no role is skipped and
// logged rather than aborting the resolution.
func ResolveRewards(level int, rewards []config.Reward, guildRoles []Role, memberRoleIDs []string, log *zap.Logger) Resolution {
	byID := make(map[string]Role, len(guildRoles))
	byName := make(map[string]Role, len(guildRoles))
	for _, role := range guildRoles {
		byID[role.ID] = role
		byName[role.Name] = role
	}

	held := make(map[string]bool, len(memberRoleIDs))
	for _, id := range memberRoleIDs {
		held[id] = true
	}

	var (
		target      Role
		targetLevel int
		resolved    []Role
	)
	for _, reward := range rewards {
		role, ok := resolveRole(reward, byID, byName)
		if !ok {
			log.Warn("configured reward role not found, skipping",
				zap.Int("level", reward.Level),
				zap.String("role_name", reward.RoleName),
				zap.String("role_id", reward.RoleID))
			continue
		}
		resolved = append(resolved, role)
		if reward.Level <= level && reward.Level >= targetLevel {
			target = role
			targetLevel = reward.Level
		}
	}

	var res Resolution
	for _, role := range resolved {
		if role.ID == target.ID {
			continue
		}
		if held[role.ID] {
			res.Revoke = append(res.Revoke, role.ID)
		}
	}
	if targetLevel > 0 && !held[target.ID] {
		res.Grant = target.ID
	}
	return res
}

func resolveRole(reward config.Reward, byID, byName map[string]Role) (Role, bool) {
	if reward.RoleID != "" {
		if role, ok := byID[reward.RoleID]; ok {
			return role, true
		}
	}
	if role, ok := byName[reward.RoleName]; ok {
		return role, true
	}
	return Role{}, false
}
