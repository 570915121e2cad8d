package iam

import (
	"fmt"

	"go.uber.org/zap"
)

// DefaultGrant is one (resource, actions) pair in an access level's default
// permission bundle.
type DefaultGrant struct {
	Resource string
	Actions  []string
}

// migrationGrantor is recorded as granted_by for permissions installed by
// AutoMigrateExistingAgents.
const migrationGrantor = "migration"

// DefaultGrantsForLevel maps an access level to its default permission
// bundle. Levels 1..4 are cumulative; level 5 is the single wildcard grant.
func DefaultGrantsForLevel(level int) []DefaultGrant {
	var grants []DefaultGrant
	if level >= 5 {
		return []DefaultGrant{{Resource: "*", Actions: []string{"*"}}}
	}
	if level >= 1 {
		grants = append(grants,
			DefaultGrant{Resource: "tool:web_search", Actions: []string{"use"}},
			DefaultGrant{Resource: "tool:web_fetch", Actions: []string{"use"}},
		)
	}
	if level >= 2 {
		grants = append(grants,
			DefaultGrant{Resource: "file:*", Actions: []string{"read"}},
			DefaultGrant{Resource: "tool:list_directory", Actions: []string{"use"}},
			DefaultGrant{Resource: "tool:read_file", Actions: []string{"use"}},
			DefaultGrant{Resource: "tool:search_files", Actions: []string{"use"}},
			DefaultGrant{Resource: "tool:screenshot", Actions: []string{"use"}},
		)
	}
	if level >= 3 {
		grants = append(grants,
			DefaultGrant{Resource: "file:*", Actions: []string{"read", "write"}},
			DefaultGrant{Resource: "tool:write_file", Actions: []string{"use"}},
			DefaultGrant{Resource: "tool:clipboard", Actions: []string{"use"}},
		)
	}
	if level >= 4 {
		grants = append(grants,
			DefaultGrant{Resource: "tool:*", Actions: []string{"use"}},
			DefaultGrant{Resource: "tool:run_command", Actions: []string{"use", "execute"}},
			DefaultGrant{Resource: "tool:execute_code", Actions: []string{"use", "execute"}},
		)
	}
	return grants
}

// RegisteredAgent is the slice of an agent config the migration needs. The
// bootstrap sequence maps registry documents into this shape so this package
// never references the agent config registry directly.
type RegisteredAgent struct {
	ID          string
	AccessLevel int
}

// AutoMigrateExistingAgents ensures every configured agent has an IAM
// identity and the default permission bundle for its access level, then
// recomputes its risk score. Called once from the bootstrap sequence.
func (e *Engine) AutoMigrateExistingAgents(agents []RegisteredAgent) error {
	for _, a := range agents {
		if _, _, err := e.Get(a.ID); err == nil {
			continue
		}
		if err := e.Register(a.ID, "", fmt.Sprintf("agent at access level %d", a.AccessLevel)); err != nil {
			return fmt.Errorf("register %s: %w", a.ID, err)
		}
		for _, g := range DefaultGrantsForLevel(a.AccessLevel) {
			if err := e.Grant(a.ID, g.Resource, g.Actions, migrationGrantor); err != nil {
				return fmt.Errorf("grant %s on %s: %w", a.ID, g.Resource, err)
			}
		}
		if _, err := e.CalculateRisk(a.ID); err != nil {
			e.logger.Warn("risk calculation after migration failed", zap.String("agent", a.ID), zap.Error(err))
		}
		e.logger.Info("migrated agent into IAM",
			zap.String("agent", a.ID),
			zap.Int("access_level", a.AccessLevel),
		)
	}
	return nil
}
