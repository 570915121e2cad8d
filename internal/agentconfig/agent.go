// Package agentconfig owns the catalogue of agent personas: identity,
// persona fields, access level, directory scopes, and capability toggles.
// Persistence is one pretty-printed JSON document per agent under the data
// directory; the built-in agent always exists after Bootstrap.
package agentconfig

import (
	"fmt"
	"strings"
	"time"
)

// BuiltInAgentID is the slug of the undeletable default agent.
const BuiltInAgentID = "torbo"

// Access levels. The numeric values are persisted and must not change.
const (
	LevelOff   = 0
	LevelChat  = 1
	LevelRead  = 2
	LevelWrite = 3
	LevelExec  = 4
	LevelFull  = 5
)

var levelNames = [...]string{"OFF", "CHAT", "READ", "WRITE", "EXEC", "FULL"}

// LevelName returns the user-visible name of an access level, or "UNKNOWN"
// for out-of-range values.
func LevelName(level int) string {
	if level < 0 || level >= len(levelNames) {
		return "UNKNOWN"
	}
	return levelNames[level]
}

// Agent is one persona document. JSON field names are part of the on-disk
// format and must not change.
type Agent struct {
	ID                  string          `json:"id"`
	IsBuiltIn           bool            `json:"isBuiltIn"`
	CreatedAt           time.Time       `json:"createdAt"`
	Name                string          `json:"name"`
	Pronouns            string          `json:"pronouns"`
	Role                string          `json:"role"`
	VoiceTone           string          `json:"voiceTone"`
	PersonalityPreset   string          `json:"personalityPreset"`
	CoreValues          string          `json:"coreValues"`
	TopicsToAvoid       string          `json:"topicsToAvoid"`
	CustomInstructions  string          `json:"customInstructions"`
	BackgroundKnowledge string          `json:"backgroundKnowledge"`
	ElevenLabsVoiceID   string          `json:"elevenLabsVoiceID"`
	FallbackTTSVoice    string          `json:"fallbackTTSVoice"`
	AccessLevel         int             `json:"accessLevel"`
	DirectoryScopes     []string        `json:"directoryScopes"`
	EnabledSkillIDs     []string        `json:"enabledSkillIDs"`
	EnabledCapabilities map[string]bool `json:"enabledCapabilities,omitempty"`
}

// CapabilityEnabled reports whether a capability category is enabled for
// this agent. Missing keys default to enabled.
func (a *Agent) CapabilityEnabled(category string) bool {
	if a.EnabledCapabilities == nil {
		return true
	}
	enabled, ok := a.EnabledCapabilities[category]
	if !ok {
		return true
	}
	return enabled
}

// Default persona values for the built-in agent. Changing any of these
// requires adding the old value to the matching previous* table below so
// Bootstrap can tell an uncustomized document from a user edit.
const (
	defaultRole         = "personal AI assistant running on the user's own machine"
	defaultVoiceTone    = "warm, direct, and concise"
	defaultCoreValues   = "honesty; user privacy; asking before acting on anything irreversible"
	defaultInstructions = "Stay within your granted access level. Say when you are unsure. Never claim to have done something you have not."
)

var (
	previousRoles = []string{
		"local AI assistant",
	}
	previousVoiceTones = []string{
		"friendly and concise",
	}
	previousCoreValues = []string{
		"honesty; user privacy",
	}
	previousInstructions = []string{
		"Stay within your granted access level. Say when you are unsure.",
	}
)

// DefaultAgent returns a fresh built-in agent document.
func DefaultAgent() *Agent {
	return &Agent{
		ID:                 BuiltInAgentID,
		IsBuiltIn:          true,
		CreatedAt:          time.Now().UTC(),
		Name:               "Torbo",
		Pronouns:           "it/its",
		Role:               defaultRole,
		VoiceTone:          defaultVoiceTone,
		CoreValues:         defaultCoreValues,
		CustomInstructions: defaultInstructions,
		AccessLevel:        LevelRead,
		DirectoryScopes:    []string{},
		EnabledSkillIDs:    []string{},
	}
}

// applyPersonaDefaults overwrites the persona fields of a with the current
// defaults, leaving id, built-in flag, timestamps, access level, scopes,
// skills, and capability toggles untouched.
func applyPersonaDefaults(a *Agent) {
	d := DefaultAgent()
	a.Name = d.Name
	a.Pronouns = d.Pronouns
	a.Role = d.Role
	a.VoiceTone = d.VoiceTone
	a.PersonalityPreset = d.PersonalityPreset
	a.CoreValues = d.CoreValues
	a.TopicsToAvoid = d.TopicsToAvoid
	a.CustomInstructions = d.CustomInstructions
	a.BackgroundKnowledge = d.BackgroundKnowledge
}

// upgradeStalePersona replaces persona fields that still hold a known
// previous default with the current default. Fields holding anything else
// were customized by the user and are left alone. Returns true if any field
// changed.
func upgradeStalePersona(a *Agent) bool {
	changed := false
	upgrade := func(field *string, current string, previous []string) {
		if *field == current {
			return
		}
		for _, old := range previous {
			if *field == old {
				*field = current
				changed = true
				return
			}
		}
	}
	upgrade(&a.Role, defaultRole, previousRoles)
	upgrade(&a.VoiceTone, defaultVoiceTone, previousVoiceTones)
	upgrade(&a.CoreValues, defaultCoreValues, previousCoreValues)
	upgrade(&a.CustomInstructions, defaultInstructions, previousInstructions)
	return changed
}

// Slugify turns a display name into an agent id: lowercase, spaces become
// "-", every other character outside [a-z0-9-] is dropped. An empty result
// falls back to "agent-<unix-seconds>".
func Slugify(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r == ' ':
			b.WriteByte('-')
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		}
	}
	slug := b.String()
	if slug == "" {
		return fmt.Sprintf("agent-%d", time.Now().Unix())
	}
	return slug
}

// ValidID reports whether id is a well-formed, non-empty agent slug.
func ValidID(id string) bool {
	if id == "" {
		return false
	}
	for _, r := range id {
		if (r < 'a' || r > 'z') && (r < '0' || r > '9') && r != '-' {
			return false
		}
	}
	return true
}
