package agentconfig

import (
	"fmt"
	"strings"
)

// IdentityBlock renders the structured prompt block the LLM layer embeds for
// an agent. It is a pure function of the agent document, the effective
// access level, and the tool names currently available to the agent.
func IdentityBlock(a *Agent, accessLevel int, availableTools []string) string {
	var b strings.Builder

	b.WriteString("## Identity\n")
	fmt.Fprintf(&b, "You are %s", a.Name)
	if a.Pronouns != "" {
		fmt.Fprintf(&b, " (%s)", a.Pronouns)
	}
	b.WriteString(".\n")
	if a.Role != "" {
		fmt.Fprintf(&b, "Role: %s\n", a.Role)
	}
	if a.VoiceTone != "" {
		fmt.Fprintf(&b, "Tone: %s\n", a.VoiceTone)
	}
	if a.CoreValues != "" {
		fmt.Fprintf(&b, "Values: %s\n", a.CoreValues)
	}

	b.WriteString("\n## Behavior\n")
	fmt.Fprintf(&b, "Your access level is %d (%s). Do not attempt actions above it.\n",
		accessLevel, LevelName(accessLevel))
	if len(availableTools) > 0 {
		fmt.Fprintf(&b, "Available tools: %s\n", strings.Join(availableTools, ", "))
	} else {
		b.WriteString("No tools are available to you.\n")
	}
	if len(a.DirectoryScopes) > 0 {
		fmt.Fprintf(&b, "You may only touch files under: %s\n", strings.Join(a.DirectoryScopes, ", "))
	}

	if a.TopicsToAvoid != "" {
		b.WriteString("\n## Topics to avoid\n")
		b.WriteString(a.TopicsToAvoid)
		b.WriteString("\n")
	}
	if a.CustomInstructions != "" {
		b.WriteString("\n## Instructions\n")
		b.WriteString(a.CustomInstructions)
		b.WriteString("\n")
	}
	if a.BackgroundKnowledge != "" {
		b.WriteString("\n## Background\n")
		b.WriteString(a.BackgroundKnowledge)
		b.WriteString("\n")
	}
	return b.String()
}
