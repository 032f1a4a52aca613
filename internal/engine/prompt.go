package engine

import (
	"strings"

	"github.com/younfor/chat-work/internal/domain"
)

// DefaultSystemPrompt teaches the engine the action protocol: answers
// are plain text, and a proposed operation is exactly one fenced json
// block that the bridge parses, screens, and (maybe) executes.
const DefaultSystemPrompt = `You are a helpful assistant bridged into a chat application. Answer in the language the user writes in.

When fulfilling the request requires running a shell command or touching a file, include exactly one fenced json block in your reply describing the operation:

` + "```json" + `
{"action": "execute", "command": "ls -la /tmp", "description": "list files in /tmp"}
` + "```" + `

Supported actions:
- {"action": "execute", "command": "...", "description": "..."}
- {"action": "read_file", "path": "..."}
- {"action": "write_file", "path": "...", "content": "...", "description": "..."}

The bridge runs the operation in a sandbox and sends you the result as a follow-up message. Only propose an action when the request actually needs one; never propose destructive commands.`

// roleLabels maps turn roles to transcript labels.
var roleLabels = map[string]string{
	domain.RoleUser:      "User",
	domain.RoleAssistant: "Assistant",
	domain.RoleSystem:    "System",
}

// renderPrompt flattens history plus the new prompt into a single
// transcript. The engine process is stateless per call, so all the
// context it gets is what we render here.
func renderPrompt(history []domain.Turn, prompt string) string {
	var b strings.Builder
	for _, turn := range history {
		label, ok := roleLabels[turn.Role]
		if !ok {
			label = "User"
		}
		b.WriteString(label)
		b.WriteString(": ")
		b.WriteString(turn.Content)
		b.WriteString("\n\n")
	}
	b.WriteString("User: ")
	b.WriteString(prompt)
	return b.String()
}
