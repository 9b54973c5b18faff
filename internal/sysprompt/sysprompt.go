// Package sysprompt assembles the system prompt sent with each agent run.
package sysprompt

import (
	"fmt"
	"strings"

	sessionmodels "github.com/tandemhq/tandem/internal/session/models"
)

// base is the standing instruction set every run starts from.
const base = `You are tandem, a coding agent working inside the session's workspace directory.
Make focused changes and prefer small verifiable steps. Use the available tools to read and modify files instead of guessing at their contents.
When a tool call fails, read the error and adjust your approach; do not repeat the identical call.`

// ForSession renders the system prompt for one run, appending the session's
// workspace directory and any enabled plugins.
func ForSession(session *sessionmodels.Session) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString(fmt.Sprintf("\n\nWorkspace directory: %s", session.Directory))
	if len(session.Plugins) > 0 {
		b.WriteString(fmt.Sprintf("\nEnabled plugins: %s", strings.Join(session.Plugins, ", ")))
	}
	return b.String()
}
