package permission

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tandemhq/tandem/internal/common/errors"
)

func writePolicy(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadPolicy(t *testing.T) {
	t.Run("loads and compiles rules", func(t *testing.T) {
		path := writePolicy(t, `
default: allow
rules:
  - action: deny
    tool: bash
    command: "rm -rf*"
    message: recursive deletion is blocked
  - action: allow
    tool: "read_*"
  - action: ask
    tool: "*"
    path: "/etc/**"
`)
		policy, err := LoadPolicy(path, ActionAsk)
		require.NoError(t, err)

		assert.Equal(t, ActionAllow, policy.Default)
		require.Len(t, policy.Rules, 3)
		assert.Equal(t, "recursive deletion is blocked", policy.Rules[0].Message)
	})

	t.Run("empty path yields fallback only", func(t *testing.T) {
		policy, err := LoadPolicy("", ActionDeny)
		require.NoError(t, err)
		assert.Equal(t, ActionDeny, policy.Default)
		assert.Empty(t, policy.Rules)

		action, _ := policy.Evaluate("anything", nil)
		assert.Equal(t, ActionDeny, action)
	})

	t.Run("rejects unknown actions", func(t *testing.T) {
		path := writePolicy(t, "default: maybe\n")
		_, err := LoadPolicy(path, "")
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("rejects rules without a tool pattern", func(t *testing.T) {
		path := writePolicy(t, "rules:\n  - action: allow\n")
		_, err := LoadPolicy(path, "")
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("rejects bad glob patterns", func(t *testing.T) {
		path := writePolicy(t, "rules:\n  - action: allow\n    tool: \"[\"\n")
		_, err := LoadPolicy(path, "")
		require.Error(t, err)
		assert.True(t, errors.IsValidation(err))
	})

	t.Run("missing file", func(t *testing.T) {
		_, err := LoadPolicy(filepath.Join(t.TempDir(), "absent.yaml"), "")
		require.Error(t, err)
	})
}

func TestEvaluate(t *testing.T) {
	policy := &Policy{
		Default: ActionAsk,
		Rules: []Rule{
			{Action: ActionAllow, Tool: "*"},
			{Action: ActionDeny, Tool: "bash", Command: "git push*", Message: "pushes need review"},
			{Action: ActionDeny, Tool: "*", Path: "/etc/**", Message: "system files are off limits"},
		},
	}
	require.NoError(t, policy.compile())

	t.Run("deny wins over a broad allow", func(t *testing.T) {
		action, message := policy.Evaluate("bash", json.RawMessage(`{"command":"git push origin main"}`))
		assert.Equal(t, ActionDeny, action)
		assert.Equal(t, "pushes need review", message)
	})

	t.Run("allow matches when no deny applies", func(t *testing.T) {
		action, _ := policy.Evaluate("bash", json.RawMessage(`{"command":"ls -la"}`))
		assert.Equal(t, ActionAllow, action)
	})

	t.Run("path patterns cross directories with a double star", func(t *testing.T) {
		action, message := policy.Evaluate("write_file", json.RawMessage(`{"path":"/etc/ssh/sshd_config"}`))
		assert.Equal(t, ActionDeny, action)
		assert.Equal(t, "system files are off limits", message)

		action, _ = policy.Evaluate("write_file", json.RawMessage(`{"path":"/home/user/notes.txt"}`))
		assert.Equal(t, ActionAllow, action)
	})

	t.Run("command rule skips calls without a command", func(t *testing.T) {
		action, _ := policy.Evaluate("bash", json.RawMessage(`{"other":1}`))
		assert.Equal(t, ActionAllow, action)
	})

	t.Run("unmatched calls use the default", func(t *testing.T) {
		restrictive := &Policy{Default: ActionAsk, Rules: []Rule{{Action: ActionAllow, Tool: "read_*"}}}
		require.NoError(t, restrictive.compile())

		action, _ := restrictive.Evaluate("write_file", nil)
		assert.Equal(t, ActionAsk, action)

		action, _ = restrictive.Evaluate("read_file", nil)
		assert.Equal(t, ActionAllow, action)
	})
}
