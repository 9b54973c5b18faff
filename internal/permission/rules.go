package permission

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/gobwas/glob"
	"gopkg.in/yaml.v3"

	"github.com/tandemhq/tandem/internal/common/errors"
)

// Action is what the policy decides for a tool call.
type Action string

const (
	// ActionAllow executes the tool without prompting
	ActionAllow Action = "allow"
	// ActionDeny blocks the tool outright
	ActionDeny Action = "deny"
	// ActionAsk requests an out-of-band approval first
	ActionAsk Action = "ask"
)

// Rule matches tool calls by name and optionally by the command or path
// inside the call input. When several criteria are set, all of them must
// match for the rule to apply.
//
// Tool and Command use glob syntax where "*" spans any characters; Path
// treats "/" as a separator, so "*" stops at path boundaries and "**"
// crosses them. Commands are read from the input fields command, cmd,
// script or code; paths from path, file_path, filename or file.
type Rule struct {
	Action  Action `yaml:"action"`
	Tool    string `yaml:"tool"`
	Command string `yaml:"command,omitempty"`
	Path    string `yaml:"path,omitempty"`
	Message string `yaml:"message,omitempty"`

	tool    glob.Glob
	command glob.Glob
	path    glob.Glob
}

// Policy is an ordered rule set with a fallback mode for unmatched calls.
type Policy struct {
	Default Action `yaml:"default"`
	Rules   []Rule `yaml:"rules"`
}

// LoadPolicy reads a YAML rule file and compiles its patterns. An empty
// path yields a policy with no rules that always falls through to
// fallback; a default mode in the file wins over fallback.
func LoadPolicy(path string, fallback Action) (*Policy, error) {
	if fallback == "" {
		fallback = ActionAsk
	}
	if path == "" {
		return &Policy{Default: fallback}, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read permission policy")
	}
	policy := &Policy{}
	if err := yaml.Unmarshal(data, policy); err != nil {
		return nil, errors.Wrap(err, "parse permission policy")
	}
	if policy.Default == "" {
		policy.Default = fallback
	}
	if err := policy.compile(); err != nil {
		return nil, err
	}
	return policy, nil
}

// Evaluate returns the action for a tool call. Deny rules are checked
// before allow rules and allow before ask, so an explicit denial always
// wins; within a class the first match in file order applies. Calls no
// rule matches fall through to the policy default.
func (p *Policy) Evaluate(toolName string, input json.RawMessage) (Action, string) {
	var fields map[string]any
	if len(input) > 0 {
		_ = json.Unmarshal(input, &fields)
	}

	for _, class := range []Action{ActionDeny, ActionAllow, ActionAsk} {
		for i := range p.Rules {
			r := &p.Rules[i]
			if r.Action != class || !r.matches(toolName, fields) {
				continue
			}
			return r.Action, r.Message
		}
	}
	if p.Default == "" {
		return ActionAsk, ""
	}
	return p.Default, ""
}

func (p *Policy) compile() error {
	if err := validAction(p.Default, "default"); err != nil {
		return err
	}
	for i := range p.Rules {
		r := &p.Rules[i]
		if err := validAction(r.Action, "action"); err != nil {
			return err
		}
		if r.Tool == "" {
			return errors.Validation("tool", "rule is missing a tool pattern")
		}
		var err error
		if r.tool, err = glob.Compile(r.Tool); err != nil {
			return errors.Validation("tool", fmt.Sprintf("bad pattern %q: %v", r.Tool, err))
		}
		if r.Command != "" {
			if r.command, err = glob.Compile(r.Command); err != nil {
				return errors.Validation("command", fmt.Sprintf("bad pattern %q: %v", r.Command, err))
			}
		}
		if r.Path != "" {
			if r.path, err = glob.Compile(r.Path, '/'); err != nil {
				return errors.Validation("path", fmt.Sprintf("bad pattern %q: %v", r.Path, err))
			}
		}
	}
	return nil
}

func validAction(a Action, field string) error {
	switch a {
	case ActionAllow, ActionDeny, ActionAsk:
		return nil
	default:
		return errors.Validation(field, fmt.Sprintf("unknown permission action %q", a))
	}
}

func (r *Rule) matches(toolName string, fields map[string]any) bool {
	if r.tool == nil || !r.tool.Match(toolName) {
		return false
	}
	if r.command != nil {
		cmd := stringField(fields, "command", "cmd", "script", "code")
		if cmd == "" || !r.command.Match(cmd) {
			return false
		}
	}
	if r.path != nil {
		path := stringField(fields, "path", "file_path", "filename", "file")
		if path == "" || !r.path.Match(path) {
			return false
		}
	}
	return true
}

func stringField(fields map[string]any, names ...string) string {
	for _, name := range names {
		if v, ok := fields[name].(string); ok {
			return v
		}
	}
	return ""
}
