package tool

import (
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/tandemhq/tandem/internal/common/errors"
)

// compileSchema compiles a raw JSON Schema document. An empty document means
// the tool accepts anything and skips validation.
func compileSchema(raw json.RawMessage) (*jsonschema.Schema, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}
	schema, err := c.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}
	return schema, nil
}

// validateInput checks a call's input against the tool's declared schema.
// Missing input validates as an empty object.
func (t *Tool) validateInput(input json.RawMessage) error {
	if t.schema == nil {
		return nil
	}

	var payload any = map[string]any{}
	if len(input) > 0 {
		if err := json.Unmarshal(input, &payload); err != nil {
			return errors.Validation("input", fmt.Sprintf("tool %s input is not valid JSON: %v", t.Name, err))
		}
	}
	if err := t.schema.Validate(payload); err != nil {
		return errors.Validation("input", fmt.Sprintf("tool %s: %v", t.Name, err))
	}
	return nil
}
