package broker

import (
	"bytes"
	"embed"
	"encoding/json"
	"fmt"

	"github.com/cbodonnell/plaza/pkg/messages"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.schema.json
var schemaFS embed.FS

// Validator checks broadcast payloads of the events it knows. Other events
// are relayed unchecked.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the embedded schemas of the world broadcasts.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	for _, event := range []string{messages.BroadcastPlayerMove, messages.BroadcastPlayerChat} {
		name := "schemas/" + event + ".schema.json"
		b, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %v", name, err)
		}
		if err := compiler.AddResource(name, bytes.NewReader(b)); err != nil {
			return nil, fmt.Errorf("failed to add schema %s: %v", name, err)
		}
		schema, err := compiler.Compile(name)
		if err != nil {
			return nil, fmt.Errorf("failed to compile schema %s: %v", name, err)
		}
		v.schemas[event] = schema
	}
	return v, nil
}

// Validate returns an error when payload does not match the schema of event.
func (v *Validator) Validate(event string, payload json.RawMessage) error {
	schema, ok := v.schemas[event]
	if !ok {
		return nil
	}
	var doc interface{}
	if err := json.Unmarshal(payload, &doc); err != nil {
		return fmt.Errorf("invalid %s payload: %v", event, err)
	}
	if err := schema.Validate(doc); err != nil {
		return fmt.Errorf("invalid %s payload: %v", event, err)
	}
	return nil
}
