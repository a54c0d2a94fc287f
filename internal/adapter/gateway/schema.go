package gateway

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/kaptinlin/jsonschema"
)

const (
	objectSchema = `{"type": "object"}`

	pathSchema = `{
		"type": "object",
		"properties": {"path": {"type": "string"}},
		"required": ["path"]
	}`

	tabIDSchema = `{
		"type": "object",
		"properties": {"tab_id": {"type": "string", "minLength": 1}},
		"required": ["tab_id"]
	}`
)

// requestSchemas maps RPC methods to the JSON Schema their payload must
// satisfy. Methods not listed accept any payload.
var requestSchemas = map[string]string{
	methodGetCurrentDirectory: objectSchema,
	methodChangeDirectory:     pathSchema,
	methodExecuteCommand: `{
		"type": "object",
		"properties": {
			"commandName": {"type": "string"},
			"args": {"type": "array", "items": {"type": "string"}},
			"workingDir": {"type": "string"}
		},
		"required": ["commandName", "args"]
	}`,

	methodSurfaceCwd:   objectSchema,
	methodSurfaceChdir: pathSchema,
	methodSurfaceExec: `{
		"type": "object",
		"properties": {
			"program": {"type": "string", "minLength": 1},
			"args": {"type": "array", "items": {"type": "string"}},
			"work_dir": {"type": "string"}
		},
		"required": ["program"]
	}`,

	methodTabOpen:  objectSchema,
	methodTabList:  objectSchema,
	methodTabClose: tabIDSchema,
	methodTabGet: `{
		"type": "object",
		"properties": {
			"tab_id": {"type": "string", "minLength": 1},
			"since": {"type": "integer", "minimum": 0}
		},
		"required": ["tab_id"]
	}`,
	methodTabSubmit: `{
		"type": "object",
		"properties": {
			"tab_id": {"type": "string", "minLength": 1},
			"input": {"type": "string"}
		},
		"required": ["tab_id", "input"]
	}`,
	methodTabHistory: `{
		"type": "object",
		"properties": {
			"tab_id": {"type": "string", "minLength": 1},
			"direction": {"enum": ["prev", "next", "list", "persisted"]},
			"limit": {"type": "integer", "minimum": 1, "maximum": 1000}
		},
		"required": ["tab_id"]
	}`,
}

var (
	compiledOnce    sync.Once
	compiledSchemas map[string]*jsonschema.Schema
)

// schemas compiles requestSchemas once. The schemas are constants, so a
// compile failure is a programming error.
func schemas() map[string]*jsonschema.Schema {
	compiledOnce.Do(func() {
		compiledSchemas = make(map[string]*jsonschema.Schema, len(requestSchemas))
		for method, src := range requestSchemas {
			schema, err := jsonschema.NewCompiler().Compile([]byte(src))
			if err != nil {
				panic(fmt.Sprintf("gateway: schema for %s: %v", method, err))
			}
			compiledSchemas[method] = schema
		}
	})
	return compiledSchemas
}

// validatePayload checks payload against the schema registered for method.
// An empty payload is treated as {}.
func validatePayload(method string, payload json.RawMessage) error {
	schema, ok := schemas()[method]
	if !ok {
		return nil
	}
	if len(payload) == 0 || string(payload) == "null" {
		payload = json.RawMessage(`{}`)
	}
	var data any
	if err := json.Unmarshal(payload, &data); err != nil {
		return fmt.Errorf("payload is not valid JSON: %w", err)
	}
	result := schema.Validate(data)
	if !result.IsValid() {
		return fmt.Errorf("%s", result.Error())
	}
	return nil
}
