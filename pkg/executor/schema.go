package executor

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fiscalpilot/core/pkg/actions"
)

// ParamSchema validates action parameters against a JSON Schema before
// execution. Schemas are compiled once at executor construction.
type ParamSchema struct {
	schema *jsonschema.Schema
}

// MustParamSchema compiles a schema document and panics on error. Built-in
// executors use it with literal schemas, so a failure is a programming bug.
func MustParamSchema(name, document string) *ParamSchema {
	s, err := CompileParamSchema(name, document)
	if err != nil {
		panic(err)
	}
	return s
}

// CompileParamSchema compiles a schema document.
func CompileParamSchema(name, document string) (*ParamSchema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	if err := compiler.AddResource(name, strings.NewReader(document)); err != nil {
		return nil, fmt.Errorf("executor: schema %s: %w", name, err)
	}
	schema, err := compiler.Compile(name)
	if err != nil {
		return nil, fmt.Errorf("executor: compile schema %s: %w", name, err)
	}
	return &ParamSchema{schema: schema}, nil
}

// Validate checks the action's parameters. Violations surface as a
// ValidationError so callers can distinguish bad input from executor faults.
func (s *ParamSchema) Validate(a *actions.ProposedAction) error {
	params := a.Parameters
	if params == nil {
		params = map[string]any{}
	}
	// Round-trip through JSON so numeric types match what the schema
	// library expects.
	data, err := json.Marshal(params)
	if err != nil {
		return &actions.ValidationError{Field: "parameters", Reason: err.Error()}
	}
	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return &actions.ValidationError{Field: "parameters", Reason: err.Error()}
	}
	if err := s.schema.Validate(doc); err != nil {
		return &actions.ValidationError{Field: "parameters", Reason: err.Error()}
	}
	return nil
}
