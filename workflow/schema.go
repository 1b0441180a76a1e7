package workflow

import (
	"encoding/json"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"codemachine.dev/core/internal/coreerr"
)

// trackingSchemaJSON and controllerStateSchemaJSON describe the on-disk
// shape of tracking.json and controller-state.json (§6), so a file
// corrupted by a partial write or an incompatible older version fails
// loudly at Resume time instead of silently producing a zero-valued
// executor.
const trackingSchemaJSON = `{
	"type": "object",
	"properties": {
		"index": {"type": "integer"},
		"iterations": {
			"type": "object",
			"additionalProperties": {"type": "integer"}
		}
	},
	"required": ["index"]
}`

const controllerStateSchemaJSON = `{
	"type": "object",
	"properties": {
		"state": {"type": "string"},
		"autonomousMode": {"type": "boolean"}
	},
	"required": ["state", "autonomousMode"]
}`

var (
	schemaOnce          sync.Once
	trackingSchema      *jsonschema.Schema
	controllerStateSchema *jsonschema.Schema
	schemaCompileErr    error
)

func compileSchemas() {
	c := jsonschema.NewCompiler()

	var trackingDoc any
	if err := json.Unmarshal([]byte(trackingSchemaJSON), &trackingDoc); err != nil {
		schemaCompileErr = err
		return
	}
	if err := c.AddResource("tracking.json", trackingDoc); err != nil {
		schemaCompileErr = err
		return
	}

	var stateDoc any
	if err := json.Unmarshal([]byte(controllerStateSchemaJSON), &stateDoc); err != nil {
		schemaCompileErr = err
		return
	}
	if err := c.AddResource("controller-state.json", stateDoc); err != nil {
		schemaCompileErr = err
		return
	}

	trackingSchema, schemaCompileErr = c.Compile("tracking.json")
	if schemaCompileErr != nil {
		return
	}
	controllerStateSchema, schemaCompileErr = c.Compile("controller-state.json")
}

// validateAgainstSchema unmarshals data as a generic document and
// validates it against the compiled schema for fileName before the
// caller unmarshals it again into its strict Go struct, surfacing a
// CodeStoreConnectionFailed error that names the corrupted file rather
// than a bare json.Unmarshal type-mismatch error. fileName must be
// either "tracking.json" or "controller-state.json".
func validateAgainstSchema(fileName string, data []byte) error {
	schemaOnce.Do(compileSchemas)
	if schemaCompileErr != nil {
		return coreerr.New(coreerr.CodeStoreConnectionFailed, "failed to compile "+fileName+" schema", schemaCompileErr)
	}

	var schema *jsonschema.Schema
	switch fileName {
	case "tracking.json":
		schema = trackingSchema
	case "controller-state.json":
		schema = controllerStateSchema
	default:
		return coreerr.Newf(coreerr.CodeStoreConnectionFailed, nil, "no schema registered for %q", fileName)
	}

	var doc any
	if err := json.Unmarshal(data, &doc); err != nil {
		return coreerr.New(coreerr.CodeStoreConnectionFailed, fileName+" is corrupted", err)
	}
	if err := schema.Validate(doc); err != nil {
		return coreerr.New(coreerr.CodeStoreConnectionFailed, fileName+" failed schema validation", err)
	}
	return nil
}
