package feature

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/pka/hecate/internal/errs"
)

// Schema wraps a compiled JSON-Schema draft-04 document used to validate the
// free-form "properties" member of a feature. properties is otherwise opaque
// to the core.
type Schema struct {
	compiled *jsonschema.Schema
}

// LoadSchema compiles the draft-04 schema at path.
func LoadSchema(path string) (*Schema, error) {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft4

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to read schema file", err)
	}
	if err := compiler.AddResource(path, bytes.NewReader(data)); err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to load schema", err)
	}
	compiled, err := compiler.Compile(path)
	if err != nil {
		return nil, errs.Wrap(errs.Internal, "failed to compile schema", err)
	}
	return &Schema{compiled: compiled}, nil
}

// ValidateProperties checks raw (a JSON object) against the schema. A
// validation failure rejects just this feature with schema-violation,
// carrying every individual field failure the schema reported; the enclosing
// batch still aborts atomically in the mutation engine.
func (s *Schema) ValidateProperties(raw json.RawMessage) error {
	var v interface{}
	if err := json.Unmarshal(raw, &v); err != nil {
		return errs.Wrap(errs.MalformedInput, "properties is not valid JSON", err)
	}
	if err := s.compiled.Validate(v); err != nil {
		me := errs.NewMultiError()
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			collectFieldErrors(ve, me)
		} else {
			me.Add("properties", err.Error())
		}
		return me.AsSchemaViolation()
	}
	return nil
}

// collectFieldErrors walks a jsonschema.ValidationError's cause tree,
// recording one FieldError per leaf failure so the caller sees every field
// that failed rather than just the outermost "properties failed" summary.
func collectFieldErrors(ve *jsonschema.ValidationError, me *errs.MultiError) {
	if len(ve.Causes) == 0 {
		field := ve.InstanceLocation
		if field == "" {
			field = "properties"
		}
		me.Add(field, ve.Message)
		return
	}
	for _, cause := range ve.Causes {
		collectFieldErrors(cause, me)
	}
}
