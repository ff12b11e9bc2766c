package boards

import (
	"bytes"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrInvalidObject indicates that an object payload failed schema validation.
var ErrInvalidObject = errors.New("boards: invalid object")

const (
	objectSchemaURL = "boardsync://schemas/object.json"
	patchSchemaURL  = "boardsync://schemas/patch.json"
)

const objectPropertiesSchema = `{
	"id": {"type": "string", "minLength": 1, "maxLength": 190, "pattern": "^[^:\\s*?\\[\\]]+$"},
	"type": {"enum": ["sticky", "shape", "frame", "connector", "text", "flag"]},
	"x": {"type": "number"},
	"y": {"type": "number"},
	"width": {"type": "number", "minimum": 0},
	"height": {"type": "number", "minimum": 0},
	"rotation": {"type": "number"},
	"zIndex": {"type": "number"},
	"text": {"type": "string"},
	"color": {"type": "string"},
	"fontSize": {"type": "number", "minimum": 0},
	"shape": {"type": "string"},
	"label": {"type": "string"},
	"frameId": {"type": ["string", "null"]},
	"fromId": {"type": ["string", "null"]},
	"toId": {"type": ["string", "null"]},
	"points": {"type": "array", "items": {"type": "number"}},
	"style": {"type": "object"}
}`

var objectSchemaSource = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": ` + objectPropertiesSchema + `,
	"if": {"properties": {"type": {"const": "connector"}}},
	"then": {"anyOf": [{"required": ["fromId", "toId"]}, {"required": ["points"]}]},
	"else": {"required": ["x", "y"]}
}`

var patchSchemaSource = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"minProperties": 1,
	"properties": ` + objectPropertiesSchema + `
}`

// Validator checks object payloads against the board object schemas.
type Validator struct {
	object *jsonschema.Schema
	patch  *jsonschema.Schema
}

// NewValidator compiles the object and partial-update schemas.
func NewValidator() (*Validator, error) {
	compiler := jsonschema.NewCompiler()
	for url, source := range map[string]string{objectSchemaURL: objectSchemaSource, patchSchemaURL: patchSchemaSource} {
		document, err := jsonschema.UnmarshalJSON(strings.NewReader(source))
		if err != nil {
			return nil, fmt.Errorf("boards: parse schema %s: %w", url, err)
		}
		if err := compiler.AddResource(url, document); err != nil {
			return nil, fmt.Errorf("boards: add schema %s: %w", url, err)
		}
	}
	objectSchema, err := compiler.Compile(objectSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("boards: compile object schema: %w", err)
	}
	patchSchema, err := compiler.Compile(patchSchemaURL)
	if err != nil {
		return nil, fmt.Errorf("boards: compile patch schema: %w", err)
	}
	return &Validator{object: objectSchema, patch: patchSchema}, nil
}

// ParseObject validates a full proposed object and decodes it.
func (v *Validator) ParseObject(raw []byte) (Object, error) {
	return v.parse(v.object, raw)
}

// ParsePatch validates a partial update and decodes it.
func (v *Validator) ParsePatch(raw []byte) (Object, error) {
	return v.parse(v.patch, raw)
}

func (v *Validator) parse(schema *jsonschema.Schema, raw []byte) (Object, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, fmt.Errorf("%w: empty payload", ErrInvalidObject)
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	if err := schema.Validate(instance); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	var object Object
	if err := sonic.ConfigStd.Unmarshal(raw, &object); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidObject, err)
	}
	return object, nil
}
