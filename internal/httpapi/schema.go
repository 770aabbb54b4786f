package httpapi

import (
	"bytes"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// annotationSchemaJSON constrains the wire shape of annotation payloads
// before they reach the store. Element references are view state and never
// appear on the wire, so selectors carry page numbers only.
const annotationSchemaJSON = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"$id": "https://readmark.dev/schemas/annotation.json",
	"type": "object",
	"required": ["id", "kind", "target"],
	"properties": {
		"id": {"type": "string", "minLength": 1},
		"kind": {"enum": ["highlight", "underline", "note"]},
		"color": {"type": "string"},
		"quote": {"type": "string"},
		"comment": {"type": "string"},
		"target": {
			"type": "object",
			"required": ["selectors"],
			"properties": {
				"selectors": {
					"type": "array",
					"minItems": 1,
					"items": {
						"type": "object",
						"properties": {
							"page": {"type": "integer", "minimum": 0}
						}
					}
				}
			}
		}
	}
}`

func compileAnnotationSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader([]byte(annotationSchemaJSON)))
	if err != nil {
		return nil, fmt.Errorf("parse annotation schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("annotation.json", doc); err != nil {
		return nil, fmt.Errorf("add annotation schema: %w", err)
	}
	schema, err := compiler.Compile("annotation.json")
	if err != nil {
		return nil, fmt.Errorf("compile annotation schema: %w", err)
	}
	return schema, nil
}

// validateAnnotationPayload checks raw JSON against the annotation schema.
// The instance is re-decoded through the schema library so numbers keep
// their JSON representation during validation.
func validateAnnotationPayload(schema *jsonschema.Schema, raw []byte) error {
	if schema == nil {
		return nil
	}
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return err
	}
	return schema.Validate(instance)
}
