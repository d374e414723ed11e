package provider

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/xeipuuv/gojsonschema"
)

// emptyObjectSchema is advertised for tools that declare no input schema.
var emptyObjectSchema = json.RawMessage(`{"type":"object","properties":{}}`)

// compileSchema compiles a tool input schema for argument validation.
// An absent schema compiles to nil, meaning any arguments are accepted.
func compileSchema(raw json.RawMessage) (*gojsonschema.Schema, error) {
	if isEmptyJSON(raw) {
		return nil, nil
	}
	// Providers commonly declare newer drafts than the validator knows about;
	// dropping the marker lets it fall back to draft-7 semantics.
	cleaned, err := stripKeywords(raw, "$schema")
	if err != nil {
		return nil, err
	}
	loader := gojsonschema.NewSchemaLoader()
	loader.Draft = gojsonschema.Hybrid
	return loader.Compile(gojsonschema.NewBytesLoader(cleaned))
}

// validateArguments checks args against a compiled schema.
func validateArguments(schema *gojsonschema.Schema, tool string, args json.RawMessage) error {
	if schema == nil {
		return nil
	}
	result, err := schema.Validate(gojsonschema.NewBytesLoader(args))
	if err != nil {
		return &ValidationError{Tool: tool, Problems: []string{err.Error()}}
	}
	if result.Valid() {
		return nil
	}
	problems := make([]string, 0, len(result.Errors()))
	for _, desc := range result.Errors() {
		problems = append(problems, desc.String())
	}
	return &ValidationError{Tool: tool, Problems: problems}
}

// declarationSchema converts a provider input schema into the parameter schema
// advertised upstream, which rejects $schema and additionalProperties.
func declarationSchema(raw json.RawMessage) json.RawMessage {
	if isEmptyJSON(raw) {
		return emptyObjectSchema
	}
	cleaned, err := stripKeywords(raw, "$schema", "additionalProperties")
	if err != nil {
		return emptyObjectSchema
	}
	return cleaned
}

// stripKeywords removes the named keys from every object in a JSON document.
func stripKeywords(raw json.RawMessage, keys ...string) (json.RawMessage, error) {
	var doc interface{}
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode schema: %w", err)
	}
	drop := make(map[string]bool, len(keys))
	for _, k := range keys {
		drop[k] = true
	}
	return json.Marshal(stripValue(doc, drop))
}

func stripValue(v interface{}, drop map[string]bool) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, val := range t {
			if drop[k] {
				continue
			}
			out[k] = stripValue(val, drop)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, val := range t {
			out[i] = stripValue(val, drop)
		}
		return out
	default:
		return v
	}
}

func isEmptyJSON(raw json.RawMessage) bool {
	trimmed := bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
