package prefs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ValidationError aggregates every problem found in a preference patch, so
// a client sees all of them at once instead of fixing one per round trip.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid preferences: " + strings.Join(e.Problems, "; ")
}

// Validator holds the compiled JSON Schemas, one per subtype.
type Validator struct {
	schemas map[string]*jsonschema.Schema
}

// NewValidator compiles the schema for every known subtype.
func NewValidator() (*Validator, error) {
	v := &Validator{schemas: make(map[string]*jsonschema.Schema)}
	for _, st := range []string{SubtypeHistorical, SubtypeLive, SubtypeIndex} {
		doc, err := json.Marshal(JSONSchema(ForSubtype(st)))
		if err != nil {
			return nil, fmt.Errorf("prefs: schema marshal for %s failed: %w", st, err)
		}

		c := jsonschema.NewCompiler()
		c.Draft = jsonschema.Draft2020
		url := fmt.Sprintf("https://quasar.schemas.local/prefs/%s.schema.json", strings.ToLower(st))
		if err := c.AddResource(url, bytes.NewReader(doc)); err != nil {
			return nil, fmt.Errorf("prefs: schema load for %s failed: %w", st, err)
		}
		compiled, err := c.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("prefs: schema compile for %s failed: %w", st, err)
		}
		v.schemas[st] = compiled
	}
	return v, nil
}

// Validate checks a preference patch against the subtype's schema. The
// returned error is a *ValidationError carrying every violation: unknown
// categories or fields, type mismatches, and bound violations.
func (v *Validator) Validate(subtype string, patch map[string]any) error {
	schema, ok := v.schemas[subtype]
	if !ok {
		schema = v.schemas[SubtypeIndex] // base shape
	}

	// Round-trip so the value carries only JSON-native types.
	raw, err := json.Marshal(patch)
	if err != nil {
		return fmt.Errorf("prefs: patch marshal failed: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("prefs: patch unmarshal failed: %w", err)
	}

	if err := schema.Validate(doc); err != nil {
		var ve *jsonschema.ValidationError
		if errors.As(err, &ve) {
			out := &ValidationError{}
			flatten(ve, out)
			return out
		}
		return err
	}
	return nil
}

// flatten walks the cause tree collecting leaf messages.
func flatten(ve *jsonschema.ValidationError, out *ValidationError) {
	if len(ve.Causes) == 0 {
		loc := ve.InstanceLocation
		if loc == "" {
			loc = "/"
		}
		out.Problems = append(out.Problems, fmt.Sprintf("%s: %s", loc, ve.Message))
		return
	}
	for _, c := range ve.Causes {
		flatten(c, out)
	}
}

// JSONSchema renders a declaration as a draft 2020-12 JSON Schema document
// accepting partial patches: no field is required, unknown properties are
// rejected at both levels.
func JSONSchema(decl Declaration) map[string]any {
	categories := make(map[string]any, len(decl))
	for cat, fields := range decl {
		props := make(map[string]any, len(fields))
		for name, f := range fields {
			fs := map[string]any{"type": f.Type}
			if f.Default != nil {
				fs["default"] = f.Default
			}
			if f.Min != nil {
				fs["minimum"] = *f.Min
			}
			if f.Max != nil {
				fs["maximum"] = *f.Max
			}
			if f.Description != "" {
				fs["description"] = f.Description
			}
			props[name] = fs
		}
		categories[cat] = map[string]any{
			"type":                 "object",
			"additionalProperties": false,
			"properties":           props,
		}
	}
	return map[string]any{
		"$schema":              "https://json-schema.org/draft/2020-12/schema",
		"type":                 "object",
		"additionalProperties": false,
		"properties":           categories,
	}
}
