// Package prefs models the configurable-preference declarations attached to
// each provider subtype, validates preference patches against them, and
// canonicalizes the stored JSON document.
//
// Declarations are additive by subtype: every provider carries the base
// fields, Historical and Live add their scheduling knobs, Index adds
// nothing. The declared shape doubles as the schema returned by the
// registry's config endpoints.
package prefs

import (
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// Provider subtypes with distinct preference shapes.
const (
	SubtypeHistorical = "Historical"
	SubtypeLive       = "Live"
	SubtypeIndex      = "Index"
)

// Field declares one preference: its JSON-Schema type name, default value,
// optional numeric bounds and a human description.
type Field struct {
	Type        string   `json:"type"`
	Default     any      `json:"default"`
	Min         *float64 `json:"min,omitempty"`
	Max         *float64 `json:"max,omitempty"`
	Description string   `json:"description,omitempty"`
}

// Declaration maps category → field → Field.
type Declaration map[string]map[string]Field

func fptr(v float64) *float64 { return &v }

func base() Declaration {
	return Declaration{
		"crypto": {
			"preferred_quote_currency": {
				Type:        "string",
				Default:     "USD",
				Description: "Quote currency used to disambiguate crypto pairs",
			},
		},
	}
}

func historical() Declaration {
	return Declaration{
		"scheduling": {
			"delay_hours": {
				Type:        "integer",
				Default:     0,
				Min:         fptr(0),
				Max:         fptr(24),
				Description: "Hours after the UTC daily close before the job fires",
			},
		},
		"data": {
			"lookback_days": {
				Type:        "integer",
				Default:     8000,
				Min:         fptr(1),
				Max:         fptr(8000),
				Description: "Maximum backfill window for symbols without a watermark",
			},
		},
	}
}

func live() Declaration {
	return Declaration{
		"scheduling": {
			"pre_close_seconds": {
				Type:        "integer",
				Default:     30,
				Min:         fptr(0),
				Max:         fptr(300),
				Description: "Seconds before the bar boundary to open the listen window",
			},
			"post_close_seconds": {
				Type:        "integer",
				Default:     10,
				Min:         fptr(0),
				Max:         fptr(60),
				Description: "Seconds past the bar boundary before the window cuts off",
			},
		},
	}
}

// ForSubtype returns the full declaration for a subtype: the base fields
// plus the subtype's own additions. Unknown subtypes get the base only.
func ForSubtype(subtype string) Declaration {
	decl := base()
	var extra Declaration
	switch subtype {
	case SubtypeHistorical:
		extra = historical()
	case SubtypeLive:
		extra = live()
	}
	for cat, fields := range extra {
		if decl[cat] == nil {
			decl[cat] = map[string]Field{}
		}
		for name, f := range fields {
			decl[cat][name] = f
		}
	}
	return decl
}

// Defaults materializes the declaration's default values as a preference
// document. This is the document stored at registration time.
func Defaults(decl Declaration) map[string]map[string]any {
	out := make(map[string]map[string]any, len(decl))
	for cat, fields := range decl {
		out[cat] = make(map[string]any, len(fields))
		for name, f := range fields {
			out[cat][name] = f.Default
		}
	}
	return out
}

// Merge overlays a validated patch onto current, category by category.
// Neither input is mutated.
func Merge(current, patch map[string]map[string]any) map[string]map[string]any {
	out := make(map[string]map[string]any, len(current))
	for cat, fields := range current {
		out[cat] = make(map[string]any, len(fields))
		for name, v := range fields {
			out[cat][name] = v
		}
	}
	for cat, fields := range patch {
		if out[cat] == nil {
			out[cat] = make(map[string]any, len(fields))
		}
		for name, v := range fields {
			out[cat][name] = v
		}
	}
	return out
}

// Canonical serializes a preference document to RFC 8785 canonical JSON,
// so storing the same logical document twice yields identical bytes.
func Canonical(doc map[string]map[string]any) ([]byte, error) {
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("prefs: marshal failed: %w", err)
	}
	canon, err := jcs.Transform(raw)
	if err != nil {
		return nil, fmt.Errorf("prefs: canonicalization failed: %w", err)
	}
	return canon, nil
}

// IntOr reads an integer preference, tolerating the float64 representation
// JSON decoding produces. Missing or mistyped values yield def.
func IntOr(doc map[string]map[string]any, category, field string, def int) int {
	cat, ok := doc[category]
	if !ok {
		return def
	}
	switch v := cat[field].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return int(n)
		}
	}
	return def
}

// StringOr reads a string preference, yielding def when absent.
func StringOr(doc map[string]map[string]any, category, field string, def string) string {
	if cat, ok := doc[category]; ok {
		if s, ok := cat[field].(string); ok {
			return s
		}
	}
	return def
}
