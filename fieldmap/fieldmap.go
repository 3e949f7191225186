// Package fieldmap converts arbitrary source records into canonical fields
// using a declarative mapping.
//
// A Mapping is a table of canonical field name → extraction rule. Rules
// support dot-notation nested lookup ("address.line1") and a small closed
// set of transforms. Mappings are validated once at source registration so
// typos surface as configuration errors, not silent nulls at run time.
package fieldmap

import (
	"fmt"
	"strings"
)

// Transform names the value transform applied after lookup.
type Transform string

const (
	TransformIdentity Transform = "identity"
	TransformTrim     Transform = "trim_whitespace"
	TransformDate     Transform = "parse_date"
	TransformJoin     Transform = "join_list"
)

var knownTransforms = map[Transform]bool{
	"":                true, // empty means identity
	TransformIdentity: true,
	TransformTrim:     true,
	TransformDate:     true,
	TransformJoin:     true,
}

// Rule describes how one canonical field is extracted from a raw record.
type Rule struct {
	// Path is a dot-notation lookup into the raw record ("data.address.line1").
	Path string `yaml:"path" json:"path"`
	// Transform applied to the looked-up value. Default: identity.
	Transform Transform `yaml:"transform,omitempty" json:"transform,omitempty"`
	// DateFormats lists accepted input layouts for parse_date, in Go
	// reference-time notation. Tried in order.
	DateFormats []string `yaml:"date_formats,omitempty" json:"date_formats,omitempty"`
	// JoinSep joins list elements for join_list. Default: ", ".
	JoinSep string `yaml:"join_sep,omitempty" json:"join_sep,omitempty"`
}

// Mapping is the declarative field-mapping table.
type Mapping map[string]Rule

// Validate checks the mapping against a declared canonical field set.
// Unknown field names and unknown transforms are configuration errors.
func (m Mapping) Validate(canonical map[string]bool) error {
	if len(m) == 0 {
		return fmt.Errorf("fieldmap: mapping is empty")
	}
	for field, rule := range m {
		if canonical != nil && !canonical[field] {
			return fmt.Errorf("fieldmap: unknown canonical field %q", field)
		}
		if rule.Path == "" {
			return fmt.Errorf("fieldmap: field %q has empty path", field)
		}
		if !knownTransforms[rule.Transform] {
			return fmt.Errorf("fieldmap: field %q has unknown transform %q", field, rule.Transform)
		}
		if rule.Transform == TransformDate && len(rule.DateFormats) == 0 {
			return fmt.Errorf("fieldmap: field %q uses parse_date without date_formats", field)
		}
	}
	return nil
}

// Fields returns the declared canonical field names, for callers that need
// to iterate the mapping's universe.
func (m Mapping) Fields() []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// Lookup walks a dot-notation path into a decoded JSON-like value.
// Returns (nil, false) when any step is missing or not an object.
func Lookup(raw map[string]any, path string) (any, bool) {
	if raw == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current any = raw
	for _, part := range parts {
		obj, ok := current.(map[string]any)
		if !ok {
			return nil, false
		}
		current, ok = obj[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
