package fieldmap

import (
	"fmt"
	"strings"
	"time"
)

// CanonicalDateLayout is the single date representation all parse_date
// output normalizes to.
const CanonicalDateLayout = "2006-01-02"

// Note records a non-fatal mapping problem (a date that would not parse).
// Notes are for logging and data-quality scoring, not failure.
type Note struct {
	Field  string
	Reason string
}

// Normalize applies a mapping to one raw record.
//
// Application is total: every field declared in the mapping is present in
// the output, possibly nil. Missing source fields and unparseable dates
// yield nil — record content never makes Normalize fail. Normalize has no
// side effects; applying it twice to the same input yields identical output.
func Normalize(raw map[string]any, mapping Mapping) (map[string]any, []Note) {
	out := make(map[string]any, len(mapping))
	var notes []Note

	for field, rule := range mapping {
		v, ok := Lookup(raw, rule.Path)
		if !ok || v == nil {
			out[field] = nil
			continue
		}

		val, note := applyTransform(field, v, rule)
		out[field] = val
		if note != nil {
			notes = append(notes, *note)
		}
	}
	return out, notes
}

func applyTransform(field string, v any, rule Rule) (any, *Note) {
	switch rule.Transform {
	case "", TransformIdentity:
		return coerce(v), nil

	case TransformTrim:
		s, ok := coerce(v).(string)
		if !ok {
			return coerce(v), nil
		}
		return strings.TrimSpace(s), nil

	case TransformDate:
		s, ok := coerce(v).(string)
		if !ok {
			return nil, &Note{Field: field, Reason: fmt.Sprintf("parse_date: not a string (%T)", v)}
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil, nil
		}
		for _, layout := range rule.DateFormats {
			if t, err := time.Parse(layout, s); err == nil {
				return t.Format(CanonicalDateLayout), nil
			}
		}
		return nil, &Note{Field: field, Reason: fmt.Sprintf("parse_date: %q matched no declared format", s)}

	case TransformJoin:
		sep := rule.JoinSep
		if sep == "" {
			sep = ", "
		}
		switch list := v.(type) {
		case []string:
			return strings.Join(list, sep), nil
		case []any:
			parts := make([]string, 0, len(list))
			for _, e := range list {
				if e == nil {
					continue
				}
				parts = append(parts, fmt.Sprintf("%v", e))
			}
			return strings.Join(parts, sep), nil
		default:
			return coerce(v), nil
		}
	}
	return coerce(v), nil
}

// coerce brings raw values into the canonical value domain: strings stay
// strings, string lists stay ordered lists, scalars are stringified.
// JSON numbers arrive as float64; integral values print without a decimal.
func coerce(v any) any {
	switch val := v.(type) {
	case nil:
		return nil
	case string:
		return val
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, e := range val {
			if e == nil {
				continue
			}
			out = append(out, stringify(e))
		}
		return out
	default:
		return stringify(v)
	}
}

func stringify(v any) string {
	if f, ok := v.(float64); ok && f == float64(int64(f)) {
		return fmt.Sprintf("%d", int64(f))
	}
	return fmt.Sprintf("%v", v)
}
