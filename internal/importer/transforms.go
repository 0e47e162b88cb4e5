package importer

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// Transform names a value transform in a mapping's chain. Closed set, so the
// transform-chain fingerprint in the signed report is enumerable.
type Transform string

const (
	TransformTrim               Transform = "trim"
	TransformLowercase          Transform = "lowercase"
	TransformUppercase          Transform = "uppercase"
	TransformCollapseWhitespace Transform = "collapse_whitespace"
	TransformNormalizeDate      Transform = "normalize_date"
)

type transformFunc func(any) (any, error)

var transforms = map[Transform]transformFunc{
	TransformTrim: stringTransform(strings.TrimSpace),
	TransformLowercase: stringTransform(strings.ToLower),
	TransformUppercase: stringTransform(strings.ToUpper),
	TransformCollapseWhitespace: stringTransform(func(s string) string {
		return strings.Join(strings.Fields(s), " ")
	}),
	TransformNormalizeDate: normalizeDate,
}

// stringTransform lifts a string function; non-string values pass through.
func stringTransform(fn func(string) string) transformFunc {
	return func(v any) (any, error) {
		if s, ok := v.(string); ok {
			return fn(s), nil
		}
		return v, nil
	}
}

var acceptedDateLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02",
	"2006-01-02 15:04:05",
	"01/02/2006",
}

// normalizeDate rewrites recognized date strings to RFC 3339 UTC. An
// unrecognized non-empty string is an error: a silently passed-through bad
// date would corrupt latest_by_date merges downstream.
func normalizeDate(v any) (any, error) {
	s, ok := v.(string)
	if !ok || s == "" {
		return v, nil
	}
	for _, layout := range acceptedDateLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Format(time.RFC3339), nil
		}
	}
	return nil, fmt.Errorf("importer: normalize_date: unrecognized date %q", s)
}

// ValidTransform reports whether name is registered.
func ValidTransform(name Transform) bool {
	_, ok := transforms[name]
	return ok
}

// TransformNames returns every registered transform name, sorted.
func TransformNames() []string {
	out := make([]string, 0, len(transforms))
	for t := range transforms {
		out = append(out, string(t))
	}
	sort.Strings(out)
	return out
}

// applyMappings produces the canonical-shape record for one source record.
func applyMappings(mappings []FieldMapping, record map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(mappings))
	for _, m := range mappings {
		value, ok := record[m.Source]
		if !ok {
			continue
		}
		for _, tr := range m.Transforms {
			fn, registered := transforms[tr]
			if !registered {
				return nil, fmt.Errorf("importer: unknown transform %q", tr)
			}
			var err error
			value, err = fn(value)
			if err != nil {
				return nil, err
			}
		}
		out[m.Target] = value
	}
	return out, nil
}
