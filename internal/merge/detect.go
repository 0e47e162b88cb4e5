// Package merge classifies incoming migration records against canonical
// entities and resolves field-level conflicts through a closed registry of
// named rules.
package merge

import (
	"fmt"
	"sort"
)

// Classification tags the detector outcome for one incoming record.
type Classification int

const (
	// ClassNew means no canonical match was found.
	ClassNew Classification = iota
	// ClassDuplicate means a match was found with no field differences.
	ClassDuplicate
	// ClassConflicting means a match was found with differing field values.
	ClassConflicting
)

func (c Classification) String() string {
	switch c {
	case ClassNew:
		return "new"
	case ClassDuplicate:
		return "duplicate"
	case ClassConflicting:
		return "conflicting"
	default:
		return fmt.Sprintf("classification(%d)", int(c))
	}
}

// Detection is the result of classifying one incoming record.
type Detection struct {
	Class Classification
	// DiffFields lists the incoming fields whose values differ from the
	// matched entity, sorted for deterministic evidence.
	DiffFields []string
}

// Classify compares an incoming mapped record against the matched canonical
// record (existing). A nil existing record means no match. Only fields
// present in the incoming record are compared: a canonical field the source
// never mentions is not a difference.
func Classify(incoming, existing map[string]any) Detection {
	if existing == nil {
		return Detection{Class: ClassNew}
	}

	var diffs []string
	for field, value := range incoming {
		current, ok := existing[field]
		if !ok {
			if !isEmpty(value) {
				diffs = append(diffs, field)
			}
			continue
		}
		if !equalValue(value, current) {
			diffs = append(diffs, field)
		}
	}
	if len(diffs) == 0 {
		return Detection{Class: ClassDuplicate}
	}
	sort.Strings(diffs)
	return Detection{Class: ClassConflicting, DiffFields: diffs}
}

// equalValue compares scalar field values. Numeric values are compared by
// magnitude so that source integers match canonical JSON numbers (float64).
func equalValue(a, b any) bool {
	if af, aok := toFloat(a); aok {
		if bf, bok := toFloat(b); bok {
			return af == bf
		}
		return false
	}
	return fmt.Sprintf("%v", a) == fmt.Sprintf("%v", b)
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	s, ok := v.(string)
	return ok && s == ""
}
