package merge

import (
	"fmt"
	"sort"
	"time"
)

// Rule names a field-level conflict resolution rule. The set is closed so the
// signed report can enumerate the registry deterministically.
type Rule string

const (
	RuleKeepTarget    Rule = "keep_target"
	RuleTakeSource    Rule = "take_source"
	RulePreferNonNull Rule = "prefer_non_null"
	RuleLongestString Rule = "longest_string"
	RuleLatestByDate  Rule = "latest_by_date"
)

// Strategy is the job-level default applied when a differing field has no
// field-level rule.
type Strategy string

const (
	StrategySkip      Strategy = "skip"
	StrategyOverwrite Strategy = "overwrite"
	StrategyMerge     Strategy = "merge"
	StrategyManual    Strategy = "manual"
)

// ruleFunc resolves one differing field. Returns the winning value and which
// side it came from ("source" or "target").
type ruleFunc func(source, target any) (any, string, error)

// rules is the closed registry. RuleNames() exposes it for fingerprinting.
var rules = map[Rule]ruleFunc{
	RuleKeepTarget: func(_, target any) (any, string, error) {
		return target, "target", nil
	},
	RuleTakeSource: func(source, _ any) (any, string, error) {
		return source, "source", nil
	},
	RulePreferNonNull: func(source, target any) (any, string, error) {
		if !isEmpty(source) {
			return source, "source", nil
		}
		return target, "target", nil
	},
	RuleLongestString: func(source, target any) (any, string, error) {
		ss, sok := source.(string)
		ts, tok := target.(string)
		if !sok || !tok {
			return nil, "", fmt.Errorf("merge: longest_string needs string values, got %T and %T", source, target)
		}
		if len(ss) > len(ts) {
			return ss, "source", nil
		}
		return ts, "target", nil
	},
	RuleLatestByDate: func(source, target any) (any, string, error) {
		st, err := parseDate(source)
		if err != nil {
			return nil, "", fmt.Errorf("merge: latest_by_date: source: %w", err)
		}
		tt, err := parseDate(target)
		if err != nil {
			return nil, "", fmt.Errorf("merge: latest_by_date: target: %w", err)
		}
		if st.After(tt) {
			return source, "source", nil
		}
		return target, "target", nil
	},
}

// ValidRule reports whether name is in the registry.
func ValidRule(name Rule) bool {
	_, ok := rules[name]
	return ok
}

// RuleNames returns every registered rule name, sorted.
func RuleNames() []string {
	out := make([]string, 0, len(rules))
	for r := range rules {
		out = append(out, string(r))
	}
	sort.Strings(out)
	return out
}

var dateLayouts = []string{time.RFC3339Nano, time.RFC3339, "2006-01-02"}

func parseDate(v any) (time.Time, error) {
	switch d := v.(type) {
	case time.Time:
		return d, nil
	case string:
		for _, layout := range dateLayouts {
			if t, err := time.Parse(layout, d); err == nil {
				return t, nil
			}
		}
		return time.Time{}, fmt.Errorf("unparseable date %q", d)
	default:
		return time.Time{}, fmt.Errorf("unparseable date value of type %T", v)
	}
}
