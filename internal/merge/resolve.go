package merge

import (
	"fmt"
)

// PolicySet is a job's conflict configuration: a default strategy plus
// optional per-field rules.
type PolicySet struct {
	Default Strategy        `json:"default" yaml:"default"`
	Fields  map[string]Rule `json:"fields,omitempty" yaml:"fields,omitempty"`
}

// Validate rejects unknown strategies and rules at job construction time.
func (p PolicySet) Validate() error {
	switch p.Default {
	case StrategySkip, StrategyOverwrite, StrategyMerge, StrategyManual:
	default:
		return fmt.Errorf("merge: unknown conflict strategy %q", p.Default)
	}
	for field, rule := range p.Fields {
		if !ValidRule(rule) {
			return fmt.Errorf("merge: field %q: unknown merge rule %q", field, rule)
		}
	}
	return nil
}

// FieldDecision records how one differing field was resolved. Persisted as
// merge evidence.
type FieldDecision struct {
	Field  string `json:"field"`
	Rule   Rule   `json:"rule"`
	Chosen string `json:"chosen"` // "source" or "target"
}

// Resolution is the outcome of resolving a conflicting record.
type Resolution struct {
	// Action is what the job runner should do with the record.
	Action ResolutionAction
	// Merged holds the record to write when Action is ActionWrite.
	// Keys are the incoming fields, with each differing field resolved.
	Merged map[string]any
	// Decisions is the per-field evidence trail (only for ActionWrite).
	Decisions []FieldDecision
	// Overwritten is true when the record-level overwrite default resolved
	// every differing field; no named field rule fired.
	Overwritten bool
	// ManualReason explains why a record was routed to review.
	ManualReason string
}

// ResolutionAction is the record-level branch after conflict resolution.
type ResolutionAction int

const (
	// ActionWrite updates the canonical entity with Merged.
	ActionWrite ResolutionAction = iota
	// ActionSkip leaves the canonical entity untouched (counted, no write).
	ActionSkip
	// ActionManual routes the whole record to the manual-review queue.
	ActionManual
)

// Resolve applies the policy set to a conflicting record.
//
// Field-level rules always win over the job default. Under StrategyMerge a
// differing field with no rule routes the record to manual review rather than
// guessing; rule application errors do the same. StrategySkip and
// StrategyOverwrite act as record-level defaults for unruled fields
// (keep-target and take-source respectively); StrategyManual sends every
// unruled conflict to review.
func Resolve(policy PolicySet, det Detection, incoming, existing map[string]any) Resolution {
	if det.Class != ClassConflicting {
		return Resolution{Action: ActionSkip}
	}

	// Records with zero field-level coverage under skip/manual short-circuit.
	if policy.Default == StrategySkip && !anyRuled(policy, det.DiffFields) {
		return Resolution{Action: ActionSkip}
	}

	merged := make(map[string]any, len(incoming))
	for k, v := range incoming {
		merged[k] = v
	}

	var decisions []FieldDecision
	usedFieldRule := false
	for _, field := range det.DiffFields {
		rule, ruled := policy.Fields[field]
		if ruled {
			usedFieldRule = true
		} else {
			switch policy.Default {
			case StrategyOverwrite:
				rule = RuleTakeSource
			case StrategySkip:
				rule = RuleKeepTarget
			case StrategyManual, StrategyMerge:
				return Resolution{
					Action:       ActionManual,
					ManualReason: fmt.Sprintf("no merge rule for differing field %q", field),
				}
			}
		}

		value, chosen, err := rules[rule](incoming[field], existing[field])
		if err != nil {
			return Resolution{
				Action:       ActionManual,
				ManualReason: err.Error(),
			}
		}
		merged[field] = value
		decisions = append(decisions, FieldDecision{Field: field, Rule: rule, Chosen: chosen})
	}

	return Resolution{
		Action:      ActionWrite,
		Merged:      merged,
		Decisions:   decisions,
		Overwritten: policy.Default == StrategyOverwrite && !usedFieldRule,
	}
}

func anyRuled(policy PolicySet, fields []string) bool {
	for _, f := range fields {
		if _, ok := policy.Fields[f]; ok {
			return true
		}
	}
	return false
}
