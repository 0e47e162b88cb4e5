package merge

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	existing := map[string]any{
		"name":  "Ada Lovelace",
		"email": "ada@example.com",
		"phone": "555-0100",
	}

	t.Run("no match is new", func(t *testing.T) {
		det := Classify(map[string]any{"name": "Ada"}, nil)
		assert.Equal(t, ClassNew, det.Class)
	})

	t.Run("identical fields are duplicate", func(t *testing.T) {
		det := Classify(map[string]any{"name": "Ada Lovelace", "email": "ada@example.com"}, existing)
		assert.Equal(t, ClassDuplicate, det.Class)
		assert.Empty(t, det.DiffFields)
	})

	t.Run("differing fields are conflicting, sorted", func(t *testing.T) {
		det := Classify(map[string]any{
			"phone": "555-0199",
			"email": "lovelace@example.com",
			"name":  "Ada Lovelace",
		}, existing)
		assert.Equal(t, ClassConflicting, det.Class)
		assert.Equal(t, []string{"email", "phone"}, det.DiffFields)
	})

	t.Run("numeric values compare by magnitude", func(t *testing.T) {
		det := Classify(map[string]any{"total": 100}, map[string]any{"total": float64(100)})
		assert.Equal(t, ClassDuplicate, det.Class)
	})

	t.Run("empty incoming value for missing field is not a diff", func(t *testing.T) {
		det := Classify(map[string]any{"name": "Ada Lovelace", "fax": ""}, existing)
		assert.Equal(t, ClassDuplicate, det.Class)
	})
}

func TestResolve_FieldRules(t *testing.T) {
	incoming := map[string]any{
		"name":       "Ada L.",
		"email":      "lovelace@example.com",
		"updated_on": "2026-02-01T00:00:00Z",
	}
	existing := map[string]any{
		"name":       "Ada Lovelace",
		"email":      "",
		"updated_on": "2025-12-01T00:00:00Z",
	}
	det := Classify(incoming, existing)
	require.Equal(t, ClassConflicting, det.Class)

	policy := PolicySet{
		Default: StrategyMerge,
		Fields: map[string]Rule{
			"name":       RuleLongestString,
			"email":      RulePreferNonNull,
			"updated_on": RuleLatestByDate,
		},
	}

	res := Resolve(policy, det, incoming, existing)
	require.Equal(t, ActionWrite, res.Action)
	assert.Equal(t, "Ada Lovelace", res.Merged["name"], "longest string wins")
	assert.Equal(t, "lovelace@example.com", res.Merged["email"], "non-null wins")
	assert.Equal(t, "2026-02-01T00:00:00Z", res.Merged["updated_on"], "latest date wins")
	assert.Len(t, res.Decisions, 3)
	assert.False(t, res.Overwritten)
}

func TestResolve_UnruledFieldUnderMergeGoesManual(t *testing.T) {
	incoming := map[string]any{"name": "A", "email": "a@x.com"}
	existing := map[string]any{"name": "B", "email": "b@x.com"}
	det := Classify(incoming, existing)

	policy := PolicySet{
		Default: StrategyMerge,
		Fields:  map[string]Rule{"name": RuleTakeSource},
	}

	res := Resolve(policy, det, incoming, existing)
	assert.Equal(t, ActionManual, res.Action)
	assert.Contains(t, res.ManualReason, "email")
}

func TestResolve_DefaultStrategies(t *testing.T) {
	incoming := map[string]any{"name": "A"}
	existing := map[string]any{"name": "B"}
	det := Classify(incoming, existing)

	t.Run("overwrite takes source", func(t *testing.T) {
		res := Resolve(PolicySet{Default: StrategyOverwrite}, det, incoming, existing)
		require.Equal(t, ActionWrite, res.Action)
		assert.Equal(t, "A", res.Merged["name"])
		assert.True(t, res.Overwritten)
	})

	t.Run("overwrite with a field rule is a merge", func(t *testing.T) {
		policy := PolicySet{
			Default: StrategyOverwrite,
			Fields:  map[string]Rule{"name": RuleLongestString},
		}
		res := Resolve(policy, det, incoming, existing)
		require.Equal(t, ActionWrite, res.Action)
		assert.False(t, res.Overwritten)
	})

	t.Run("skip leaves target untouched", func(t *testing.T) {
		res := Resolve(PolicySet{Default: StrategySkip}, det, incoming, existing)
		assert.Equal(t, ActionSkip, res.Action)
	})

	t.Run("manual routes to review", func(t *testing.T) {
		res := Resolve(PolicySet{Default: StrategyManual}, det, incoming, existing)
		assert.Equal(t, ActionManual, res.Action)
	})
}

func TestResolve_RuleErrorGoesManual(t *testing.T) {
	incoming := map[string]any{"updated_on": "not a date"}
	existing := map[string]any{"updated_on": "2025-12-01T00:00:00Z"}
	det := Classify(incoming, existing)

	policy := PolicySet{
		Default: StrategyMerge,
		Fields:  map[string]Rule{"updated_on": RuleLatestByDate},
	}
	res := Resolve(policy, det, incoming, existing)
	assert.Equal(t, ActionManual, res.Action)
}

func TestPolicySetValidate(t *testing.T) {
	assert.NoError(t, PolicySet{Default: StrategyMerge, Fields: map[string]Rule{"a": RuleKeepTarget}}.Validate())
	assert.Error(t, PolicySet{Default: Strategy("guess")}.Validate())
	assert.Error(t, PolicySet{Default: StrategyMerge, Fields: map[string]Rule{"a": Rule("coin_flip")}}.Validate())
}

func TestRuleNames_StableEnumeration(t *testing.T) {
	assert.Equal(t, []string{
		"keep_target", "latest_by_date", "longest_string", "prefer_non_null", "take_source",
	}, RuleNames())
}
