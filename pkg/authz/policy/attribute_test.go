package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAttributeEvaluator_Equals(t *testing.T) {
	e := &AttributeEvaluator{}
	rules, err := json.Marshal(AttributeRules{
		UserAttributes: []AttributeRule{
			{Field: "department", Op: OpEquals, Value: "engineering"},
		},
	})
	require.NoError(t, err)

	ctx := EvaluationContext{UserAttributes: map[string]interface{}{"department": "engineering"}}
	result, err := e.Evaluate(rules, ctx)
	require.NoError(t, err)
	assert.True(t, result.IsApplicable)

	ctx.UserAttributes["department"] = "sales"
	result, err = e.Evaluate(rules, ctx)
	require.NoError(t, err)
	assert.False(t, result.IsApplicable)
}

func TestAttributeEvaluator_NestedFieldPath(t *testing.T) {
	e := &AttributeEvaluator{}
	rules, err := json.Marshal(AttributeRules{
		ResourceAttributes: []AttributeRule{
			{Field: "owner.team", Op: OpEquals, Value: "platform"},
		},
	})
	require.NoError(t, err)

	ctx := EvaluationContext{
		ResourceAttributes: map[string]interface{}{
			"owner": map[string]interface{}{"team": "platform"},
		},
	}
	result, err := e.Evaluate(rules, ctx)
	require.NoError(t, err)
	assert.True(t, result.IsApplicable)
}

func TestAttributeEvaluator_UndefinedField(t *testing.T) {
	e := &AttributeEvaluator{}

	t.Run("equals fails on undefined", func(t *testing.T) {
		rules, _ := json.Marshal(AttributeRules{
			UserAttributes: []AttributeRule{{Field: "missing", Op: OpEquals, Value: "x"}},
		})
		result, err := e.Evaluate(rules, EvaluationContext{UserAttributes: map[string]interface{}{}})
		require.NoError(t, err)
		assert.False(t, result.IsApplicable)
	})

	t.Run("not_equals succeeds on undefined", func(t *testing.T) {
		rules, _ := json.Marshal(AttributeRules{
			UserAttributes: []AttributeRule{{Field: "missing", Op: OpNotEquals, Value: "x"}},
		})
		result, err := e.Evaluate(rules, EvaluationContext{UserAttributes: map[string]interface{}{}})
		require.NoError(t, err)
		assert.True(t, result.IsApplicable)
	})
}

func TestAttributeEvaluator_BetweenAndCombinators(t *testing.T) {
	e := &AttributeEvaluator{}

	t.Run("between", func(t *testing.T) {
		rules, _ := json.Marshal(AttributeRules{
			ResourceAttributes: []AttributeRule{
				{Field: "riskScore", Op: OpBetween, Values: []interface{}{10, 50}},
			},
		})
		result, err := e.Evaluate(rules, EvaluationContext{ResourceAttributes: map[string]interface{}{"riskScore": 25}})
		require.NoError(t, err)
		assert.True(t, result.IsApplicable)
	})

	t.Run("per-rule OR flips the group combiner", func(t *testing.T) {
		rules, _ := json.Marshal(AttributeRules{
			UserAttributes: []AttributeRule{
				{Field: "role", Op: OpEquals, Value: "admin"},
				{Field: "role", Op: OpEquals, Value: "owner", Condition: "OR"},
			},
		})
		result, err := e.Evaluate(rules, EvaluationContext{UserAttributes: map[string]interface{}{"role": "owner"}})
		require.NoError(t, err)
		assert.True(t, result.IsApplicable)
	})

	t.Run("AND combinator default within a group", func(t *testing.T) {
		rules, _ := json.Marshal(AttributeRules{
			UserAttributes: []AttributeRule{
				{Field: "role", Op: OpEquals, Value: "admin"},
				{Field: "active", Op: OpEquals, Value: true},
			},
		})
		result, err := e.Evaluate(rules, EvaluationContext{UserAttributes: map[string]interface{}{"role": "admin", "active": false}})
		require.NoError(t, err)
		assert.False(t, result.IsApplicable)
	})

	t.Run("groups are ANDed together", func(t *testing.T) {
		rules, _ := json.Marshal(AttributeRules{
			UserAttributes: []AttributeRule{
				{Field: "role", Op: OpEquals, Value: "admin"},
			},
			ResourceAttributes: []AttributeRule{
				{Field: "owner.team", Op: OpEquals, Value: "platform"},
			},
		})
		ctx := EvaluationContext{
			UserAttributes:     map[string]interface{}{"role": "admin"},
			ResourceAttributes: map[string]interface{}{"owner": map[string]interface{}{"team": "sales"}},
		}
		result, err := e.Evaluate(rules, ctx)
		require.NoError(t, err)
		assert.False(t, result.IsApplicable)
	})
}
