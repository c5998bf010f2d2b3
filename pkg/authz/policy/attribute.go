package policy

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
)

// AttributeOperator enumerates the comparison operators available to
// an attribute condition (spec §4.5).
type AttributeOperator string

const (
	OpEquals      AttributeOperator = "equals"
	OpNotEquals   AttributeOperator = "not_equals"
	OpContains    AttributeOperator = "contains"
	OpIn          AttributeOperator = "in"
	OpNotIn       AttributeOperator = "not_in"
	OpGreaterThan AttributeOperator = "greater_than"
	OpLessThan    AttributeOperator = "less_than"
	OpBetween     AttributeOperator = "between"
)

// AttributeRule compares a single dot-separated field path against
// Value (or Values, for in/not_in/between). Condition names how this
// rule's result combines with the running result of the rules before
// it within its group ("AND"/"OR", default "AND") — the default
// combiner is AND, and a rule may set Condition: "OR" to flip it.
type AttributeRule struct {
	Field     string            `json:"field"`
	Op        AttributeOperator `json:"operator"`
	Value     interface{}       `json:"value,omitempty"`
	Values    []interface{}     `json:"values,omitempty"`
	Condition string            `json:"condition,omitempty"`
}

// AttributeRules is the typed rules payload for an ATTRIBUTE_BASED
// policy: three rule groups, each evaluated independently against its
// matching evaluation-context attribute map, then ANDed together
// (spec §4.5).
type AttributeRules struct {
	UserAttributes        []AttributeRule `json:"userAttributes,omitempty"`
	ResourceAttributes    []AttributeRule `json:"resourceAttributes,omitempty"`
	EnvironmentAttributes []AttributeRule `json:"environmentAttributes,omitempty"`
}

// attributeGroup pairs one rule group with the evaluation-context
// attribute map it resolves against.
type attributeGroup struct {
	name  string
	rules []AttributeRule
	attrs map[string]interface{}
}

func (r AttributeRules) groups(ctx EvaluationContext) []attributeGroup {
	return []attributeGroup{
		{name: "userAttributes", rules: r.UserAttributes, attrs: ctx.UserAttributes},
		{name: "resourceAttributes", rules: r.ResourceAttributes, attrs: ctx.ResourceAttributes},
		{name: "environmentAttributes", rules: r.EnvironmentAttributes, attrs: ctx.EnvironmentAttributes},
	}
}

// AttributeEvaluator implements Evaluator for ATTRIBUTE_BASED policies.
type AttributeEvaluator struct{}

func (e *AttributeEvaluator) Type() models.PolicyType { return models.PolicyAttributeBased }

func (e *AttributeEvaluator) Validate(rules json.RawMessage) bool {
	var r AttributeRules
	if err := json.Unmarshal(rules, &r); err != nil {
		return false
	}
	for _, group := range [][]AttributeRule{r.UserAttributes, r.ResourceAttributes, r.EnvironmentAttributes} {
		for _, c := range group {
			if c.Field == "" {
				return false
			}
			switch strings.ToUpper(c.Condition) {
			case "", "AND", "OR":
			default:
				return false
			}
			switch c.Op {
			case OpEquals, OpNotEquals, OpContains, OpIn, OpNotIn, OpGreaterThan, OpLessThan, OpBetween:
			default:
				return false
			}
			if c.Op == OpBetween && len(c.Values) != 2 {
				return false
			}
			if (c.Op == OpIn || c.Op == OpNotIn) && len(c.Values) == 0 {
				return false
			}
		}
	}
	return true
}

// Evaluate evaluates each of the three rule groups independently, then
// ANDs the group results together (spec §4.5: "groups are ANDed").
func (e *AttributeEvaluator) Evaluate(rules json.RawMessage, ctx EvaluationContext) (Result, error) {
	var r AttributeRules
	if err := json.Unmarshal(rules, &r); err != nil {
		return Result{}, fmt.Errorf("policy: invalid attribute rules: %w", err)
	}

	for _, group := range r.groups(ctx) {
		if len(group.rules) == 0 {
			continue
		}
		applicable, reason := evaluateGroup(group, ctx)
		if !applicable {
			return Result{IsApplicable: false, Reason: reason}, nil
		}
	}
	return Result{IsApplicable: true}, nil
}

// evaluateGroup combines a single group's rules left to right: each
// rule's own Condition ("AND"/"OR", default "AND") says how its result
// folds into the running result of the rules before it.
func evaluateGroup(group attributeGroup, ctx EvaluationContext) (bool, string) {
	acc := true
	var lastReason string
	for i, c := range group.rules {
		ok, reason := evaluateCondition(group.name, group.attrs, c)
		if !ok {
			lastReason = reason
		}
		if i == 0 {
			acc = ok
			continue
		}
		if strings.ToUpper(c.Condition) == "OR" {
			acc = acc || ok
		} else {
			acc = acc && ok
		}
	}
	return acc, lastReason
}

func evaluateCondition(groupName string, attrs map[string]interface{}, c AttributeRule) (bool, string) {
	actual, found := resolveFieldPath(attrs, c.Field)
	if !found {
		// An undefined field never satisfies equals/contains/in/between,
		// but does satisfy not_equals/not_in against any concrete value.
		if c.Op == OpNotEquals || c.Op == OpNotIn {
			return true, ""
		}
		return false, fmt.Sprintf("%s.%s is undefined", groupName, c.Field)
	}

	ok, err := applyOperator(c.Op, actual, c.Value, c.Values)
	if err != nil {
		return false, err.Error()
	}
	if !ok {
		return false, fmt.Sprintf("%s.%s failed %s", groupName, c.Field, c.Op)
	}
	return true, ""
}

// resolveFieldPath walks a dot-separated path through nested maps.
func resolveFieldPath(root map[string]interface{}, path string) (interface{}, bool) {
	if root == nil || path == "" {
		return nil, false
	}
	parts := strings.Split(path, ".")
	var current interface{} = root
	for _, p := range parts {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		v, ok := m[p]
		if !ok {
			return nil, false
		}
		current = v
	}
	return current, true
}

func applyOperator(op AttributeOperator, actual, value interface{}, values []interface{}) (bool, error) {
	switch op {
	case OpEquals:
		return fmt.Sprintf("%v", actual) == fmt.Sprintf("%v", value), nil
	case OpNotEquals:
		return fmt.Sprintf("%v", actual) != fmt.Sprintf("%v", value), nil
	case OpContains:
		actualStr, ok := actual.(string)
		if !ok {
			return false, nil
		}
		valueStr := fmt.Sprintf("%v", value)
		return strings.Contains(actualStr, valueStr), nil
	case OpIn:
		for _, v := range values {
			if fmt.Sprintf("%v", v) == fmt.Sprintf("%v", actual) {
				return true, nil
			}
		}
		return false, nil
	case OpNotIn:
		for _, v := range values {
			if fmt.Sprintf("%v", v) == fmt.Sprintf("%v", actual) {
				return false, nil
			}
		}
		return true, nil
	case OpGreaterThan:
		a, b, err := asFloats(actual, value)
		if err != nil {
			return false, err
		}
		return a > b, nil
	case OpLessThan:
		a, b, err := asFloats(actual, value)
		if err != nil {
			return false, err
		}
		return a < b, nil
	case OpBetween:
		if len(values) != 2 {
			return false, fmt.Errorf("policy: between requires exactly 2 values")
		}
		a, lo, err := asFloats(actual, values[0])
		if err != nil {
			return false, err
		}
		_, hi, err := asFloats(actual, values[1])
		if err != nil {
			return false, err
		}
		return a >= lo && a <= hi, nil
	default:
		return false, fmt.Errorf("policy: unknown operator %q", op)
	}
}

func asFloats(a, b interface{}) (float64, float64, error) {
	af, err := toFloat(a)
	if err != nil {
		return 0, 0, err
	}
	bf, err := toFloat(b)
	if err != nil {
		return 0, 0, err
	}
	return af, bf, nil
}

func toFloat(v interface{}) (float64, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	case int64:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		f, err := strconv.ParseFloat(n, 64)
		if err != nil {
			return 0, fmt.Errorf("policy: cannot compare non-numeric value %q", n)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("policy: cannot compare value of type %T", v)
	}
}
