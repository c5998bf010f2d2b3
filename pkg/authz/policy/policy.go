// Package policy implements the pluggable policy evaluators (spec
// §4.5, C6): time-based, location-based, and attribute-based rules
// evaluated against a check's EvaluationContext. Each evaluator
// implements the same Evaluator interface and is looked up in a small
// plugin registry keyed by PolicyType — no shared mutable state between
// evaluators, per the design note in spec §9.
package policy

import (
	"encoding/json"
	"time"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
)

// EvaluationContext carries the attributes a policy evaluator needs:
// the requester's location/attributes, the resource's attributes, and
// environment attributes. Now is passed explicitly (rather than read
// from time.Now()) so time-based policy tests can pin a simulated
// clock, per spec §8 scenario S4.
type EvaluationContext struct {
	Now                   time.Time
	UserAttributes        map[string]interface{}
	ResourceAttributes    map[string]interface{}
	EnvironmentAttributes map[string]interface{}
	Country               string
	City                  string
	IPAddress             string
	Latitude              *float64
	Longitude             *float64
}

// Result is the uniform outcome shape every evaluator returns.
type Result struct {
	IsApplicable       bool
	GrantedPermissions []string
	DeniedPermissions  []string
	Reason             string
	Metadata           map[string]interface{}
}

// Evaluator is the contract every policy type implements (spec §4.5).
type Evaluator interface {
	Type() models.PolicyType
	Evaluate(rules json.RawMessage, ctx EvaluationContext) (Result, error)
	Validate(rules json.RawMessage) bool
}

// Registry is the plugin surface mapping PolicyType to its Evaluator.
type Registry struct {
	evaluators map[models.PolicyType]Evaluator
}

// NewRegistry builds a registry pre-populated with the three built-in
// evaluators.
func NewRegistry() *Registry {
	r := &Registry{evaluators: make(map[models.PolicyType]Evaluator)}
	r.Register(&TimeEvaluator{})
	r.Register(&LocationEvaluator{})
	r.Register(&AttributeEvaluator{})
	return r
}

// Register adds or replaces the evaluator for its declared type.
func (r *Registry) Register(e Evaluator) {
	r.evaluators[e.Type()] = e
}

// Get looks up the evaluator for a policy type.
func (r *Registry) Get(t models.PolicyType) (Evaluator, bool) {
	e, ok := r.evaluators[t]
	return e, ok
}
