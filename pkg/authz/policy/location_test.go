package policy

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocationEvaluator_DeniedTakesPrecedence(t *testing.T) {
	e := &LocationEvaluator{}
	rules, err := json.Marshal(LocationRules{
		AllowedLocations: []LocationMatch{{Country: "US"}},
		DeniedLocations:  []LocationMatch{{Country: "US", City: "Pyongyang"}},
	})
	require.NoError(t, err)

	result, err := e.Evaluate(rules, EvaluationContext{Country: "US", City: "Pyongyang"})
	require.NoError(t, err)
	assert.False(t, result.IsApplicable)

	result, err = e.Evaluate(rules, EvaluationContext{Country: "US", City: "Austin"})
	require.NoError(t, err)
	assert.True(t, result.IsApplicable)
}

func TestLocationEvaluator_IPMatching(t *testing.T) {
	e := &LocationEvaluator{}

	t.Run("CIDR match", func(t *testing.T) {
		rules, _ := json.Marshal(LocationRules{AllowedLocations: []LocationMatch{{IP: "10.0.0.0/8"}}})
		result, err := e.Evaluate(rules, EvaluationContext{IPAddress: "10.1.2.3"})
		require.NoError(t, err)
		assert.True(t, result.IsApplicable)
	})

	t.Run("wildcard match", func(t *testing.T) {
		rules, _ := json.Marshal(LocationRules{AllowedLocations: []LocationMatch{{IP: "192.168.*"}}})
		result, err := e.Evaluate(rules, EvaluationContext{IPAddress: "192.168.55.2"})
		require.NoError(t, err)
		assert.True(t, result.IsApplicable)
	})

	t.Run("no match", func(t *testing.T) {
		rules, _ := json.Marshal(LocationRules{AllowedLocations: []LocationMatch{{IP: "192.168.*"}}})
		result, err := e.Evaluate(rules, EvaluationContext{IPAddress: "203.0.113.9"})
		require.NoError(t, err)
		assert.False(t, result.IsApplicable)
	})
}

func TestLocationEvaluator_GeoRadius(t *testing.T) {
	e := &LocationEvaluator{}
	rules, err := json.Marshal(LocationRules{
		GeoRadius: &GeoRadius{Latitude: 40.7128, Longitude: -74.0060, RadiusKm: 50},
	})
	require.NoError(t, err)

	near := 40.73
	nearLon := -73.99
	result, err := e.Evaluate(rules, EvaluationContext{Latitude: &near, Longitude: &nearLon})
	require.NoError(t, err)
	assert.True(t, result.IsApplicable)

	far := 34.0522
	farLon := -118.2437
	result, err = e.Evaluate(rules, EvaluationContext{Latitude: &far, Longitude: &farLon})
	require.NoError(t, err)
	assert.False(t, result.IsApplicable)

	result, err = e.Evaluate(rules, EvaluationContext{})
	require.NoError(t, err)
	assert.False(t, result.IsApplicable)
}
