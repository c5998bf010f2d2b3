package policy

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTimeEvaluator_Schedule(t *testing.T) {
	e := &TimeEvaluator{}
	rules := []byte(`{"schedule":{"daysOfWeek":[1,2,3,4,5],"startTime":"09:00","endTime":"17:00","timezone":"America/New_York"}}`)

	require.True(t, e.Validate(rules))

	t.Run("within business hours on a weekday", func(t *testing.T) {
		loc, _ := time.LoadLocation("America/New_York")
		now := time.Date(2026, 7, 27, 10, 0, 0, 0, loc) // Monday
		result, err := e.Evaluate(rules, EvaluationContext{Now: now})
		require.NoError(t, err)
		assert.True(t, result.IsApplicable)
	})

	t.Run("outside business hours", func(t *testing.T) {
		loc, _ := time.LoadLocation("America/New_York")
		now := time.Date(2026, 7, 27, 22, 0, 0, 0, loc)
		result, err := e.Evaluate(rules, EvaluationContext{Now: now})
		require.NoError(t, err)
		assert.False(t, result.IsApplicable)
	})

	t.Run("on a weekend", func(t *testing.T) {
		loc, _ := time.LoadLocation("America/New_York")
		now := time.Date(2026, 8, 1, 10, 0, 0, 0, loc) // Saturday
		result, err := e.Evaluate(rules, EvaluationContext{Now: now})
		require.NoError(t, err)
		assert.False(t, result.IsApplicable)
	})
}

func TestTimeEvaluator_DateRange(t *testing.T) {
	e := &TimeEvaluator{}
	rules, err := json.Marshal(TimeRules{
		DateRange: &DateRangeRule{
			Start: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
			End:   time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC),
		},
	})
	require.NoError(t, err)

	result, err := e.Evaluate(rules, EvaluationContext{Now: time.Date(2027, 1, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.False(t, result.IsApplicable)

	result, err = e.Evaluate(rules, EvaluationContext{Now: time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)})
	require.NoError(t, err)
	assert.True(t, result.IsApplicable)
}

func TestTimeEvaluator_InvalidTimezone(t *testing.T) {
	e := &TimeEvaluator{}
	rules := []byte(`{"schedule":{"startTime":"09:00","endTime":"17:00","timezone":"Not/ARealZone"}}`)
	assert.False(t, e.Validate(rules))
}
