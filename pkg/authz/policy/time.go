package policy

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nexus-iam/authz-core/pkg/authz/models"
)

// ScheduleRule restricts applicability to a weekly schedule in a named
// IANA timezone.
type ScheduleRule struct {
	DaysOfWeek []int  `json:"daysOfWeek"` // 0=Sunday .. 6=Saturday
	StartTime  string `json:"startTime"`  // "HH:MM"
	EndTime    string `json:"endTime"`    // "HH:MM"
	Timezone   string `json:"timezone"`
}

// DateRangeRule restricts applicability to an inclusive date range.
type DateRangeRule struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// RecurringPeriodRule restricts applicability to a recurring calendar
// value (e.g. "daily", day-of-month for "monthly", month for "yearly").
type RecurringPeriodRule struct {
	Frequency string `json:"frequency"` // daily|weekly|monthly|yearly
	Value     int    `json:"value"`
}

// TimeRules is the typed rules payload for a TIME_BASED policy. The
// three sub-rules are optional and ANDed together (spec §4.5).
type TimeRules struct {
	Schedule         *ScheduleRule         `json:"schedule,omitempty"`
	DateRange        *DateRangeRule        `json:"dateRange,omitempty"`
	RecurringPeriods []RecurringPeriodRule `json:"recurringPeriods,omitempty"`
}

// TimeEvaluator implements Evaluator for TIME_BASED policies.
type TimeEvaluator struct{}

func (e *TimeEvaluator) Type() models.PolicyType { return models.PolicyTimeBased }

func (e *TimeEvaluator) Validate(rules json.RawMessage) bool {
	var r TimeRules
	if err := json.Unmarshal(rules, &r); err != nil {
		return false
	}
	if r.Schedule != nil {
		if _, _, err := parseHHMM(r.Schedule.StartTime); err != nil {
			return false
		}
		if _, _, err := parseHHMM(r.Schedule.EndTime); err != nil {
			return false
		}
		if r.Schedule.Timezone != "" {
			if _, err := time.LoadLocation(r.Schedule.Timezone); err != nil {
				return false
			}
		}
		for _, d := range r.Schedule.DaysOfWeek {
			if d < 0 || d > 6 {
				return false
			}
		}
	}
	if r.DateRange != nil && !r.DateRange.Start.Before(r.DateRange.End) {
		return false
	}
	return true
}

func (e *TimeEvaluator) Evaluate(rules json.RawMessage, ctx EvaluationContext) (Result, error) {
	var r TimeRules
	if err := json.Unmarshal(rules, &r); err != nil {
		return Result{}, fmt.Errorf("policy: invalid time rules: %w", err)
	}

	if r.Schedule != nil {
		ok, reason, err := evaluateSchedule(r.Schedule, ctx.Now)
		if err != nil {
			return Result{}, err
		}
		if !ok {
			return Result{IsApplicable: false, Reason: reason}, nil
		}
	}

	if r.DateRange != nil {
		if ctx.Now.Before(r.DateRange.Start) || ctx.Now.After(r.DateRange.End) {
			return Result{IsApplicable: false, Reason: "outside configured date range"}, nil
		}
	}

	if len(r.RecurringPeriods) > 0 {
		matched := false
		for _, p := range r.RecurringPeriods {
			if matchesRecurringPeriod(p, ctx.Now) {
				matched = true
				break
			}
		}
		if !matched {
			return Result{IsApplicable: false, Reason: "outside recurring period"}, nil
		}
	}

	return Result{IsApplicable: true}, nil
}

func evaluateSchedule(s *ScheduleRule, now time.Time) (bool, string, error) {
	loc := time.UTC
	if s.Timezone != "" {
		l, err := time.LoadLocation(s.Timezone)
		if err != nil {
			return false, "", fmt.Errorf("policy: invalid timezone %q: %w", s.Timezone, err)
		}
		loc = l
	}
	local := now.In(loc)

	if len(s.DaysOfWeek) > 0 {
		weekday := int(local.Weekday())
		allowed := false
		for _, d := range s.DaysOfWeek {
			if d == weekday {
				allowed = true
				break
			}
		}
		if !allowed {
			return false, fmt.Sprintf("not allowed on %s", local.Weekday()), nil
		}
	}

	if s.StartTime != "" && s.EndTime != "" {
		startH, startM, err := parseHHMM(s.StartTime)
		if err != nil {
			return false, "", err
		}
		endH, endM, err := parseHHMM(s.EndTime)
		if err != nil {
			return false, "", err
		}
		minutesNow := local.Hour()*60 + local.Minute()
		minutesStart := startH*60 + startM
		minutesEnd := endH*60 + endM
		if minutesNow < minutesStart || minutesNow > minutesEnd {
			return false, fmt.Sprintf("outside allowed hours %s-%s %s", s.StartTime, s.EndTime, s.Timezone), nil
		}
	}

	return true, "", nil
}

func parseHHMM(s string) (hour, minute int, err error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return 0, 0, fmt.Errorf("policy: invalid HH:MM value %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}

func matchesRecurringPeriod(p RecurringPeriodRule, now time.Time) bool {
	switch p.Frequency {
	case "daily":
		return true
	case "weekly":
		return int(now.Weekday()) == p.Value
	case "monthly":
		return now.Day() == p.Value
	case "yearly":
		return int(now.Month()) == p.Value
	default:
		return false
	}
}
