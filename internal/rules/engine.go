// Package rules evaluates biometric readings against threshold rules and
// serves the cached rule and zone snapshot the evaluators run against.
package rules

import (
	"fmt"
	"math"

	"companion/internal/models"
)

// SkippedRule is a rule that could not be evaluated because its data is malformed.
type SkippedRule struct {
	RuleID int64
	Err    error
}

// Result is the outcome of one evaluation pass.
type Result struct {
	Candidates []models.AlertCandidate
	Skipped    []SkippedRule
}

// Evaluate returns one candidate per active rule that matches the reading.
// It has no side effects and is safe for concurrent use.
func Evaluate(reading *models.BiometricReading, rules []models.AlertRule) []models.AlertCandidate {
	return EvaluateDetailed(reading, rules).Candidates
}

// EvaluateDetailed is Evaluate plus the list of malformed rules that were skipped.
// A skipped rule never prevents the remaining rules from being evaluated.
func EvaluateDetailed(reading *models.BiometricReading, rules []models.AlertRule) Result {
	var res Result
	if reading == nil {
		return res
	}

	for i := range rules {
		rule := &rules[i]
		if !rule.Active {
			continue
		}
		if err := rule.Validate(); err != nil {
			res.Skipped = append(res.Skipped, SkippedRule{RuleID: rule.ID, Err: err})
			continue
		}

		value, ok := reading.Field(rule.Field)
		if !ok {
			continue
		}
		if !Matches(rule, value) {
			continue
		}

		ruleID := rule.ID
		res.Candidates = append(res.Candidates, models.AlertCandidate{
			EntityID:      reading.EntityID,
			RuleID:        &ruleID,
			Type:          rule.Type,
			Severity:      rule.Severity,
			MeasuredValue: value,
			Threshold:     *rule.Threshold1,
			Title:         rule.Name,
			Message:       fmt.Sprintf("alert rule triggered: %s", rule.Name),
		})
	}
	return res
}

// Matches applies the rule's operator to value. The rule is assumed valid;
// a between rule without a second threshold never matches.
func Matches(rule *models.AlertRule, value float64) bool {
	if rule.Threshold1 == nil || math.IsNaN(value) {
		return false
	}
	t1 := *rule.Threshold1

	switch rule.Operator {
	case models.OpGreater:
		return value > t1
	case models.OpLess:
		return value < t1
	case models.OpEqual:
		return value == t1
	case models.OpGreaterEqual:
		return value >= t1
	case models.OpLessEqual:
		return value <= t1
	case models.OpNotEqual:
		return value != t1
	case models.OpBetween:
		if rule.Threshold2 == nil {
			return false
		}
		return value >= t1 && value <= *rule.Threshold2
	default:
		return false
	}
}
