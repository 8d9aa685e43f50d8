package trigger

import (
	"encoding/json"
	"fmt"
)

// ConditionType discriminates the declarative condition union.
type ConditionType string

const (
	CondQueryCount  ConditionType = "query_count"
	CondEventExists ConditionType = "event_exists"
	CondEventAbsent ConditionType = "event_absent"
	CondTimeWindow  ConditionType = "time_window"
	CondProbability ConditionType = "probability"
	CondAll         ConditionType = "all"
	CondAny         ConditionType = "any"
)

// Condition is a declarative boolean expression evaluated against the
// store. Exactly the fields relevant to Type are populated; All/Any
// recurse over child conditions.
type Condition struct {
	Type ConditionType `json:"type"`

	// query_count
	Table     string         `json:"table,omitempty"`
	Where     map[string]any `json:"where,omitempty"`
	Operator  string         `json:"operator,omitempty"`
	Threshold int            `json:"threshold,omitempty"`

	// event_exists / event_absent
	EventKind       string `json:"kind,omitempty"`
	LookbackMinutes int    `json:"lookback_minutes,omitempty"`

	// time_window: UTC hour-of-day bounds, half-open. Nil means unbounded.
	After  *int `json:"after,omitempty"`
	Before *int `json:"before,omitempty"`

	// probability
	Value float64 `json:"value,omitempty"`

	// all / any
	Conditions []Condition `json:"conditions,omitempty"`
}

// Validate checks the condition tree is structurally sound. It does not
// consult the table allow-list; that is the evaluator's security check.
func (c *Condition) Validate() error {
	switch c.Type {
	case CondQueryCount:
		if c.Table == "" {
			return fmt.Errorf("query_count: table is required")
		}
		switch c.Operator {
		case "==", ">=", "<=", ">", "<", "!=":
		default:
			return fmt.Errorf("query_count: unknown operator %q", c.Operator)
		}
	case CondEventExists, CondEventAbsent:
		if c.EventKind == "" {
			return fmt.Errorf("%s: kind is required", c.Type)
		}
		if c.LookbackMinutes <= 0 {
			return fmt.Errorf("%s: lookback_minutes must be positive", c.Type)
		}
	case CondTimeWindow:
		if c.After == nil && c.Before == nil {
			return fmt.Errorf("time_window: at least one bound is required")
		}
	case CondProbability:
		if c.Value < 0 || c.Value > 1 {
			return fmt.Errorf("probability: value %v out of [0,1]", c.Value)
		}
	case CondAll, CondAny:
		if len(c.Conditions) == 0 {
			return fmt.Errorf("%s: at least one child condition is required", c.Type)
		}
		for i := range c.Conditions {
			if err := c.Conditions[i].Validate(); err != nil {
				return fmt.Errorf("%s[%d]: %w", c.Type, i, err)
			}
		}
	default:
		return fmt.Errorf("unknown condition type %q", c.Type)
	}
	return nil
}

// ParseCondition decodes and validates a condition tree from raw JSON.
func ParseCondition(raw json.RawMessage) (*Condition, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var c Condition
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse condition: %w", err)
	}
	if err := c.Validate(); err != nil {
		return nil, fmt.Errorf("invalid condition: %w", err)
	}
	return &c, nil
}
