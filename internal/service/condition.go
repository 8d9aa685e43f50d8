package service

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"regexp"
	"time"

	"github.com/ensemble-hq/conductor/internal/domain"
	"github.com/ensemble-hq/conductor/internal/domain/trigger"
	"github.com/ensemble-hq/conductor/internal/port/database"
	"github.com/ensemble-hq/conductor/internal/port/eventstore"
)

// countableTables is the closed set of tables query_count conditions may
// touch. Everything else is rejected before any SQL is rendered.
var countableTables = map[string]bool{
	"missions":              true,
	"mission_steps":         true,
	"proposals":             true,
	"agent_sessions":        true,
	"conversation_sessions": true,
	"agent_events":          true,
	"agent_memories":        true,
	"initiative_queue":      true,
	"trigger_rules":         true,
}

var columnPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Evaluator resolves declarative trigger conditions against the store
// and the event log. The clock and randomness source are injectable for
// deterministic tests.
type Evaluator struct {
	store  database.Store
	events eventstore.Store
	now    func() time.Time
	randFn func() float64
}

// NewEvaluator creates a condition evaluator backed by the given store
// and event store.
func NewEvaluator(store database.Store, events eventstore.Store) *Evaluator {
	return &Evaluator{
		store:  store,
		events: events,
		now:    time.Now,
		randFn: rand.Float64,
	}
}

// Evaluate resolves a condition tree to a boolean. Malformed or
// disallowed conditions return an error wrapping domain.ErrConfig so
// callers can distinguish misconfiguration from store failures.
func (e *Evaluator) Evaluate(ctx context.Context, c *trigger.Condition) (bool, error) {
	if c == nil {
		return false, fmt.Errorf("%w: nil condition", domain.ErrConfig)
	}

	switch c.Type {
	case trigger.CondQueryCount:
		return e.evalQueryCount(ctx, c)
	case trigger.CondEventExists:
		return e.evalEventPresence(ctx, c, true)
	case trigger.CondEventAbsent:
		return e.evalEventPresence(ctx, c, false)
	case trigger.CondTimeWindow:
		return e.evalTimeWindow(c), nil
	case trigger.CondProbability:
		return e.randFn() < c.Value, nil
	case trigger.CondAll:
		for i := range c.Conditions {
			ok, err := e.Evaluate(ctx, &c.Conditions[i])
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	case trigger.CondAny:
		for i := range c.Conditions {
			ok, err := e.Evaluate(ctx, &c.Conditions[i])
			if err != nil {
				return false, err
			}
			if ok {
				return true, nil
			}
		}
		return false, nil
	default:
		return false, fmt.Errorf("%w: unknown condition type %q", domain.ErrConfig, c.Type)
	}
}

func (e *Evaluator) evalQueryCount(ctx context.Context, c *trigger.Condition) (bool, error) {
	if !countableTables[c.Table] {
		return false, fmt.Errorf("%w: table %q is not countable", domain.ErrConfig, c.Table)
	}

	spec := database.CountSpec{Table: c.Table}
	for col, val := range c.Where {
		f, err := translateFilter(col, val)
		if err != nil {
			return false, err
		}
		spec.Filters = append(spec.Filters, f)
	}

	count, err := e.store.CountRows(ctx, spec)
	if err != nil {
		return false, fmt.Errorf("count %s: %w", c.Table, err)
	}
	return compare(count, c.Operator, c.Threshold)
}

// translateFilter maps a where-clause entry to a vetted store filter.
// A handful of keys are synthetic predicates; anything else is a plain
// column equality and must look like a column name.
func translateFilter(col string, val any) (database.Filter, error) {
	switch col {
	case "created_today":
		return database.Filter{Op: database.OpCreatedToday}, nil
	case "status_in":
		statuses, err := toStringSlice(val)
		if err != nil {
			return database.Filter{}, fmt.Errorf("%w: status_in: %v", domain.ErrConfig, err)
		}
		return database.Filter{Op: database.OpStatusIn, Value: statuses}, nil
	case "updated_at_older_than_minutes":
		n, err := toInt(val)
		if err != nil {
			return database.Filter{}, fmt.Errorf("%w: updated_at_older_than_minutes: %v", domain.ErrConfig, err)
		}
		return database.Filter{Op: database.OpUpdatedOlderThanMin, Value: n}, nil
	case "created_in_last_hours":
		n, err := toInt(val)
		if err != nil {
			return database.Filter{}, fmt.Errorf("%w: created_in_last_hours: %v", domain.ErrConfig, err)
		}
		return database.Filter{Op: database.OpCreatedInLastHours, Value: n}, nil
	case "confidence_gte":
		f, ok := toFloat(val)
		if !ok {
			return database.Filter{}, fmt.Errorf("%w: confidence_gte wants a number, got %T", domain.ErrConfig, val)
		}
		return database.Filter{Op: database.OpConfidenceGTE, Value: f}, nil
	case "superseded_by_is_null":
		return database.Filter{Op: database.OpSupersededByIsNull}, nil
	default:
		if !columnPattern.MatchString(col) {
			return database.Filter{}, fmt.Errorf("%w: invalid column %q", domain.ErrConfig, col)
		}
		return database.Filter{Op: database.OpEquals, Column: col, Value: val}, nil
	}
}

func (e *Evaluator) evalEventPresence(ctx context.Context, c *trigger.Condition, want bool) (bool, error) {
	if c.EventKind == "" {
		return false, fmt.Errorf("%w: event condition without kind", domain.ErrConfig)
	}
	lookback := c.LookbackMinutes
	if lookback <= 0 {
		lookback = 60
	}
	since := e.now().Add(-time.Duration(lookback) * time.Minute)
	count, err := e.events.CountSince(ctx, c.EventKind, since)
	if err != nil {
		return false, fmt.Errorf("count events %s: %w", c.EventKind, err)
	}
	return (count > 0) == want, nil
}

// evalTimeWindow checks the current UTC hour against [after, before).
func (e *Evaluator) evalTimeWindow(c *trigger.Condition) bool {
	hour := e.now().UTC().Hour()
	if c.After != nil && hour < *c.After {
		return false
	}
	if c.Before != nil && hour >= *c.Before {
		return false
	}
	return true
}

func compare(count int, op string, threshold int) (bool, error) {
	switch op {
	case ">":
		return count > threshold, nil
	case ">=":
		return count >= threshold, nil
	case "<":
		return count < threshold, nil
	case "<=":
		return count <= threshold, nil
	case "==":
		return count == threshold, nil
	case "!=":
		return count != threshold, nil
	default:
		return false, fmt.Errorf("%w: unknown operator %q", domain.ErrConfig, op)
	}
}

func toStringSlice(val any) ([]string, error) {
	switch v := val.(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("non-string element %v", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("want a string list, got %T", val)
	}
}

func toInt(val any) (int, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case float64:
		return int(v), nil
	case json.Number:
		n, err := v.Int64()
		return int(n), err
	default:
		return 0, fmt.Errorf("want a number, got %T", val)
	}
}

func toFloat(val any) (float64, bool) {
	switch v := val.(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	default:
		return 0, false
	}
}
