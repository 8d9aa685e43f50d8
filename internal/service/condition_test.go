package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ensemble-hq/conductor/internal/domain"
	"github.com/ensemble-hq/conductor/internal/domain/trigger"
)

func newTestEvaluator(store *mockStore, events *mockEvents) *Evaluator {
	e := NewEvaluator(store, events)
	e.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return e
}

func TestEvaluateQueryCount(t *testing.T) {
	store := &mockStore{counts: map[string]int{"missions": 7}}
	e := newTestEvaluator(store, &mockEvents{})

	ok, err := e.Evaluate(context.Background(), &trigger.Condition{
		Type:      trigger.CondQueryCount,
		Table:     "missions",
		Where:     map[string]any{"status_in": []any{"failed"}, "created_today": true},
		Operator:  ">=",
		Threshold: 5,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected condition to hold at 7 >= 5")
	}
}

func TestEvaluateRejectsUnknownTable(t *testing.T) {
	e := newTestEvaluator(&mockStore{}, &mockEvents{})

	_, err := e.Evaluate(context.Background(), &trigger.Condition{
		Type:      trigger.CondQueryCount,
		Table:     "pg_catalog",
		Operator:  ">",
		Threshold: 0,
	})
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig for disallowed table, got %v", err)
	}
}

func TestEvaluateRejectsBadColumn(t *testing.T) {
	e := newTestEvaluator(&mockStore{counts: map[string]int{}}, &mockEvents{})

	_, err := e.Evaluate(context.Background(), &trigger.Condition{
		Type:      trigger.CondQueryCount,
		Table:     "missions",
		Where:     map[string]any{"status; DROP TABLE missions": "x"},
		Operator:  ">",
		Threshold: 0,
	})
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig for bad column, got %v", err)
	}
}

func TestEvaluateOperators(t *testing.T) {
	store := &mockStore{counts: map[string]int{"proposals": 3}}
	e := newTestEvaluator(store, &mockEvents{})

	cases := []struct {
		op        string
		threshold int
		want      bool
	}{
		{">", 2, true},
		{">", 3, false},
		{">=", 3, true},
		{"<", 4, true},
		{"<=", 2, false},
		{"==", 3, true},
		{"!=", 3, false},
	}
	for _, tc := range cases {
		ok, err := e.Evaluate(context.Background(), &trigger.Condition{
			Type: trigger.CondQueryCount, Table: "proposals", Operator: tc.op, Threshold: tc.threshold,
		})
		if err != nil {
			t.Fatalf("%s %d: unexpected error: %v", tc.op, tc.threshold, err)
		}
		if ok != tc.want {
			t.Errorf("3 %s %d: got %t, want %t", tc.op, tc.threshold, ok, tc.want)
		}
	}
}

func TestEvaluateEventPresence(t *testing.T) {
	events := &mockEvents{counts: map[string]int{"mission_failed": 2}}
	e := newTestEvaluator(&mockStore{}, events)

	ok, err := e.Evaluate(context.Background(), &trigger.Condition{
		Type: trigger.CondEventExists, EventKind: "mission_failed", LookbackMinutes: 60,
	})
	if err != nil || !ok {
		t.Fatalf("expected event_exists true, got %t, %v", ok, err)
	}

	ok, err = e.Evaluate(context.Background(), &trigger.Condition{
		Type: trigger.CondEventAbsent, EventKind: "mission_failed", LookbackMinutes: 60,
	})
	if err != nil || ok {
		t.Fatalf("expected event_absent false, got %t, %v", ok, err)
	}

	ok, err = e.Evaluate(context.Background(), &trigger.Condition{
		Type: trigger.CondEventAbsent, EventKind: "trigger_fired", LookbackMinutes: 60,
	})
	if err != nil || !ok {
		t.Fatalf("expected event_absent true for unseen kind, got %t, %v", ok, err)
	}
}

func TestEvaluateTimeWindow(t *testing.T) {
	e := newTestEvaluator(&mockStore{}, &mockEvents{}) // clock fixed at 12:00 UTC

	after, before := 10, 14
	ok, err := e.Evaluate(context.Background(), &trigger.Condition{
		Type: trigger.CondTimeWindow, After: &after, Before: &before,
	})
	if err != nil || !ok {
		t.Fatalf("expected 12:00 inside [10,14), got %t, %v", ok, err)
	}

	// The upper bound is exclusive.
	before = 12
	ok, err = e.Evaluate(context.Background(), &trigger.Condition{
		Type: trigger.CondTimeWindow, After: &after, Before: &before,
	})
	if err != nil || ok {
		t.Fatalf("expected 12:00 outside [10,12), got %t, %v", ok, err)
	}
}

func TestEvaluateProbability(t *testing.T) {
	e := newTestEvaluator(&mockStore{}, &mockEvents{})
	e.randFn = func() float64 { return 0.49 }

	ok, err := e.Evaluate(context.Background(), &trigger.Condition{Type: trigger.CondProbability, Value: 0.5})
	if err != nil || !ok {
		t.Fatalf("expected 0.49 < 0.5 to fire, got %t, %v", ok, err)
	}

	e.randFn = func() float64 { return 0.5 }
	ok, err = e.Evaluate(context.Background(), &trigger.Condition{Type: trigger.CondProbability, Value: 0.5})
	if err != nil || ok {
		t.Fatalf("expected 0.5 < 0.5 not to fire, got %t, %v", ok, err)
	}
}

func TestEvaluateAllShortCircuits(t *testing.T) {
	// The second child references a disallowed table; short-circuiting
	// on the first false child means it is never evaluated.
	store := &mockStore{counts: map[string]int{"missions": 0}}
	e := newTestEvaluator(store, &mockEvents{})

	ok, err := e.Evaluate(context.Background(), &trigger.Condition{
		Type: trigger.CondAll,
		Conditions: []trigger.Condition{
			{Type: trigger.CondQueryCount, Table: "missions", Operator: ">", Threshold: 0},
			{Type: trigger.CondQueryCount, Table: "forbidden", Operator: ">", Threshold: 0},
		},
	})
	if err != nil {
		t.Fatalf("expected short-circuit before the invalid child, got %v", err)
	}
	if ok {
		t.Fatal("expected all([false, ...]) = false")
	}
}

func TestEvaluateAnyShortCircuits(t *testing.T) {
	store := &mockStore{counts: map[string]int{"missions": 5}}
	e := newTestEvaluator(store, &mockEvents{})

	ok, err := e.Evaluate(context.Background(), &trigger.Condition{
		Type: trigger.CondAny,
		Conditions: []trigger.Condition{
			{Type: trigger.CondQueryCount, Table: "missions", Operator: ">", Threshold: 0},
			{Type: trigger.CondQueryCount, Table: "forbidden", Operator: ">", Threshold: 0},
		},
	})
	if err != nil {
		t.Fatalf("expected short-circuit before the invalid child, got %v", err)
	}
	if !ok {
		t.Fatal("expected any([true, ...]) = true")
	}
}
