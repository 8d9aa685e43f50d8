package service

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ensemble-hq/conductor/internal/domain/event"
	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/domain/trigger"
)

func newTestEngine(store *mockStore, events *mockEvents) *TriggerEngine {
	evaluator := newTestEvaluator(store, events)
	proposals := newProposalService(store, events)
	engine := NewTriggerEngine(store, events, evaluator, proposals, nil, "chora", testLogger())
	engine.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	return engine
}

func backlogRule() trigger.Rule {
	return trigger.Rule{
		ID:           "rule-1",
		Name:         "queue backlog watch",
		TriggerEvent: trigger.EventQueueBacklog,
		Conditions:   json.RawMessage(`{"threshold":5}`),
		Enabled:      true,
	}
}

func TestTriggerFiresAndMarks(t *testing.T) {
	store := &mockStore{
		rules:  []trigger.Rule{backlogRule()},
		counts: map[string]int{"mission_steps": 6},
	}
	events := &mockEvents{}
	engine := newTestEngine(store, events)

	stats, err := engine.EvaluateTriggers(context.Background(), engine.now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Evaluated != 1 || stats.Fired != 1 {
		t.Fatalf("expected 1 evaluated / 1 fired, got %+v", stats)
	}
	if store.rules[0].FireCount != 1 || store.rules[0].LastFiredAt == nil {
		t.Fatalf("expected fire bookkeeping, got %+v", store.rules[0])
	}
	if len(store.proposals) != 1 {
		t.Fatalf("expected a synthesized proposal, got %d", len(store.proposals))
	}
}

func TestTriggerRespectsCooldown(t *testing.T) {
	rule := backlogRule()
	fired := time.Date(2026, 3, 1, 11, 30, 0, 0, time.UTC) // 30 min ago
	rule.LastFiredAt = &fired
	rule.CooldownMinutes = 60
	store := &mockStore{
		rules:  []trigger.Rule{rule},
		counts: map[string]int{"mission_steps": 100},
	}
	engine := newTestEngine(store, &mockEvents{})

	stats, err := engine.EvaluateTriggers(context.Background(), engine.now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Fired != 0 {
		t.Fatal("rule in cooldown must not fire")
	}
	if store.rules[0].FireCount != 0 {
		t.Fatal("cooldown skip must not bump fire_count")
	}
}

func TestTriggerDeadlineStopsAdmission(t *testing.T) {
	store := &mockStore{
		rules:  []trigger.Rule{backlogRule(), backlogRule(), backlogRule()},
		counts: map[string]int{},
	}
	engine := newTestEngine(store, &mockEvents{})

	// Advance the clock one minute per call; the deadline admits only
	// the first two rules.
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	calls := 0
	engine.now = func() time.Time {
		calls++
		return base.Add(time.Duration(calls) * time.Minute)
	}

	stats, err := engine.EvaluateTriggers(context.Background(), base.Add(3*time.Minute+30*time.Second))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Evaluated >= 3 {
		t.Fatalf("expected the deadline to cut the cycle short, evaluated %d", stats.Evaluated)
	}
}

func TestTriggerBadRuleIsIsolated(t *testing.T) {
	bad := trigger.Rule{ID: "rule-bad", Name: "no such check", TriggerEvent: "does_not_exist", Enabled: true}
	good := backlogRule()
	store := &mockStore{
		rules:  []trigger.Rule{bad, good},
		counts: map[string]int{"mission_steps": 50},
	}
	engine := newTestEngine(store, &mockEvents{})

	stats, err := engine.EvaluateTriggers(context.Background(), engine.now().Add(time.Minute))
	if err != nil {
		t.Fatalf("cycle must survive a broken rule: %v", err)
	}
	if stats.Errors != 1 {
		t.Fatalf("expected 1 rule error, got %d", stats.Errors)
	}
	if stats.Fired != 1 {
		t.Fatalf("the healthy rule must still fire, got %+v", stats)
	}
}

func TestTriggerDeclarativeConditionTakesPriority(t *testing.T) {
	rule := backlogRule()
	// Built-in backlog check would not fire (no queued steps), but the
	// declarative condition holds.
	rule.Condition = &trigger.Condition{
		Type: trigger.CondQueryCount, Table: "proposals", Operator: ">=", Threshold: 1,
	}
	rule.ActionConfig = trigger.ActionConfig{
		Title: "from condition",
		Steps: []trigger.ActionStep{{Kind: mission.KindLogEvent}},
	}
	store := &mockStore{
		rules:  []trigger.Rule{rule},
		counts: map[string]int{"proposals": 2, "mission_steps": 0},
	}
	engine := newTestEngine(store, &mockEvents{})

	stats, err := engine.EvaluateTriggers(context.Background(), engine.now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Fired != 1 {
		t.Fatalf("expected declarative condition to fire, got %+v", stats)
	}
	if store.proposals[0].Title != "from condition" {
		t.Fatalf("unexpected proposal title %q", store.proposals[0].Title)
	}
}

func TestTriggerEvaluatorErrorFallsBackToBuiltin(t *testing.T) {
	rule := backlogRule()
	rule.Condition = &trigger.Condition{
		Type: trigger.CondQueryCount, Table: "not_allowed", Operator: ">", Threshold: 0,
	}
	store := &mockStore{
		rules:  []trigger.Rule{rule},
		counts: map[string]int{"mission_steps": 9},
	}
	engine := newTestEngine(store, &mockEvents{})

	stats, err := engine.EvaluateTriggers(context.Background(), engine.now().Add(time.Minute))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stats.Fired != 1 {
		t.Fatalf("expected fallback to the built-in check to fire, got %+v", stats)
	}
}

func TestCheckRandomConversationSkipsBeforeStoreWork(t *testing.T) {
	store := &mockStore{countRowsErr: context.DeadlineExceeded}
	engine := newTestEngine(store, &mockEvents{})
	engine.randFn = func() float64 { return 0.0 } // always under skip probability

	rule := trigger.Rule{
		ID: "rule-rc", Name: "random chat", TriggerEvent: trigger.EventRandomConversation,
		Conditions: json.RawMessage(`{"skip_probability":0.9}`), Enabled: true,
	}
	req, err := checkRandomConversation(context.Background(), engine, &rule)
	if err != nil {
		t.Fatalf("skip path must not touch the store: %v", err)
	}
	if req != nil {
		t.Fatal("expected skip")
	}
}

func TestCheckDraftUnreviewedEnqueuesConversation(t *testing.T) {
	store := &mockStore{counts: map[string]int{"mission_steps": 0}}
	// Draft counts come from the same table; make the per-kind draft
	// queries count and the review query zero by keying on the table.
	store.counts["mission_steps"] = 1
	engine := newTestEngine(store, &mockEvents{})

	rule := trigger.Rule{
		ID: "rule-dr", Name: "draft review", TriggerEvent: trigger.EventDraftUnreviewed,
		Conditions: json.RawMessage(`{"threshold":1}`), Enabled: true,
	}

	// With both draft and review counts nonzero the check stays quiet.
	req, err := checkDraftUnreviewed(context.Background(), engine, &rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req != nil {
		t.Fatal("reviews present, expected no fire")
	}
	if len(store.conversations) != 0 {
		t.Fatal("no conversation expected when reviews exist")
	}
}

func TestTriggerMorningPlanningWindow(t *testing.T) {
	store := &mockStore{counts: map[string]int{"mission_steps": 0}}
	engine := newTestEngine(store, &mockEvents{})
	rule := trigger.Rule{ID: "rule-mp", Name: "morning", TriggerEvent: trigger.EventMorningPlanning, Enabled: true}

	// Noon is outside the default [6,10) window.
	req, err := checkMorningPlanning(context.Background(), engine, &rule)
	if err != nil || req != nil {
		t.Fatalf("expected quiet outside the window, got %+v, %v", req, err)
	}

	engine.now = func() time.Time { return time.Date(2026, 3, 1, 7, 0, 0, 0, time.UTC) }
	req, err = checkMorningPlanning(context.Background(), engine, &rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req == nil {
		t.Fatal("expected a planning proposal at 07:00 with no planning done")
	}
	if req.ProposedSteps[0].Kind != mission.KindPlanStrategy {
		t.Fatalf("unexpected step kind %s", req.ProposedSteps[0].Kind)
	}
}

func TestCheckInitiativeDroughtQuietAfterRecentCompletion(t *testing.T) {
	store := &mockStore{}
	events := &mockEvents{last: map[string]*event.Event{
		string(event.KindInitiativeDone): {
			Kind:      event.KindInitiativeDone,
			CreatedAt: time.Date(2026, 3, 1, 2, 0, 0, 0, time.UTC), // 10h ago
		},
	}}
	engine := newTestEngine(store, events)
	rule := trigger.Rule{ID: "rule-dry", Name: "drought", TriggerEvent: trigger.EventInitiativeDrought, Enabled: true}

	req, err := checkInitiativeDrought(context.Background(), engine, &rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req != nil {
		t.Fatalf("recent initiative completion must quiet the drought check, got %+v", req)
	}
	if len(store.initiatives) != 0 {
		t.Fatal("quiet check must not enqueue an initiative")
	}
}

func TestCheckInitiativeDroughtFiresWithoutHistory(t *testing.T) {
	store := &mockStore{}
	engine := newTestEngine(store, &mockEvents{})
	rule := trigger.Rule{ID: "rule-dry", Name: "drought", TriggerEvent: trigger.EventInitiativeDrought, Enabled: true}

	req, err := checkInitiativeDrought(context.Background(), engine, &rule)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req == nil {
		t.Fatal("empty queue and no completion history must fire the drought check")
	}
	if len(store.initiatives) != 1 {
		t.Fatalf("expected one enqueued initiative, got %d", len(store.initiatives))
	}
}
