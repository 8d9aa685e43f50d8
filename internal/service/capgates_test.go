package service

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/domain/proposal"
)

func newGates(store *mockStore) *CapGateService {
	return NewCapGateService(store, NewPolicyService(store, newMockCache(), PolicyTTL))
}

func oneStep(kind mission.Kind) []proposal.ProposedStep {
	return []proposal.ProposedStep{{Kind: kind}}
}

func TestCapGateConcurrentMissionBoundary(t *testing.T) {
	store := &mockStore{activeMissions: MaxConcurrentMissions - 1}
	res, err := newGates(store).Check(context.Background(), "chora", oneStep(mission.KindWriteJournal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected pass at %d active missions: %s", MaxConcurrentMissions-1, res.Reason)
	}

	store.activeMissions = MaxConcurrentMissions
	res, err = newGates(store).Check(context.Background(), "chora", oneStep(mission.KindWriteJournal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Fatalf("expected rejection at %d active missions", MaxConcurrentMissions)
	}
	if !strings.Contains(res.Reason, "concurrent mission cap") {
		t.Fatalf("unexpected reason: %q", res.Reason)
	}
}

func TestCapGateDailyStepBoundary(t *testing.T) {
	store := &mockStore{stepsToday: MaxDailyStepsPerAgent - 1}
	res, err := newGates(store).Check(context.Background(), "chora", oneStep(mission.KindWriteJournal))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected one remaining step to pass: %s", res.Reason)
	}

	res, err = newGates(store).Check(context.Background(), "chora", []proposal.ProposedStep{
		{Kind: mission.KindWriteJournal}, {Kind: mission.KindLogEvent},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Fatal("expected two steps to exceed the daily cap")
	}
}

func TestCapGateContentDraftCeiling(t *testing.T) {
	store := &mockStore{
		policies: map[string]json.RawMessage{
			PolicyContentDraftCaps: json.RawMessage(`{"daily_limit":3}`),
		},
		draftStepsToday: 3,
	}
	res, err := newGates(store).Check(context.Background(), "chora", oneStep(mission.KindDraftPost))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.OK {
		t.Fatal("expected draft over the policy ceiling to be rejected")
	}

	// Non-draft steps are unaffected by the ceiling.
	res, err = newGates(store).Check(context.Background(), "chora", oneStep(mission.KindResearchTopic))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected non-draft step to pass: %s", res.Reason)
	}
}

func TestCapGateSkipsDraftGateWhenPolicyUnreadable(t *testing.T) {
	store := &mockStore{
		getPolicyErr:    errors.New("store down"),
		draftStepsToday: 100,
	}
	res, err := newGates(store).Check(context.Background(), "chora", oneStep(mission.KindDraftPost))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.OK {
		t.Fatalf("expected gate skip on policy failure, got rejection: %s", res.Reason)
	}
}
