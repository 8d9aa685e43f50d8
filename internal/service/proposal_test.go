package service

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ensemble-hq/conductor/internal/domain/event"
	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/domain/proposal"
)

func newProposalService(store *mockStore, events *mockEvents) *ProposalService {
	policies := NewPolicyService(store, newMockCache(), PolicyTTL)
	gates := NewCapGateService(store, policies)
	return NewProposalService(store, events, gates, policies, nil, testLogger())
}

func journalRequest() proposal.CreateRequest {
	return proposal.CreateRequest{
		AgentID:       "chora",
		Title:         "daily journal",
		ProposedSteps: []proposal.ProposedStep{{Kind: mission.KindWriteJournal}},
		Source:        proposal.SourceAgent,
	}
}

func TestProposalCreateStaysPendingWithoutPolicy(t *testing.T) {
	store := &mockStore{}
	events := &mockEvents{}
	svc := newProposalService(store, events)

	res, err := svc.Create(context.Background(), journalRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got reason %q", res.Reason)
	}
	if res.MissionID != "" {
		t.Fatal("expected no mission without auto-approve policy")
	}
	if len(store.proposals) != 1 || store.proposals[0].Status != proposal.StatusPending {
		t.Fatalf("expected one pending proposal, got %+v", store.proposals)
	}

	kinds := events.kinds()
	if len(kinds) != 2 || kinds[0] != event.KindProposalCreated || kinds[1] != event.KindProposalPending {
		t.Fatalf("unexpected event kinds: %v", kinds)
	}
}

func TestProposalCreateDailyCap(t *testing.T) {
	store := &mockStore{proposalsToday: MaxDailyProposalsPerAgent}
	svc := newProposalService(store, &mockEvents{})

	res, err := svc.Create(context.Background(), journalRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Success {
		t.Fatal("expected rejection at the daily proposal cap")
	}
	if len(store.proposals) != 0 {
		t.Fatal("rejected request must not persist a proposal")
	}
}

func TestProposalAutoApproveCreatesMission(t *testing.T) {
	store := &mockStore{policies: map[string]json.RawMessage{
		PolicyAutoApprove: json.RawMessage(`{"enabled":true,"allowed_step_kinds":["write_journal"]}`),
	}}
	events := &mockEvents{}
	svc := newProposalService(store, events)

	res, err := svc.Create(context.Background(), journalRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success || res.MissionID == "" {
		t.Fatalf("expected auto-approved mission, got %+v", res)
	}
	if store.proposals[0].Status != proposal.StatusAccepted || !store.proposals[0].AutoApproved {
		t.Fatalf("expected accepted auto-approved proposal, got %+v", store.proposals[0])
	}
	if len(store.missions) != 1 || store.missions[0].Status != mission.StatusApproved {
		t.Fatalf("expected one approved mission, got %+v", store.missions)
	}
	if len(store.steps) != 1 || store.steps[0].Status != mission.StepQueued {
		t.Fatalf("expected one queued step, got %+v", store.steps)
	}
}

func TestProposalAutoApproveIsAllOrNothing(t *testing.T) {
	store := &mockStore{policies: map[string]json.RawMessage{
		PolicyAutoApprove: json.RawMessage(`{"enabled":true,"allowed_step_kinds":["write_journal","log_event"]}`),
	}}
	svc := newProposalService(store, &mockEvents{})

	req := journalRequest()
	req.ProposedSteps = []proposal.ProposedStep{
		{Kind: mission.KindWriteJournal},
		{Kind: mission.KindLogEvent},
		{Kind: mission.KindPublishPost}, // not on the allow-list
	}
	res, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Success {
		t.Fatalf("creation itself must succeed, got reason %q", res.Reason)
	}
	if res.MissionID != "" {
		t.Fatal("one disallowed kind must block auto-approval of the whole proposal")
	}
	if store.proposals[0].Status != proposal.StatusPending {
		t.Fatalf("expected pending proposal, got %s", store.proposals[0].Status)
	}
}

func TestProposalExplicitApprove(t *testing.T) {
	store := &mockStore{}
	svc := newProposalService(store, &mockEvents{})

	res, err := svc.Create(context.Background(), journalRequest())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	missionID, err := svc.Approve(context.Background(), res.ProposalID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if missionID == "" {
		t.Fatal("expected a mission from explicit approval")
	}
	if store.proposals[0].AutoApproved {
		t.Fatal("explicit approval must not be marked auto")
	}

	// A second approval of the same proposal must fail: it is no
	// longer pending.
	if _, err := svc.Approve(context.Background(), res.ProposalID); err == nil {
		t.Fatal("expected error approving a non-pending proposal")
	}
}

func TestProposalCreateRejectsInvalidRequest(t *testing.T) {
	svc := newProposalService(&mockStore{}, &mockEvents{})

	req := journalRequest()
	req.ProposedSteps = []proposal.ProposedStep{{Kind: "juggle"}}
	res, err := svc.Create(context.Background(), req)
	if err != nil {
		t.Fatalf("validation failures are results, not errors: %v", err)
	}
	if res.Success {
		t.Fatal("expected unknown step kind to be rejected")
	}
}
