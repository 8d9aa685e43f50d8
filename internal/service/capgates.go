package service

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/domain/proposal"
	"github.com/ensemble-hq/conductor/internal/port/database"
)

// Hard ceilings on collective activity. These are compile-time limits;
// only the content-draft ceiling below is policy-tunable.
const (
	MaxConcurrentMissions     = 25
	MaxDailyStepsPerAgent     = 40
	MaxDailyProposalsPerAgent = 10
)

// GateResult is the outcome of a cap check. Reason is set only when a
// gate rejected the work.
type GateResult struct {
	OK     bool
	Reason string
}

// CapGateService enforces global and per-agent activity ceilings before
// a proposal may create work.
type CapGateService struct {
	store  database.Store
	policy *PolicyService
}

// NewCapGateService creates the cap gate checker.
func NewCapGateService(store database.Store, policy *PolicyService) *CapGateService {
	return &CapGateService{store: store, policy: policy}
}

// Check runs the gates in order and returns the first rejection.
// Store failures abort with an error; a policy read failure only skips
// the policy-backed gate.
func (s *CapGateService) Check(ctx context.Context, agentID string, steps []proposal.ProposedStep) (GateResult, error) {
	active, err := s.store.CountActiveMissions(ctx)
	if err != nil {
		return GateResult{}, fmt.Errorf("count active missions: %w", err)
	}
	if active >= MaxConcurrentMissions {
		return GateResult{Reason: fmt.Sprintf("concurrent mission cap reached (%d/%d)", active, MaxConcurrentMissions)}, nil
	}

	stepsToday, err := s.store.CountStepsToday(ctx, agentID)
	if err != nil {
		return GateResult{}, fmt.Errorf("count steps today: %w", err)
	}
	if stepsToday+len(steps) > MaxDailyStepsPerAgent {
		return GateResult{Reason: fmt.Sprintf("daily step cap for %s reached (%d+%d > %d)", agentID, stepsToday, len(steps), MaxDailyStepsPerAgent)}, nil
	}

	if res, checked := s.checkDraftCap(ctx, agentID, steps); checked && !res.OK {
		return res, nil
	}

	return GateResult{OK: true}, nil
}

// checkDraftCap applies the policy-configured ceiling on content draft
// steps. The second return reports whether the gate actually ran: when
// the policy is unreadable the gate is skipped rather than blocking all
// content work on a cache or store hiccup.
func (s *CapGateService) checkDraftCap(ctx context.Context, agentID string, steps []proposal.ProposedStep) (GateResult, bool) {
	caps := ContentDraftCaps{}
	found, err := s.policy.Get(ctx, PolicyContentDraftCaps, &caps)
	if err != nil {
		slog.Warn("content draft cap policy unreadable, skipping gate", "error", err)
		return GateResult{OK: true}, false
	}
	if !found || caps.DailyLimit <= 0 {
		return GateResult{OK: true}, false
	}

	kinds := make([]mission.Kind, 0, len(caps.DraftKinds))
	for _, k := range caps.DraftKinds {
		kinds = append(kinds, mission.Kind(k))
	}
	if len(kinds) == 0 {
		kinds = mission.DefaultDraftKinds
	}
	isDraft := make(map[mission.Kind]bool, len(kinds))
	for _, k := range kinds {
		isDraft[k] = true
	}

	proposed := 0
	for _, st := range steps {
		if isDraft[st.Kind] {
			proposed++
		}
	}
	if proposed == 0 {
		return GateResult{OK: true}, true
	}

	today, err := s.store.CountStepsTodayByKind(ctx, agentID, kinds)
	if err != nil {
		slog.Warn("content draft count failed, skipping gate", "error", err)
		return GateResult{OK: true}, false
	}
	if today+proposed > caps.DailyLimit {
		return GateResult{Reason: fmt.Sprintf("daily content draft cap for %s reached (%d+%d > %d)", agentID, today, proposed, caps.DailyLimit)}, true
	}
	return GateResult{OK: true}, true
}
