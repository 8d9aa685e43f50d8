package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/ensemble-hq/conductor/internal/adapter/otel"
	"github.com/ensemble-hq/conductor/internal/domain/event"
	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/domain/proposal"
	"github.com/ensemble-hq/conductor/internal/port/database"
	"github.com/ensemble-hq/conductor/internal/port/eventstore"
)

// ProposalService creates proposals behind the cap gates and promotes
// them to missions, either through policy auto-approval or an explicit
// approve call.
type ProposalService struct {
	store   database.Store
	events  eventstore.Store
	gates   *CapGateService
	policy  *PolicyService
	metrics *otel.Metrics
	log     *slog.Logger
}

// NewProposalService wires the proposal pipeline.
func NewProposalService(store database.Store, events eventstore.Store, gates *CapGateService, policy *PolicyService, metrics *otel.Metrics, log *slog.Logger) *ProposalService {
	return &ProposalService{store: store, events: events, gates: gates, policy: policy, metrics: metrics, log: log}
}

// Create validates the request, runs the cap gates, persists a pending
// proposal, and applies policy auto-approval. Gate rejections are a
// negative Result, not an error; only infrastructure failures error.
func (s *ProposalService) Create(ctx context.Context, req proposal.CreateRequest) (proposal.Result, error) {
	if err := req.Validate(); err != nil {
		return proposal.Result{Reason: err.Error()}, nil
	}

	today, err := s.store.CountProposalsToday(ctx, req.AgentID)
	if err != nil {
		return proposal.Result{}, fmt.Errorf("count proposals today: %w", err)
	}
	if today >= MaxDailyProposalsPerAgent {
		return proposal.Result{Reason: fmt.Sprintf("daily proposal cap for %s reached (%d/%d)", req.AgentID, today, MaxDailyProposalsPerAgent)}, nil
	}

	gate, err := s.gates.Check(ctx, req.AgentID, req.ProposedSteps)
	if err != nil {
		return proposal.Result{}, err
	}
	if !gate.OK {
		s.log.Info("proposal rejected by cap gate", "agent", req.AgentID, "reason", gate.Reason)
		return proposal.Result{Reason: gate.Reason}, nil
	}

	p, err := s.store.CreateProposal(ctx, req)
	if err != nil {
		return proposal.Result{}, fmt.Errorf("create proposal: %w", err)
	}
	if s.metrics != nil {
		s.metrics.ProposalsCreated.Add(ctx, 1)
	}
	s.appendEvent(ctx, p.AgentID, event.KindProposalCreated, p.Title, fmt.Sprintf("proposal %s created via %s", p.ID, p.Source))

	if s.shouldAutoApprove(ctx, p) {
		missionID, err := s.approve(ctx, p.ID, true)
		if err != nil {
			// The proposal stays pending; a human can still approve it.
			s.log.Error("auto-approval failed", "proposal", p.ID, "error", err)
			s.appendEvent(ctx, p.AgentID, event.KindProposalPending, p.Title, fmt.Sprintf("proposal %s awaits review (auto-approval failed)", p.ID))
			return proposal.Result{Success: true, ProposalID: p.ID}, nil
		}
		if s.metrics != nil {
			s.metrics.ProposalsApproved.Add(ctx, 1)
		}
		return proposal.Result{Success: true, ProposalID: p.ID, MissionID: missionID}, nil
	}

	s.appendEvent(ctx, p.AgentID, event.KindProposalPending, p.Title, fmt.Sprintf("proposal %s awaits review", p.ID))
	return proposal.Result{Success: true, ProposalID: p.ID}, nil
}

// Approve promotes a pending proposal to an approved mission. It is the
// path taken by an explicit human decision.
func (s *ProposalService) Approve(ctx context.Context, proposalID string) (string, error) {
	return s.approve(ctx, proposalID, false)
}

// Reject marks a pending proposal rejected.
func (s *ProposalService) Reject(ctx context.Context, proposalID string) error {
	return s.store.UpdateProposalStatus(ctx, proposalID, proposal.StatusRejected, false)
}

// shouldAutoApprove applies the auto_approve policy: every proposed
// step kind must be on the allow-list, or nothing is approved.
func (s *ProposalService) shouldAutoApprove(ctx context.Context, p *proposal.Proposal) bool {
	pol := AutoApprovePolicy{}
	found, err := s.policy.Get(ctx, PolicyAutoApprove, &pol)
	if err != nil {
		s.log.Warn("auto-approve policy unreadable", "error", err)
		return false
	}
	if !found || !pol.Enabled {
		return false
	}
	allowed := make(map[mission.Kind]bool, len(pol.AllowedStepKinds))
	for _, k := range pol.AllowedStepKinds {
		allowed[mission.Kind(k)] = true
	}
	for _, st := range p.ProposedSteps {
		if !allowed[st.Kind] {
			return false
		}
	}
	return true
}

func (s *ProposalService) approve(ctx context.Context, proposalID string, auto bool) (string, error) {
	if err := s.store.UpdateProposalStatus(ctx, proposalID, proposal.StatusAccepted, auto); err != nil {
		return "", fmt.Errorf("accept proposal: %w", err)
	}
	missionID, err := s.CreateMissionFromProposal(ctx, proposalID)
	if err != nil {
		return "", err
	}
	p, perr := s.store.GetProposal(ctx, proposalID)
	agentID, title := "", ""
	if perr == nil {
		agentID, title = p.AgentID, p.Title
	}
	s.appendEvent(ctx, agentID, event.KindProposalApproved, title, fmt.Sprintf("proposal %s approved (auto=%t), mission %s", proposalID, auto, missionID))
	return missionID, nil
}

// CreateMissionFromProposal materializes an accepted proposal into an
// approved mission with its queued steps.
func (s *ProposalService) CreateMissionFromProposal(ctx context.Context, proposalID string) (string, error) {
	p, err := s.store.GetProposal(ctx, proposalID)
	if err != nil {
		return "", fmt.Errorf("load proposal: %w", err)
	}
	if p.Status != proposal.StatusAccepted {
		return "", fmt.Errorf("proposal %s is %s, want accepted", p.ID, p.Status)
	}

	m := &mission.Mission{
		ProposalID:  p.ID,
		Title:       p.Title,
		Description: p.Description,
		Status:      mission.StatusApproved,
		CreatedBy:   p.AgentID,
	}
	if err := s.store.CreateMissionWithSteps(ctx, m, p.ProposedSteps); err != nil {
		return "", fmt.Errorf("create mission: %w", err)
	}
	s.appendEvent(ctx, p.AgentID, event.KindMissionCreated, p.Title, fmt.Sprintf("mission %s created with %d steps", m.ID, len(p.ProposedSteps)))
	return m.ID, nil
}

func (s *ProposalService) appendEvent(ctx context.Context, agentID string, kind event.Kind, title, summary string) {
	meta, _ := json.Marshal(map[string]string{"component": "proposals"})
	if _, err := s.events.Append(ctx, &event.Event{
		AgentID:  agentID,
		Kind:     kind,
		Title:    title,
		Summary:  summary,
		Metadata: meta,
	}); err != nil {
		s.log.Warn("append event failed", "kind", kind, "error", err)
	}
}
