package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/ensemble-hq/conductor/internal/domain/event"
	"github.com/ensemble-hq/conductor/internal/domain/initiative"
	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/domain/proposal"
	"github.com/ensemble-hq/conductor/internal/port/database"
	"github.com/ensemble-hq/conductor/internal/port/eventstore"
	"github.com/ensemble-hq/conductor/internal/port/executor"
)

// InitiativeService turns a leased initiative into a proposal by asking
// the agent, primed with its recent memories, what it wants to do.
type InitiativeService struct {
	store         database.Store
	events        eventstore.Store
	executor      executor.Executor
	proposals     *ProposalService
	policy        *PolicyService
	memoryContext int
	log           *slog.Logger
}

// NewInitiativeService wires initiative processing.
func NewInitiativeService(store database.Store, events eventstore.Store, exec executor.Executor, proposals *ProposalService, policy *PolicyService, memoryContext int, log *slog.Logger) *InitiativeService {
	return &InitiativeService{
		store:         store,
		events:        events,
		executor:      exec,
		proposals:     proposals,
		policy:        policy,
		memoryContext: memoryContext,
		log:           log,
	}
}

// Process runs one leased initiative to a terminal state. A generation
// failure fails the initiative; an unparseable or capped idea completes
// it without a proposal.
func (s *InitiativeService) Process(ctx context.Context, ini *initiative.Initiative) error {
	pol := InitiativePolicy{Enabled: true}
	if _, err := s.policy.Get(ctx, PolicyInitiative, &pol); err != nil {
		s.log.Warn("initiative policy unreadable", "error", err)
	}
	if !pol.Enabled {
		return s.finish(ctx, ini, initiative.StatusCompleted, map[string]string{"outcome": "disabled_by_policy"})
	}

	prompt := s.buildPrompt(ctx, ini, pol.Guidance)
	text, err := s.executor.Generate(ctx, ini.AgentID, prompt)
	if err != nil {
		s.log.Error("initiative generation failed", "initiative", ini.ID, "agent", ini.AgentID, "error", err)
		return s.finish(ctx, ini, initiative.StatusFailed, map[string]string{"error": err.Error()})
	}

	idea, ok := parseIdea(text)
	if !ok {
		s.log.Info("initiative produced no parseable idea", "initiative", ini.ID)
		return s.finish(ctx, ini, initiative.StatusCompleted, map[string]string{"outcome": "no_idea"})
	}

	req := proposal.CreateRequest{
		AgentID:       ini.AgentID,
		Title:         idea.Title,
		Description:   idea.Description,
		ProposedSteps: ideaSteps(idea),
		Source:        proposal.SourceInitiative,
		SourceTraceID: ini.ID,
	}
	res, err := s.proposals.Create(ctx, req)
	if err != nil {
		return fmt.Errorf("propose from initiative %s: %w", ini.ID, err)
	}
	if !res.Success {
		return s.finish(ctx, ini, initiative.StatusCompleted, map[string]string{"outcome": "rejected", "reason": res.Reason})
	}

	s.appendDoneEvent(ctx, ini, res)
	return s.finish(ctx, ini, initiative.StatusCompleted, map[string]string{
		"outcome":     "proposal",
		"proposal_id": res.ProposalID,
		"mission_id":  res.MissionID,
	})
}

func (s *InitiativeService) buildPrompt(ctx context.Context, ini *initiative.Initiative, guidance string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are agent %s. Decide whether you want to initiate new work.\n", ini.AgentID)
	if guidance != "" {
		fmt.Fprintf(&b, "\nCollective guidance: %s\n", guidance)
	}
	if ini.Context != "" {
		fmt.Fprintf(&b, "\nWhy you are being asked: %s\n", ini.Context)
	}

	memories, err := s.store.ListRecentMemories(ctx, ini.AgentID, s.memoryContext)
	if err != nil {
		s.log.Warn("memory lookup failed, prompting without context", "agent", ini.AgentID, "error", err)
	}
	if len(memories) > 0 {
		b.WriteString("\nYour recent memories:\n")
		for _, m := range memories {
			fmt.Fprintf(&b, "- [%s] %s\n", m.Kind, m.Content)
		}
	}

	b.WriteString("\nIf you have a worthwhile idea, answer with a single JSON object:\n")
	b.WriteString(`{"title": "...", "description": "...", "steps": [{"kind": "...", "payload": {}}]}`)
	b.WriteString("\nIf nothing is worth doing right now, answer with plain text explaining why.\n")
	return b.String()
}

// parseIdea extracts the first JSON object out of free text. Models
// wrap JSON in prose often enough that strict decoding is a bug.
func parseIdea(text string) (initiative.Idea, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return initiative.Idea{}, false
	}
	var idea initiative.Idea
	if err := json.Unmarshal([]byte(text[start:end+1]), &idea); err != nil {
		return initiative.Idea{}, false
	}
	if idea.Title == "" || len(idea.Steps) == 0 {
		return initiative.Idea{}, false
	}
	for _, st := range idea.Steps {
		if !mission.Kinds[mission.Kind(st.Kind)] {
			return initiative.Idea{}, false
		}
	}
	return idea, true
}

func ideaSteps(idea initiative.Idea) []proposal.ProposedStep {
	steps := make([]proposal.ProposedStep, 0, len(idea.Steps))
	for _, st := range idea.Steps {
		steps = append(steps, proposal.ProposedStep{Kind: mission.Kind(st.Kind), Payload: st.Payload})
	}
	return steps
}

func (s *InitiativeService) finish(ctx context.Context, ini *initiative.Initiative, status initiative.Status, result map[string]string) error {
	raw, _ := json.Marshal(result)
	if err := s.store.CompleteInitiative(ctx, ini.ID, status, raw); err != nil {
		return fmt.Errorf("complete initiative %s: %w", ini.ID, err)
	}
	return nil
}

func (s *InitiativeService) appendDoneEvent(ctx context.Context, ini *initiative.Initiative, res proposal.Result) {
	meta, _ := json.Marshal(map[string]string{"initiative_id": ini.ID, "proposal_id": res.ProposalID})
	if _, err := s.events.Append(ctx, &event.Event{
		AgentID:  ini.AgentID,
		Kind:     event.KindInitiativeDone,
		Title:    "initiative",
		Summary:  fmt.Sprintf("initiative %s produced proposal %s", ini.ID, res.ProposalID),
		Metadata: meta,
	}); err != nil {
		s.log.Warn("append initiative event failed", "initiative", ini.ID, "error", err)
	}
}
