package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/ensemble-hq/conductor/internal/adapter/otel"
	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/domain/session"
	"github.com/ensemble-hq/conductor/internal/port/database"
)

// BridgeService delegates leased mission steps to agent sessions and
// reconciles terminal sessions back onto their steps. The session row
// itself belongs to the external execution capability; the bridge only
// creates it and reads its outcome.
type BridgeService struct {
	store         database.Store
	prompts       *PromptService
	metrics       *otel.Metrics
	defaultAgent  string
	grantDuration time.Duration
	now           func() time.Time
	log           *slog.Logger
}

// NewBridgeService wires the step-to-session bridge.
func NewBridgeService(store database.Store, prompts *PromptService, metrics *otel.Metrics, defaultAgent string, grantDuration time.Duration, log *slog.Logger) *BridgeService {
	return &BridgeService{
		store:         store,
		prompts:       prompts,
		metrics:       metrics,
		defaultAgent:  defaultAgent,
		grantDuration: grantDuration,
		now:           time.Now,
		log:           log,
	}
}

// Dispatch turns a freshly leased running step into a pending agent
// session and records the linkage on the step. The step stays running
// until reconciliation observes the session's terminal status.
func (b *BridgeService) Dispatch(ctx context.Context, step *mission.Step) error {
	m, err := b.store.GetMission(ctx, step.MissionID)
	if err != nil {
		return fmt.Errorf("load mission %s: %w", step.MissionID, err)
	}

	agentID := step.AssignedAgent
	if agentID == "" {
		agentID = m.CreatedBy
	}
	if agentID == "" {
		agentID = b.defaultAgent
	}

	prompt, version := b.prompts.Render(ctx, step, m, agentID)

	if step.OutputPath != "" {
		expires := b.now().Add(b.grantDuration)
		if err := b.store.GrantWriteAccess(ctx, agentID, step.OutputPath, step.ID, expires); err != nil {
			b.log.Warn("write grant failed, dispatching anyway", "step", step.ID, "path", step.OutputPath, "error", err)
		}
	}

	sess := &session.AgentSession{
		AgentID:  agentID,
		Prompt:   prompt,
		Source:   session.SourceMissionStep,
		SourceID: step.ID,
		Status:   session.StatusPending,
	}
	if err := b.store.CreateAgentSession(ctx, sess); err != nil {
		return fmt.Errorf("create agent session: %w", err)
	}

	result, err := json.Marshal(mission.StepResult{SessionID: sess.ID})
	if err != nil {
		return fmt.Errorf("encode step result: %w", err)
	}
	if err := b.store.AttachStepSession(ctx, step.ID, result, version); err != nil {
		return fmt.Errorf("attach session to step %s: %w", step.ID, err)
	}

	b.log.Info("step delegated", "step", step.ID, "kind", step.Kind, "agent", agentID, "session", sess.ID, "template_version", version)
	return nil
}

// Reconcile copies terminal session outcomes onto their running steps
// and returns the mission IDs whose steps changed, for finalization.
// Non-terminal sessions leave their steps untouched.
func (b *BridgeService) Reconcile(ctx context.Context, limit int) ([]string, error) {
	delegated, err := b.store.ListDelegatedSteps(ctx, limit)
	if err != nil {
		return nil, fmt.Errorf("list delegated steps: %w", err)
	}

	var touched []string
	for i := range delegated {
		d := &delegated[i]
		var status mission.StepStatus
		var reason string
		switch d.SessionStatus {
		case session.StatusSucceeded:
			status = mission.StepSucceeded
		case session.StatusFailed:
			status = mission.StepFailed
			reason = d.SessionError
			if reason == "" {
				reason = fmt.Sprintf("session %s ended %s", d.SessionID, d.SessionStatus)
			}
		default:
			// pending, running and timed_out sessions stay with the
			// capability; stale recovery is the only timeout path.
			continue
		}

		won, err := b.store.CompleteStep(ctx, d.Step.ID, status, reason)
		if err != nil {
			b.log.Error("reconcile step failed", "step", d.Step.ID, "error", err)
			continue
		}
		if won {
			if b.metrics != nil {
				if status == mission.StepSucceeded {
					b.metrics.StepsSucceeded.Add(ctx, 1)
				} else {
					b.metrics.StepsFailed.Add(ctx, 1)
				}
			}
			b.log.Info("step reconciled", "step", d.Step.ID, "session", d.SessionID, "status", status)
			touched = append(touched, d.Step.MissionID)
		}
	}
	return touched, nil
}
