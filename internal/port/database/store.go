// Package database defines the port interface for the relational store.
package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/ensemble-hq/conductor/internal/domain/initiative"
	"github.com/ensemble-hq/conductor/internal/domain/memory"
	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/domain/prompt"
	"github.com/ensemble-hq/conductor/internal/domain/proposal"
	"github.com/ensemble-hq/conductor/internal/domain/session"
	"github.com/ensemble-hq/conductor/internal/domain/trigger"
)

// FilterOp enumerates the predicates a CountSpec filter may carry. The
// adapter renders each as a parameterized SQL fragment; callers are
// responsible for validating table and column identifiers before
// building a spec.
type FilterOp string

const (
	OpEquals               FilterOp = "equals"
	OpCreatedToday         FilterOp = "created_today"
	OpStatusIn             FilterOp = "status_in"
	OpUpdatedOlderThanMin  FilterOp = "updated_at_older_than_minutes"
	OpUpdatedInLastMinutes FilterOp = "updated_in_last_minutes"
	OpCreatedInLastHours   FilterOp = "created_in_last_hours"
	OpConfidenceGTE        FilterOp = "confidence_gte"
	OpSupersededByIsNull   FilterOp = "superseded_by_is_null"
)

// Filter is one predicate of a count query.
type Filter struct {
	Op     FilterOp
	Column string // used by OpEquals only
	Value  any
}

// CountSpec is a validated, parameterized count query over one table.
type CountSpec struct {
	Table   string
	Filters []Filter
}

// DelegatedStep pairs a running step with the current status of the
// agent session it was delegated to, for reconciliation.
type DelegatedStep struct {
	Step          mission.Step
	SessionID     string
	SessionStatus session.Status
	SessionError  string
}

// Store is the port interface for the relational store. Claim methods
// return (nil, nil) when their queue is empty; an empty lease is not an
// error.
type Store interface {
	// Policies
	GetPolicy(ctx context.Context, key string) (json.RawMessage, error)
	SetPolicy(ctx context.Context, key string, value json.RawMessage, description string) error

	// Trigger rules
	ListEnabledTriggerRules(ctx context.Context) ([]trigger.Rule, error)
	MarkTriggerFired(ctx context.Context, id string, firedAt time.Time) error

	// Proposals
	CreateProposal(ctx context.Context, req proposal.CreateRequest) (*proposal.Proposal, error)
	GetProposal(ctx context.Context, id string) (*proposal.Proposal, error)
	UpdateProposalStatus(ctx context.Context, id string, status proposal.Status, autoApproved bool) error
	CountProposalsToday(ctx context.Context, agentID string) (int, error)

	// Missions and steps
	CreateMissionWithSteps(ctx context.Context, m *mission.Mission, steps []proposal.ProposedStep) error
	GetMission(ctx context.Context, id string) (*mission.Mission, error)
	CountActiveMissions(ctx context.Context) (int, error)
	MissionStepCounts(ctx context.Context, missionID string) (mission.StatusCounts, error)
	FinalizeMission(ctx context.Context, id string, status mission.Status, reason string) (bool, error)

	ClaimNextStep(ctx context.Context, workerID string) (*mission.Step, error)
	AttachStepSession(ctx context.Context, stepID string, result json.RawMessage, templateVersion int) error
	CompleteStep(ctx context.Context, stepID string, status mission.StepStatus, failureReason string) (bool, error)
	ListDelegatedSteps(ctx context.Context, limit int) ([]DelegatedStep, error)
	ListStaleRunningSteps(ctx context.Context, olderThan time.Time, limit int) ([]mission.Step, error)
	CountStepsToday(ctx context.Context, agentID string) (int, error)
	CountStepsTodayByKind(ctx context.Context, agentID string, kinds []mission.Kind) (int, error)

	// Agent sessions
	CreateAgentSession(ctx context.Context, s *session.AgentSession) error
	ClaimNextAgentSession(ctx context.Context) (*session.AgentSession, error)
	GetAgentSession(ctx context.Context, id string) (*session.AgentSession, error)
	MarkAgentSessionFailed(ctx context.Context, id, errMsg string) error

	// Conversation sessions
	CreateConversation(ctx context.Context, c *session.ConversationSession) error
	ClaimNextConversation(ctx context.Context) (*session.ConversationSession, error)
	ReleaseConversation(ctx context.Context, id string) error

	// Initiatives
	CreateInitiative(ctx context.Context, agentID, context string) error
	ClaimNextInitiative(ctx context.Context) (*initiative.Initiative, error)
	CompleteInitiative(ctx context.Context, id string, status initiative.Status, result json.RawMessage) error

	// Memories (read-only consumer)
	ListRecentMemories(ctx context.Context, agentID string, limit int) ([]memory.Memory, error)

	// Prompt templates
	GetPromptTemplate(ctx context.Context, kind string) (*prompt.Template, error)

	// ACL grants (best-effort side effect)
	GrantWriteAccess(ctx context.Context, agentID, path, stepID string, expiresAt time.Time) error

	// Generic counting for the condition evaluator and built-in checks.
	CountRows(ctx context.Context, spec CountSpec) (int, error)
}
