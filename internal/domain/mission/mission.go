// Package mission defines the Mission and MissionStep domain entities.
package mission

import (
	"encoding/json"
	"time"
)

// Status represents the current state of a mission.
type Status string

const (
	StatusApproved  Status = "approved"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the mission status is final.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// StepStatus represents the current state of a mission step.
type StepStatus string

const (
	StepQueued    StepStatus = "queued"
	StepRunning   StepStatus = "running"
	StepSucceeded StepStatus = "succeeded"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
)

// Terminal reports whether the step status is final. A step never
// regresses out of a terminal status.
func (s StepStatus) Terminal() bool {
	return s == StepSucceeded || s == StepFailed || s == StepSkipped
}

// Kind enumerates the catalogue of executable work kinds.
type Kind string

const (
	KindWriteJournal        Kind = "write_journal"
	KindDraftPost           Kind = "draft_post"
	KindDraftReply          Kind = "draft_reply"
	KindReviewDraft         Kind = "review_draft"
	KindPublishPost         Kind = "publish_post"
	KindStartConversation   Kind = "start_conversation"
	KindSummarizeConvo      Kind = "summarize_conversation"
	KindLogEvent            Kind = "log_event"
	KindUpdateMemory        Kind = "update_memory"
	KindConsolidateMemories Kind = "consolidate_memories"
	KindResearchTopic       Kind = "research_topic"
	KindWriteCode           Kind = "write_code"
	KindReviewCode          Kind = "review_code"
	KindRunRetrospective    Kind = "run_retrospective"
	KindPlanStrategy        Kind = "plan_strategy"
	KindAdjustPolicy        Kind = "adjust_policy"
	KindRelationshipCheckin Kind = "relationship_checkin"
	KindCurateFeed          Kind = "curate_feed"
	KindModerateContent     Kind = "moderate_content"
	KindComposeDigest       Kind = "compose_digest"
	KindArchiveMission      Kind = "archive_mission"
	KindAnalyzeFailures     Kind = "analyze_failures"
	KindRefinePrompt        Kind = "refine_prompt"
	KindCustom              Kind = "custom"
)

// Kinds is the closed set of valid step kinds.
var Kinds = map[Kind]bool{
	KindWriteJournal: true, KindDraftPost: true, KindDraftReply: true,
	KindReviewDraft: true, KindPublishPost: true, KindStartConversation: true,
	KindSummarizeConvo: true, KindLogEvent: true, KindUpdateMemory: true,
	KindConsolidateMemories: true, KindResearchTopic: true, KindWriteCode: true,
	KindReviewCode: true, KindRunRetrospective: true, KindPlanStrategy: true,
	KindAdjustPolicy: true, KindRelationshipCheckin: true, KindCurateFeed: true,
	KindModerateContent: true, KindComposeDigest: true, KindArchiveMission: true,
	KindAnalyzeFailures: true, KindRefinePrompt: true, KindCustom: true,
}

// DefaultDraftKinds is the fallback content-draft set when the
// content_draft_caps policy does not name one.
var DefaultDraftKinds = []Kind{KindDraftPost, KindDraftReply, KindComposeDigest}

// Mission is approved work, composed of ordered steps.
type Mission struct {
	ID            string     `json:"id"`
	ProposalID    string     `json:"proposal_id,omitempty"`
	Title         string     `json:"title"`
	Description   string     `json:"description"`
	Status        Status     `json:"status"`
	CreatedBy     string     `json:"created_by"`
	FailureReason string     `json:"failure_reason,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`

	Steps []Step `json:"steps,omitempty"`
}

// Step is one executable unit of a mission, delegated to an external
// execution capability while in running state.
type Step struct {
	ID              string          `json:"id"`
	MissionID       string          `json:"mission_id"`
	Kind            Kind            `json:"kind"`
	Ordinal         int             `json:"ordinal"`
	Status          StepStatus      `json:"status"`
	Payload         json.RawMessage `json:"payload,omitempty"`
	Result          json.RawMessage `json:"result,omitempty"`
	ReservedBy      string          `json:"reserved_by,omitempty"`
	DependsOn       []string        `json:"depends_on,omitempty"`
	AssignedAgent   string          `json:"assigned_agent,omitempty"`
	OutputPath      string          `json:"output_path,omitempty"`
	TemplateVersion int             `json:"template_version,omitempty"`
	FailureReason   string          `json:"failure_reason,omitempty"`
	StartedAt       *time.Time      `json:"started_at,omitempty"`
	CompletedAt     *time.Time      `json:"completed_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// StepResult is the opaque result document attached to a step. SessionID
// back-references the agent session the step was delegated to.
type StepResult struct {
	SessionID string `json:"session_id,omitempty"`
	Output    string `json:"output,omitempty"`
}

// StatusCounts aggregates a mission's steps by status, used by the
// finalizer to decide whether the mission is fully resolved.
type StatusCounts struct {
	Queued    int
	Running   int
	Succeeded int
	Failed    int
	Skipped   int
}

// Total returns the number of steps across all statuses.
func (c StatusCounts) Total() int {
	return c.Queued + c.Running + c.Succeeded + c.Failed + c.Skipped
}

// AllTerminal reports whether every step has reached a terminal status.
func (c StatusCounts) AllTerminal() bool {
	return c.Total() > 0 && c.Queued == 0 && c.Running == 0
}
