// Package event defines the observability event appended by the engine.
// Events are the engine's only user-visible output besides final row
// state; downstream relays consume them asynchronously.
package event

import (
	"encoding/json"
	"time"
)

// Kind classifies an observability event.
type Kind string

const (
	KindTriggerFired     Kind = "trigger_fired"
	KindProposalCreated  Kind = "proposal_created"
	KindProposalPending  Kind = "proposal_pending"
	KindProposalApproved Kind = "proposal_approved"
	KindMissionCreated   Kind = "mission_created"
	KindMissionSucceeded Kind = "mission_succeeded"
	KindMissionFailed    Kind = "mission_failed"
	KindStepRecovered    Kind = "step_recovered"
	KindInitiativeDone   Kind = "initiative_completed"
)

// Event is one append-only observability record.
type Event struct {
	ID        string          `json:"id"`
	AgentID   string          `json:"agent_id"`
	Kind      Kind            `json:"kind"`
	Title     string          `json:"title"`
	Summary   string          `json:"summary,omitempty"`
	Tags      []string        `json:"tags,omitempty"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}
