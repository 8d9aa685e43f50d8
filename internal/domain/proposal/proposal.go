// Package proposal defines the Proposal domain entity: a unit of proposed
// future work, pending human or policy approval.
package proposal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ensemble-hq/conductor/internal/domain/mission"
)

// Status represents the approval state of a proposal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusAccepted Status = "accepted"
	StatusRejected Status = "rejected"
)

// Source identifies what produced a proposal.
type Source string

const (
	SourceAgent        Source = "agent"
	SourceTrigger      Source = "trigger"
	SourceReaction     Source = "reaction"
	SourceInitiative   Source = "initiative"
	SourceConversation Source = "conversation"
)

// ProposedStep is one entry of a proposal's ordered step list.
type ProposedStep struct {
	Kind    mission.Kind    `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Proposal is a unit of proposed future work. Once it leaves pending it is
// immutable except for status and auto_approved.
type Proposal struct {
	ID            string         `json:"id"`
	AgentID       string         `json:"agent_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	ProposedSteps []ProposedStep `json:"proposed_steps"`
	Source        Source         `json:"source"`
	SourceTraceID string         `json:"source_trace_id,omitempty"`
	Status        Status         `json:"status"`
	AutoApproved  bool           `json:"auto_approved"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// CreateRequest holds the fields needed to create a proposal.
type CreateRequest struct {
	AgentID       string         `json:"agent_id"`
	Title         string         `json:"title"`
	Description   string         `json:"description"`
	ProposedSteps []ProposedStep `json:"proposed_steps"`
	Source        Source         `json:"source"`
	SourceTraceID string         `json:"source_trace_id,omitempty"`
}

// Validate checks structural invariants of a create request.
func (r *CreateRequest) Validate() error {
	if r.AgentID == "" {
		return errors.New("agent_id is required")
	}
	if r.Title == "" {
		return errors.New("title is required")
	}
	if len(r.ProposedSteps) == 0 {
		return errors.New("at least one proposed step is required")
	}
	for i, s := range r.ProposedSteps {
		if !mission.Kinds[s.Kind] {
			return fmt.Errorf("step %d: unknown kind %q", i, s.Kind)
		}
	}
	switch r.Source {
	case SourceAgent, SourceTrigger, SourceReaction, SourceInitiative, SourceConversation:
	default:
		return fmt.Errorf("unknown source %q", r.Source)
	}
	return nil
}

// Result reports the outcome of proposal creation.
type Result struct {
	Success    bool   `json:"success"`
	ProposalID string `json:"proposal_id,omitempty"`
	MissionID  string `json:"mission_id,omitempty"`
	Reason     string `json:"reason,omitempty"`
}
