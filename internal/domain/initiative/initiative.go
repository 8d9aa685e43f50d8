// Package initiative defines the self-directed work queue: an agent's
// queued impulse to propose something, turned into a concrete proposal by
// a generation request against its recent memories.
package initiative

import (
	"encoding/json"
	"time"
)

// Status represents the lifecycle of a queued initiative.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Initiative is one row of the initiative queue.
type Initiative struct {
	ID          string          `json:"id"`
	AgentID     string          `json:"agent_id"`
	Status      Status          `json:"status"`
	Context     string          `json:"context,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
}

// Idea is the JSON object parsed best-effort out of a free-text
// generation result. A parse failure means no proposal, not a failed
// initiative.
type Idea struct {
	Title       string     `json:"title"`
	Description string     `json:"description"`
	Steps       []IdeaStep `json:"steps"`
}

// IdeaStep mirrors a proposed step inside a generated idea.
type IdeaStep struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}
