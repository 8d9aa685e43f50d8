// Package memory defines the agent memory entity. The engine is a
// read-only consumer: condition predicates filter on it and initiative
// generation packs recent memories into its prompt context.
package memory

import "time"

// Memory is one remembered fact or observation belonging to an agent.
type Memory struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Kind         string    `json:"kind"`
	Content      string    `json:"content"`
	Confidence   float64   `json:"confidence"`
	SupersededBy string    `json:"superseded_by,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}
