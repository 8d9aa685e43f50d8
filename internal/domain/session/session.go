// Package session defines the agent and conversation session entities.
// Sessions are owned by the external execution capability; the engine
// creates them, leases pending ones, and reads their terminal status.
package session

import "time"

// Status represents the lifecycle of an agent session.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusTimedOut  Status = "timed_out"
)

// Source identifies what spawned a session; SourceID links back to it.
type Source string

const (
	SourceMissionStep  Source = "mission_step"
	SourceConversation Source = "conversation"
	SourceInitiative   Source = "initiative"
	SourceManual       Source = "manual"
)

// AgentSession is one delegated execution of a prompt by an agent.
type AgentSession struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agent_id"`
	Prompt    string    `json:"prompt"`
	Source    Source    `json:"source"`
	SourceID  string    `json:"source_id,omitempty"`
	Status    Status    `json:"status"`
	Result    string    `json:"result,omitempty"`
	Error     string    `json:"error,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ConversationStatus represents the lifecycle of a conversation session.
type ConversationStatus string

const (
	ConversationPending   ConversationStatus = "pending"
	ConversationRunning   ConversationStatus = "running"
	ConversationCompleted ConversationStatus = "completed"
	ConversationFailed    ConversationStatus = "failed"
)

// ConversationSession is a queued multi-party conversation. The engine
// only triggers it; the external conversation orchestrator manages its
// turn-by-turn progress and status transitions.
type ConversationSession struct {
	ID           string             `json:"id"`
	Topic        string             `json:"topic"`
	Participants []string           `json:"participants"`
	Status       ConversationStatus `json:"status"`
	Source       Source             `json:"source"`
	SourceID     string             `json:"source_id,omitempty"`
	CreatedAt    time.Time          `json:"created_at"`
	UpdatedAt    time.Time          `json:"updated_at"`
}
