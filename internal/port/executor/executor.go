// Package executor defines the port to the external execution capability.
// The capability owns session rows end to end: it mutates the session's
// own row to a terminal status, and the engine only observes the result.
package executor

import (
	"context"

	"github.com/ensemble-hq/conductor/internal/domain/session"
)

// Executor runs delegated work out of process.
type Executor interface {
	// ExecuteAgentSession runs an agent session to completion. The
	// capability writes the session's terminal status itself; an error
	// here means the capability could not be reached or gave up, and the
	// caller marks the session failed.
	ExecuteAgentSession(ctx context.Context, s *session.AgentSession) error

	// OrchestrateConversation hands a conversation session to the
	// dialogue orchestrator, which manages its own status transitions.
	OrchestrateConversation(ctx context.Context, c *session.ConversationSession) error

	// Generate performs a free-text generation request (used by
	// initiative processing). The result is unstructured text; callers
	// parse what they can out of it.
	Generate(ctx context.Context, agentID, prompt string) (string, error)
}
