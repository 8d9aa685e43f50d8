package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/nats-io/nats.go"

	"github.com/ensemble-hq/conductor/internal/domain/session"
)

// Subjects the external execution capability listens on. Session and
// generation requests use request-reply; conversation kickoffs are
// fire-and-forget because the orchestrator owns the session row.
const (
	subjectExecuteSession   = "exec.session"
	subjectOrchestrateConvo = "exec.conversation"
	subjectGenerate         = "exec.generate"
)

// Executor delegates work to the external execution capability over
// NATS request-reply.
type Executor struct {
	nc *nats.Conn
}

// NewExecutor creates an executor sharing the queue's connection.
func NewExecutor(q *Queue) *Executor {
	return &Executor{nc: q.nc}
}

type sessionRequest struct {
	SessionID string `json:"session_id"`
	AgentID   string `json:"agent_id"`
	Prompt    string `json:"prompt"`
	Source    string `json:"source"`
	SourceID  string `json:"source_id,omitempty"`
}

type execReply struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Text  string `json:"text,omitempty"`
}

// ExecuteAgentSession hands a leased session to the capability and
// waits for it to finish. The capability writes the session row's
// terminal status itself; the reply only tells us whether it got there.
func (e *Executor) ExecuteAgentSession(ctx context.Context, s *session.AgentSession) error {
	reply, err := e.request(ctx, subjectExecuteSession, sessionRequest{
		SessionID: s.ID,
		AgentID:   s.AgentID,
		Prompt:    s.Prompt,
		Source:    string(s.Source),
		SourceID:  s.SourceID,
	})
	if err != nil {
		return fmt.Errorf("execute session %s: %w", s.ID, err)
	}
	if !reply.OK {
		return fmt.Errorf("execute session %s: capability: %s", s.ID, reply.Error)
	}
	return nil
}

// OrchestrateConversation kicks off the dialogue orchestrator and
// returns immediately.
func (e *Executor) OrchestrateConversation(ctx context.Context, c *session.ConversationSession) error {
	data, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("encode conversation %s: %w", c.ID, err)
	}
	if err := e.nc.Publish(subjectOrchestrateConvo, data); err != nil {
		return fmt.Errorf("publish conversation %s: %w", c.ID, err)
	}
	return nil
}

// Generate performs a free-text generation request.
func (e *Executor) Generate(ctx context.Context, agentID, prompt string) (string, error) {
	reply, err := e.request(ctx, subjectGenerate, sessionRequest{AgentID: agentID, Prompt: prompt})
	if err != nil {
		return "", fmt.Errorf("generate for %s: %w", agentID, err)
	}
	if !reply.OK {
		return "", fmt.Errorf("generate for %s: capability: %s", agentID, reply.Error)
	}
	return reply.Text, nil
}

func (e *Executor) request(ctx context.Context, subject string, payload any) (*execReply, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	msg, err := e.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		return nil, err
	}
	var reply execReply
	if err := json.Unmarshal(msg.Data, &reply); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &reply, nil
}
