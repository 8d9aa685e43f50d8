package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ensemble-hq/conductor/internal/domain/session"
)

const sessionColumns = `id, agent_id, prompt, source, COALESCE(source_id, ''), status,
	COALESCE(result, ''), COALESCE(error, ''), created_at, updated_at`

// CreateAgentSession inserts a pending agent session.
func (s *Store) CreateAgentSession(ctx context.Context, sess *session.AgentSession) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO agent_sessions (agent_id, prompt, source, source_id, status)
		 VALUES ($1, $2, $3, $4, 'pending')
		 RETURNING id, status, created_at, updated_at`,
		sess.AgentID, sess.Prompt, string(sess.Source), nullIfEmpty(sess.SourceID),
	).Scan(&sess.ID, &sess.Status, &sess.CreatedAt, &sess.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create agent session: %w", err)
	}
	return nil
}

// ClaimNextAgentSession leases the oldest pending agent session,
// flipping it to running. Returns (nil, nil) when the queue is empty.
func (s *Store) ClaimNextAgentSession(ctx context.Context) (*session.AgentSession, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE agent_sessions SET status = 'running', updated_at = now()
		 WHERE id = (
		   SELECT id FROM agent_sessions WHERE status = 'pending'
		   ORDER BY created_at ASC LIMIT 1
		   FOR UPDATE SKIP LOCKED)
		 RETURNING %s`, sessionColumns))

	sess, err := scanAgentSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim agent session: %w", err)
	}
	return &sess, nil
}

// GetAgentSession returns an agent session by ID.
func (s *Store) GetAgentSession(ctx context.Context, id string) (*session.AgentSession, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM agent_sessions WHERE id = $1`, sessionColumns), id)

	sess, err := scanAgentSession(row)
	if err != nil {
		return nil, notFoundWrap(err, "get agent session %s", id)
	}
	return &sess, nil
}

// MarkAgentSessionFailed records a terminal failure with the error text.
func (s *Store) MarkAgentSessionFailed(ctx context.Context, id, errMsg string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_sessions SET status = 'failed', error = $2, updated_at = now()
		 WHERE id = $1 AND status NOT IN ('succeeded', 'failed', 'timed_out')`,
		id, errMsg)
	return execExpectOne(tag, err, "mark agent session failed %s", id)
}

// --- Conversation sessions ---

const conversationColumns = `id, topic, participants, status, source, COALESCE(source_id, ''),
	created_at, updated_at`

// CreateConversation inserts a pending conversation session.
func (s *Store) CreateConversation(ctx context.Context, c *session.ConversationSession) error {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO conversation_sessions (topic, participants, status, source, source_id)
		 VALUES ($1, $2, 'pending', $3, $4)
		 RETURNING id, status, created_at, updated_at`,
		c.Topic, textArray(c.Participants), string(c.Source), nullIfEmpty(c.SourceID),
	).Scan(&c.ID, &c.Status, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return fmt.Errorf("create conversation: %w", err)
	}
	return nil
}

// ClaimNextConversation leases the oldest pending conversation session.
// Returns (nil, nil) when the queue is empty.
func (s *Store) ClaimNextConversation(ctx context.Context) (*session.ConversationSession, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE conversation_sessions SET status = 'running', updated_at = now()
		 WHERE id = (
		   SELECT id FROM conversation_sessions WHERE status = 'pending'
		   ORDER BY created_at ASC LIMIT 1
		   FOR UPDATE SKIP LOCKED)
		 RETURNING %s`, conversationColumns))

	c, err := scanConversation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim conversation: %w", err)
	}
	return &c, nil
}

// ReleaseConversation hands a leased conversation back to pending so the
// external dialogue orchestrator can own its status transitions.
func (s *Store) ReleaseConversation(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE conversation_sessions SET status = 'pending', updated_at = now()
		 WHERE id = $1 AND status = 'running'`, id)
	return execExpectOne(tag, err, "release conversation %s", id)
}

func scanAgentSession(row scannable) (session.AgentSession, error) {
	var sess session.AgentSession
	err := row.Scan(&sess.ID, &sess.AgentID, &sess.Prompt, &sess.Source, &sess.SourceID,
		&sess.Status, &sess.Result, &sess.Error, &sess.CreatedAt, &sess.UpdatedAt)
	return sess, err
}

func scanConversation(row scannable) (session.ConversationSession, error) {
	var c session.ConversationSession
	err := row.Scan(&c.ID, &c.Topic, &c.Participants, &c.Status, &c.Source, &c.SourceID,
		&c.CreatedAt, &c.UpdatedAt)
	return c, err
}
