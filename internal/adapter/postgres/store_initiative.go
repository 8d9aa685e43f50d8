package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/ensemble-hq/conductor/internal/domain/initiative"
	"github.com/ensemble-hq/conductor/internal/domain/memory"
)

const initiativeColumns = `id, agent_id, status, COALESCE(context, ''), result, created_at, processed_at`

// CreateInitiative enqueues a pending initiative for the agent.
func (s *Store) CreateInitiative(ctx context.Context, agentID, context string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO initiative_queue (agent_id, status, context) VALUES ($1, 'pending', $2)`,
		agentID, context)
	if err != nil {
		return fmt.Errorf("create initiative for %s: %w", agentID, err)
	}
	return nil
}

// ClaimNextInitiative leases the oldest pending initiative. Returns
// (nil, nil) when the queue is empty.
func (s *Store) ClaimNextInitiative(ctx context.Context) (*initiative.Initiative, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE initiative_queue SET status = 'running'
		 WHERE id = (
		   SELECT id FROM initiative_queue WHERE status = 'pending'
		   ORDER BY created_at ASC LIMIT 1
		   FOR UPDATE SKIP LOCKED)
		 RETURNING %s`, initiativeColumns))

	ini, err := scanInitiative(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim initiative: %w", err)
	}
	return &ini, nil
}

// CompleteInitiative writes the terminal status and result.
func (s *Store) CompleteInitiative(ctx context.Context, id string, status initiative.Status, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE initiative_queue SET status = $2, result = $3, processed_at = now()
		 WHERE id = $1 AND status = 'running'`,
		id, string(status), []byte(result))
	return execExpectOne(tag, err, "complete initiative %s", id)
}

// ListRecentMemories returns the agent's newest non-superseded memories.
func (s *Store) ListRecentMemories(ctx context.Context, agentID string, limit int) ([]memory.Memory, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, agent_id, kind, content, confidence, COALESCE(superseded_by::text, ''), created_at, updated_at
		 FROM agent_memories
		 WHERE agent_id = $1 AND superseded_by IS NULL
		 ORDER BY created_at DESC
		 LIMIT $2`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list memories for %s: %w", agentID, err)
	}
	defer rows.Close()

	var memories []memory.Memory
	for rows.Next() {
		var m memory.Memory
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Kind, &m.Content, &m.Confidence,
			&m.SupersededBy, &m.CreatedAt, &m.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

func scanInitiative(row scannable) (initiative.Initiative, error) {
	var ini initiative.Initiative
	var result []byte
	err := row.Scan(&ini.ID, &ini.AgentID, &ini.Status, &ini.Context, &result,
		&ini.CreatedAt, &ini.ProcessedAt)
	if err != nil {
		return ini, err
	}
	ini.Result = result
	return ini, nil
}
