package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/ensemble-hq/conductor/internal/domain/prompt"
)

// GetPromptTemplate returns the current template for a step kind, or
// domain.ErrNotFound when the kind has no stored template (callers fall
// back to a hardcoded body).
func (s *Store) GetPromptTemplate(ctx context.Context, kind string) (*prompt.Template, error) {
	var t prompt.Template
	err := s.pool.QueryRow(ctx,
		`SELECT kind, version, body, updated_at FROM prompt_templates WHERE kind = $1`, kind,
	).Scan(&t.Kind, &t.Version, &t.Body, &t.UpdatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "get prompt template %s", kind)
	}
	return &t, nil
}

// GrantWriteAccess records a time-boxed write grant scoped to a step's
// declared output location. Best-effort: callers log failures and move on.
func (s *Store) GrantWriteAccess(ctx context.Context, agentID, path, stepID string, expiresAt time.Time) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO acl_grants (agent_id, path, mission_step_id, expires_at)
		 VALUES ($1, $2, $3, $4)`,
		agentID, path, stepID, expiresAt)
	if err != nil {
		return fmt.Errorf("grant write access for %s on %s: %w", agentID, path, err)
	}
	return nil
}
