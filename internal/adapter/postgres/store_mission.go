package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/domain/proposal"
	"github.com/ensemble-hq/conductor/internal/domain/session"
	"github.com/ensemble-hq/conductor/internal/port/database"
)

const missionColumns = `id, COALESCE(proposal_id::text, ''), title, description, status,
	created_by, COALESCE(failure_reason, ''), completed_at, created_at, updated_at`

const stepColumns = `id, mission_id, kind, ordinal, status, payload, result, COALESCE(reserved_by, ''),
	depends_on, COALESCE(assigned_agent, ''), COALESCE(output_path, ''), template_version,
	COALESCE(failure_reason, ''), started_at, completed_at, created_at, updated_at`

// stepColumnsAliased is stepColumns qualified with the "st" alias, for joins.
const stepColumnsAliased = `st.id, st.mission_id, st.kind, st.ordinal, st.status, st.payload, st.result,
	COALESCE(st.reserved_by, ''), st.depends_on, COALESCE(st.assigned_agent, ''),
	COALESCE(st.output_path, ''), st.template_version, COALESCE(st.failure_reason, ''),
	st.started_at, st.completed_at, st.created_at, st.updated_at`

// CreateMissionWithSteps inserts a mission and one queued step per
// proposed step, preserving input order, in a single transaction. A
// mission is never observable without its steps.
func (s *Store) CreateMissionWithSteps(ctx context.Context, m *mission.Mission, steps []proposal.ProposedStep) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	err = tx.QueryRow(ctx,
		`INSERT INTO missions (proposal_id, title, description, status, created_by)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING id, created_at, updated_at`,
		nullIfEmpty(m.ProposalID), m.Title, m.Description, string(m.Status), m.CreatedBy,
	).Scan(&m.ID, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert mission: %w", err)
	}

	for i, ps := range steps {
		var st mission.Step
		st.MissionID = m.ID
		st.Kind = ps.Kind
		st.Ordinal = i
		st.Status = mission.StepQueued
		st.Payload = ps.Payload
		err = tx.QueryRow(ctx,
			`INSERT INTO mission_steps (mission_id, kind, ordinal, status, payload)
			 VALUES ($1, $2, $3, $4, $5)
			 RETURNING id, created_at, updated_at`,
			st.MissionID, string(st.Kind), st.Ordinal, string(st.Status), []byte(st.Payload),
		).Scan(&st.ID, &st.CreatedAt, &st.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert step %d: %w", i, err)
		}
		m.Steps = append(m.Steps, st)
	}

	return tx.Commit(ctx)
}

// GetMission returns a mission with its steps.
func (s *Store) GetMission(ctx context.Context, id string) (*mission.Mission, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM missions WHERE id = $1`, missionColumns), id)

	m, err := scanMission(row)
	if err != nil {
		return nil, notFoundWrap(err, "get mission %s", id)
	}

	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM mission_steps WHERE mission_id = $1 ORDER BY created_at ASC, ordinal ASC`, stepColumns), id)
	if err != nil {
		return nil, fmt.Errorf("list steps for mission %s: %w", id, err)
	}
	defer rows.Close()

	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		m.Steps = append(m.Steps, st)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return &m, nil
}

// CountActiveMissions counts missions in approved or running status.
func (s *Store) CountActiveMissions(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM missions WHERE status IN ('approved', 'running')`,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count active missions: %w", err)
	}
	return n, nil
}

// MissionStepCounts aggregates the mission's steps by status.
func (s *Store) MissionStepCounts(ctx context.Context, missionID string) (mission.StatusCounts, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT status, count(*) FROM mission_steps WHERE mission_id = $1 GROUP BY status`, missionID)
	if err != nil {
		return mission.StatusCounts{}, fmt.Errorf("step counts for mission %s: %w", missionID, err)
	}
	defer rows.Close()

	var c mission.StatusCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("scan step count: %w", err)
		}
		switch mission.StepStatus(status) {
		case mission.StepQueued:
			c.Queued = n
		case mission.StepRunning:
			c.Running = n
		case mission.StepSucceeded:
			c.Succeeded = n
		case mission.StepFailed:
			c.Failed = n
		case mission.StepSkipped:
			c.Skipped = n
		}
	}
	return c, rows.Err()
}

// FinalizeMission writes a terminal status onto the mission only if it is
// still approved or running. Returns whether the update applied; a false
// result means another writer already finalized (or cancelled) it, which
// callers treat as success without re-emitting terminal events.
func (s *Store) FinalizeMission(ctx context.Context, id string, status mission.Status, reason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE missions SET status = $2, failure_reason = $3, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status IN ('approved', 'running')`,
		id, string(status), nullIfEmpty(reason))
	if err != nil {
		return false, fmt.Errorf("finalize mission %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimNextStep leases the oldest queued step whose dependencies have all
// succeeded. FOR UPDATE SKIP LOCKED keeps two workers racing on the same
// tick from receiving the same row. Returns (nil, nil) when nothing is
// eligible.
func (s *Store) ClaimNextStep(ctx context.Context, workerID string) (*mission.Step, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`UPDATE mission_steps SET status = 'running', reserved_by = $1, started_at = now(), updated_at = now()
		 WHERE id = (
		   SELECT s.id FROM mission_steps s
		   WHERE s.status = 'queued'
		     AND NOT EXISTS (
		       SELECT 1 FROM mission_steps d
		       WHERE d.id::text = ANY(s.depends_on) AND d.status <> 'succeeded')
		   ORDER BY s.created_at ASC, s.ordinal ASC
		   LIMIT 1
		   FOR UPDATE SKIP LOCKED)
		 RETURNING %s`, stepColumns), workerID)

	st, err := scanStep(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim step: %w", err)
	}
	return &st, nil
}

// AttachStepSession records the delegated session reference and template
// version on a running step.
func (s *Store) AttachStepSession(ctx context.Context, stepID string, result json.RawMessage, templateVersion int) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mission_steps SET result = $2, template_version = $3, updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		stepID, []byte(result), templateVersion)
	return execExpectOne(tag, err, "attach session to step %s", stepID)
}

// CompleteStep moves a running step to a terminal status. The WHERE
// status guard makes the write race-safe against a concurrent completer;
// the return value reports whether this caller won.
func (s *Store) CompleteStep(ctx context.Context, stepID string, status mission.StepStatus, failureReason string) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE mission_steps SET status = $2, failure_reason = $3, completed_at = now(), updated_at = now()
		 WHERE id = $1 AND status = 'running'`,
		stepID, string(status), nullIfEmpty(failureReason))
	if err != nil {
		return false, fmt.Errorf("complete step %s: %w", stepID, err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListDelegatedSteps joins running steps against the agent session named
// in their result document, for reconciliation.
func (s *Store) ListDelegatedSteps(ctx context.Context, limit int) ([]database.DelegatedStep, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s, a.id, a.status, COALESCE(a.error, '')
		 FROM mission_steps st
		 JOIN agent_sessions a ON a.id::text = st.result->>'session_id'
		 WHERE st.status = 'running' AND st.result ? 'session_id'
		 ORDER BY st.started_at ASC
		 LIMIT $1`, stepColumnsAliased), limit)
	if err != nil {
		return nil, fmt.Errorf("list delegated steps: %w", err)
	}
	defer rows.Close()

	var out []database.DelegatedStep
	for rows.Next() {
		var d database.DelegatedStep
		var sessStatus string
		if err := scanStepInto(rows, &d.Step, &d.SessionID, &sessStatus, &d.SessionError); err != nil {
			return nil, err
		}
		d.SessionStatus = session.Status(sessStatus)
		out = append(out, d)
	}
	return out, rows.Err()
}

// ListStaleRunningSteps returns up to limit running steps whose last
// update is older than olderThan, oldest first.
func (s *Store) ListStaleRunningSteps(ctx context.Context, olderThan time.Time, limit int) ([]mission.Step, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM mission_steps
		 WHERE status = 'running' AND updated_at < $1
		 ORDER BY updated_at ASC
		 LIMIT $2`, stepColumns), olderThan, limit)
	if err != nil {
		return nil, fmt.Errorf("list stale steps: %w", err)
	}
	defer rows.Close()

	var steps []mission.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// CountStepsToday counts all steps created today for missions owned by the agent.
func (s *Store) CountStepsToday(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM mission_steps st
		 JOIN missions m ON m.id = st.mission_id
		 WHERE m.created_by = $1 AND st.created_at >= date_trunc('day', now() AT TIME ZONE 'utc')`,
		agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count steps today for %s: %w", agentID, err)
	}
	return n, nil
}

// CountStepsTodayByKind counts the agent's steps created today matching any of kinds.
func (s *Store) CountStepsTodayByKind(ctx context.Context, agentID string, kinds []mission.Kind) (int, error) {
	ks := make([]string, len(kinds))
	for i, k := range kinds {
		ks[i] = string(k)
	}
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM mission_steps st
		 JOIN missions m ON m.id = st.mission_id
		 WHERE m.created_by = $1 AND st.kind = ANY($2)
		   AND st.created_at >= date_trunc('day', now() AT TIME ZONE 'utc')`,
		agentID, ks,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count steps today by kind for %s: %w", agentID, err)
	}
	return n, nil
}

// --- Scanners ---

func scanMission(row scannable) (mission.Mission, error) {
	var m mission.Mission
	err := row.Scan(&m.ID, &m.ProposalID, &m.Title, &m.Description, &m.Status,
		&m.CreatedBy, &m.FailureReason, &m.CompletedAt, &m.CreatedAt, &m.UpdatedAt)
	return m, err
}

func scanStep(row scannable) (mission.Step, error) {
	var st mission.Step
	var payload, result []byte
	err := row.Scan(&st.ID, &st.MissionID, &st.Kind, &st.Ordinal, &st.Status, &payload, &result, &st.ReservedBy,
		&st.DependsOn, &st.AssignedAgent, &st.OutputPath, &st.TemplateVersion,
		&st.FailureReason, &st.StartedAt, &st.CompletedAt, &st.CreatedAt, &st.UpdatedAt)
	if err != nil {
		return st, err
	}
	st.Payload = payload
	st.Result = result
	return st, nil
}

// scanStepInto scans a step plus trailing session columns from a joined row.
func scanStepInto(row scannable, st *mission.Step, extras ...any) error {
	var payload, result []byte
	dest := []any{&st.ID, &st.MissionID, &st.Kind, &st.Ordinal, &st.Status, &payload, &result, &st.ReservedBy,
		&st.DependsOn, &st.AssignedAgent, &st.OutputPath, &st.TemplateVersion,
		&st.FailureReason, &st.StartedAt, &st.CompletedAt, &st.CreatedAt, &st.UpdatedAt}
	dest = append(dest, extras...)
	if err := row.Scan(dest...); err != nil {
		return fmt.Errorf("scan delegated step: %w", err)
	}
	st.Payload = payload
	st.Result = result
	return nil
}
