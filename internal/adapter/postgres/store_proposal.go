package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ensemble-hq/conductor/internal/domain/proposal"
)

const proposalColumns = `id, agent_id, title, description, proposed_steps, source,
	COALESCE(source_trace_id, ''), status, auto_approved, created_at, updated_at`

// CreateProposal inserts a pending proposal.
func (s *Store) CreateProposal(ctx context.Context, req proposal.CreateRequest) (*proposal.Proposal, error) {
	stepsJSON, err := json.Marshal(req.ProposedSteps)
	if err != nil {
		return nil, fmt.Errorf("marshal proposed_steps: %w", err)
	}

	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`INSERT INTO proposals (agent_id, title, description, proposed_steps, source, source_trace_id)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING %s`, proposalColumns),
		req.AgentID, req.Title, req.Description, stepsJSON, string(req.Source), nullIfEmpty(req.SourceTraceID))

	p, err := scanProposal(row)
	if err != nil {
		return nil, fmt.Errorf("create proposal: %w", err)
	}
	return &p, nil
}

// GetProposal returns a proposal by ID.
func (s *Store) GetProposal(ctx context.Context, id string) (*proposal.Proposal, error) {
	row := s.pool.QueryRow(ctx,
		fmt.Sprintf(`SELECT %s FROM proposals WHERE id = $1`, proposalColumns), id)

	p, err := scanProposal(row)
	if err != nil {
		return nil, notFoundWrap(err, "get proposal %s", id)
	}
	return &p, nil
}

// UpdateProposalStatus moves a proposal out of pending. The WHERE guard
// keeps an already-decided proposal immutable.
func (s *Store) UpdateProposalStatus(ctx context.Context, id string, status proposal.Status, autoApproved bool) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE proposals SET status = $2, auto_approved = $3, updated_at = now()
		 WHERE id = $1 AND status = 'pending'`,
		id, string(status), autoApproved)
	return execExpectOne(tag, err, "update proposal status %s", id)
}

// CountProposalsToday returns how many proposals the agent created today (UTC).
func (s *Store) CountProposalsToday(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM proposals
		 WHERE agent_id = $1 AND created_at >= date_trunc('day', now() AT TIME ZONE 'utc')`,
		agentID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count proposals today for %s: %w", agentID, err)
	}
	return n, nil
}

func scanProposal(row scannable) (proposal.Proposal, error) {
	var p proposal.Proposal
	var stepsJSON []byte
	err := row.Scan(&p.ID, &p.AgentID, &p.Title, &p.Description, &stepsJSON, &p.Source,
		&p.SourceTraceID, &p.Status, &p.AutoApproved, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if stepsJSON != nil {
		if err := json.Unmarshal(stepsJSON, &p.ProposedSteps); err != nil {
			return p, fmt.Errorf("unmarshal proposed_steps: %w", err)
		}
	}
	return p, nil
}
