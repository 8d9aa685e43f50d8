package postgres

import (
	"context"
	"fmt"
	"strings"

	"github.com/ensemble-hq/conductor/internal/port/database"
)

// CountRows renders a validated CountSpec into one parameterized count
// query. Table and column identifiers were vetted by the caller (the
// condition evaluator enforces its allow-list and identifier pattern
// before building a spec); every value travels as a bind parameter.
func (s *Store) CountRows(ctx context.Context, spec database.CountSpec) (int, error) {
	var (
		clauses []string
		args    []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	for _, f := range spec.Filters {
		switch f.Op {
		case database.OpEquals:
			clauses = append(clauses, fmt.Sprintf("%s = %s", f.Column, arg(f.Value)))
		case database.OpCreatedToday:
			clauses = append(clauses, "created_at >= date_trunc('day', now() AT TIME ZONE 'utc')")
		case database.OpStatusIn:
			clauses = append(clauses, fmt.Sprintf("status = ANY(%s)", arg(f.Value)))
		case database.OpUpdatedOlderThanMin:
			clauses = append(clauses, fmt.Sprintf("updated_at < now() - %s * interval '1 minute'", arg(f.Value)))
		case database.OpUpdatedInLastMinutes:
			clauses = append(clauses, fmt.Sprintf("updated_at >= now() - %s * interval '1 minute'", arg(f.Value)))
		case database.OpCreatedInLastHours:
			clauses = append(clauses, fmt.Sprintf("created_at >= now() - %s * interval '1 hour'", arg(f.Value)))
		case database.OpConfidenceGTE:
			clauses = append(clauses, fmt.Sprintf("confidence >= %s", arg(f.Value)))
		case database.OpSupersededByIsNull:
			clauses = append(clauses, "superseded_by IS NULL")
		default:
			return 0, fmt.Errorf("count rows: unknown filter op %q", f.Op)
		}
	}

	query := fmt.Sprintf("SELECT count(*) FROM %s", spec.Table)
	if len(clauses) > 0 {
		query += " WHERE " + strings.Join(clauses, " AND ")
	}

	var n int
	if err := s.pool.QueryRow(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count rows in %s: %w", spec.Table, err)
	}
	return n, nil
}
