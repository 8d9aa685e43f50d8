package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/ensemble-hq/conductor/internal/domain/trigger"
)

const triggerColumns = `id, name, trigger_event, conditions, condition, action_config,
	cooldown_minutes, enabled, fire_count, last_fired_at, created_at, updated_at`

// ListEnabledTriggerRules returns all enabled rules. Rules carrying a
// malformed declarative condition are returned with Condition nil so a
// single bad rule cannot poison the whole evaluation cycle; the engine
// logs and falls back to the rule's built-in check.
func (s *Store) ListEnabledTriggerRules(ctx context.Context) ([]trigger.Rule, error) {
	rows, err := s.pool.Query(ctx,
		fmt.Sprintf(`SELECT %s FROM trigger_rules WHERE enabled ORDER BY name ASC`, triggerColumns))
	if err != nil {
		return nil, fmt.Errorf("list trigger rules: %w", err)
	}
	defer rows.Close()

	var rules []trigger.Rule
	for rows.Next() {
		r, err := scanTriggerRule(rows)
		if err != nil {
			return nil, err
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// MarkTriggerFired stamps last_fired_at and bumps fire_count. Called only
// after the synthesized proposal was created, so fire_count stays a count
// of successful fires.
func (s *Store) MarkTriggerFired(ctx context.Context, id string, firedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE trigger_rules SET fire_count = fire_count + 1, last_fired_at = $2, updated_at = now()
		 WHERE id = $1`, id, firedAt)
	return execExpectOne(tag, err, "mark trigger fired %s", id)
}

func scanTriggerRule(row scannable) (trigger.Rule, error) {
	var r trigger.Rule
	var conditionsJSON, conditionJSON, actionJSON []byte
	err := row.Scan(&r.ID, &r.Name, &r.TriggerEvent, &conditionsJSON, &conditionJSON, &actionJSON,
		&r.CooldownMinutes, &r.Enabled, &r.FireCount, &r.LastFiredAt, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		return r, fmt.Errorf("scan trigger rule: %w", err)
	}
	r.Conditions = conditionsJSON
	if actionJSON != nil {
		if err := json.Unmarshal(actionJSON, &r.ActionConfig); err != nil {
			return r, fmt.Errorf("unmarshal action_config for rule %s: %w", r.ID, err)
		}
	}
	if len(conditionJSON) > 0 {
		cond, err := trigger.ParseCondition(conditionJSON)
		if err == nil {
			r.Condition = cond
		}
	}
	return r, nil
}
