// Package trigger defines trigger rules: named, cooldown-gated conditions
// that synthesize proposals when they come true.
package trigger

import (
	"encoding/json"
	"time"

	"github.com/ensemble-hq/conductor/internal/domain/mission"
)

// Event names the built-in check a rule dispatches to when it carries no
// declarative condition.
type Event string

const (
	EventMissionFailureSpike    Event = "mission_failure_spike"
	EventStepStall              Event = "step_stall"
	EventQueueBacklog           Event = "queue_backlog"
	EventSessionFailureSpike    Event = "session_failure_spike"
	EventDraftUnreviewed        Event = "draft_unreviewed"
	EventNoStrategyConversation Event = "no_strategy_conversation"
	EventIdleAgent              Event = "idle_agent"
	EventMorningPlanning        Event = "morning_planning"
	EventEveningRetrospective   Event = "evening_retrospective"
	EventDailyJournal           Event = "daily_journal"
	EventMemoryConsolidation    Event = "memory_consolidation"
	EventStaleMemoryReview      Event = "stale_memory_review"
	EventRandomConversation     Event = "random_conversation"
	EventConversationFollowUp   Event = "conversation_follow_up"
	EventInitiativeDrought      Event = "initiative_drought"
	EventProposalBacklog        Event = "proposal_backlog"
	EventRelationshipCheckin    Event = "relationship_checkin"
	EventPolicyDriftReview      Event = "policy_drift_review"
)

// ActionConfig describes the proposal a firing rule synthesizes.
type ActionConfig struct {
	AgentID     string         `json:"agent_id,omitempty"`
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Steps       []ActionStep   `json:"steps,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ActionStep is one step of a rule's action template.
type ActionStep struct {
	Kind    mission.Kind    `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Rule is a persisted trigger rule. A rule must not fire again until
// last_fired_at + cooldown_minutes has elapsed; fire_count is bumped only
// on a successful fire.
type Rule struct {
	ID              string          `json:"id"`
	Name            string          `json:"name"`
	TriggerEvent    Event           `json:"trigger_event"`
	Conditions      json.RawMessage `json:"conditions,omitempty"` // free-form input to built-in checks
	Condition       *Condition      `json:"condition,omitempty"`  // declarative tree; takes priority when present
	ActionConfig    ActionConfig    `json:"action_config"`
	CooldownMinutes int             `json:"cooldown_minutes"`
	Enabled         bool            `json:"enabled"`
	FireCount       int             `json:"fire_count"`
	LastFiredAt     *time.Time      `json:"last_fired_at,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
}

// InCooldown reports whether the rule is still cooling down at now.
func (r *Rule) InCooldown(now time.Time) bool {
	if r.LastFiredAt == nil || r.CooldownMinutes <= 0 {
		return false
	}
	return now.Before(r.LastFiredAt.Add(time.Duration(r.CooldownMinutes) * time.Minute))
}

// CheckParams decodes the rule's free-form conditions JSON into the typed
// parameters a built-in check consumes. Missing fields keep their zero
// value; each check applies its own defaults.
type CheckParams struct {
	LookbackMinutes int      `json:"lookback_minutes,omitempty"`
	LookbackHours   int      `json:"lookback_hours,omitempty"`
	Threshold       int      `json:"threshold,omitempty"`
	FailureRate     float64  `json:"failure_rate,omitempty"`
	SkipProbability float64  `json:"skip_probability,omitempty"`
	Topics          []string `json:"topics,omitempty"`
	Agents          []string `json:"agents,omitempty"`
	AfterHour       *int     `json:"after_hour,omitempty"`
	BeforeHour      *int     `json:"before_hour,omitempty"`
}

// Params decodes r.Conditions; a nil or malformed document yields zero
// params rather than an error, since built-in checks carry defaults.
func (r *Rule) Params() CheckParams {
	var p CheckParams
	if len(r.Conditions) > 0 {
		_ = json.Unmarshal(r.Conditions, &p)
	}
	return p
}
