package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ensemble-hq/conductor/internal/domain"
	"github.com/ensemble-hq/conductor/internal/domain/event"
	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/domain/proposal"
	"github.com/ensemble-hq/conductor/internal/domain/session"
	"github.com/ensemble-hq/conductor/internal/domain/trigger"
	"github.com/ensemble-hq/conductor/internal/port/database"
)

// checkFunc is one built-in trigger check. Returning a nil request
// means the rule does not fire this cycle.
type checkFunc func(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error)

var builtinChecks = map[trigger.Event]checkFunc{
	trigger.EventMissionFailureSpike:    checkMissionFailureSpike,
	trigger.EventStepStall:              checkStepStall,
	trigger.EventQueueBacklog:           checkQueueBacklog,
	trigger.EventSessionFailureSpike:    checkSessionFailureSpike,
	trigger.EventDraftUnreviewed:        checkDraftUnreviewed,
	trigger.EventNoStrategyConversation: checkNoStrategyConversation,
	trigger.EventIdleAgent:              checkIdleAgent,
	trigger.EventMorningPlanning:        checkMorningPlanning,
	trigger.EventEveningRetrospective:   checkEveningRetrospective,
	trigger.EventDailyJournal:           checkDailyJournal,
	trigger.EventMemoryConsolidation:    checkMemoryConsolidation,
	trigger.EventStaleMemoryReview:      checkStaleMemoryReview,
	trigger.EventRandomConversation:     checkRandomConversation,
	trigger.EventConversationFollowUp:   checkConversationFollowUp,
	trigger.EventInitiativeDrought:      checkInitiativeDrought,
	trigger.EventProposalBacklog:        checkProposalBacklog,
	trigger.EventRelationshipCheckin:    checkRelationshipCheckin,
	trigger.EventPolicyDriftReview:      checkPolicyDriftReview,
}

func (e *TriggerEngine) count(ctx context.Context, table string, filters ...database.Filter) (int, error) {
	return e.store.CountRows(ctx, database.CountSpec{Table: table, Filters: filters})
}

// withinWindow applies the rule's UTC hour bounds with the given
// defaults. Bounds are half-open: [after, before).
func (e *TriggerEngine) withinWindow(p trigger.CheckParams, defAfter, defBefore int) bool {
	after, before := defAfter, defBefore
	if p.AfterHour != nil {
		after = *p.AfterHour
	}
	if p.BeforeHour != nil {
		before = *p.BeforeHour
	}
	hour := e.now().UTC().Hour()
	return hour >= after && hour < before
}

func orDefault(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return raw
}

func checkMissionFailureSpike(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	lookback := orDefault(p.LookbackMinutes, 60)
	threshold := orDefault(p.Threshold, 3)

	n, err := e.count(ctx, "missions",
		database.Filter{Op: database.OpStatusIn, Value: []string{string(mission.StatusFailed)}},
		database.Filter{Op: database.OpUpdatedInLastMinutes, Value: lookback},
	)
	if err != nil || n < threshold {
		return nil, err
	}
	return e.requestFromRule(rule,
		fmt.Sprintf("%d missions failed in the last %d minutes", n, lookback),
		[]proposal.ProposedStep{{Kind: mission.KindAnalyzeFailures, Payload: mustJSON(map[string]any{"lookback_minutes": lookback})}},
	), nil
}

func checkStepStall(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	stalledFor := orDefault(p.LookbackMinutes, 45)
	threshold := orDefault(p.Threshold, 1)

	n, err := e.count(ctx, "mission_steps",
		database.Filter{Op: database.OpStatusIn, Value: []string{string(mission.StepRunning)}},
		database.Filter{Op: database.OpUpdatedOlderThanMin, Value: stalledFor},
	)
	if err != nil || n < threshold {
		return nil, err
	}
	return e.requestFromRule(rule,
		fmt.Sprintf("%d steps running without progress for over %d minutes", n, stalledFor),
		[]proposal.ProposedStep{{Kind: mission.KindAnalyzeFailures, Payload: mustJSON(map[string]any{"focus": "stalled_steps"})}},
	), nil
}

func checkQueueBacklog(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	threshold := orDefault(p.Threshold, 25)

	n, err := e.count(ctx, "mission_steps",
		database.Filter{Op: database.OpStatusIn, Value: []string{string(mission.StepQueued)}},
	)
	if err != nil || n < threshold {
		return nil, err
	}
	return e.requestFromRule(rule,
		fmt.Sprintf("%d steps queued, backlog above %d", n, threshold),
		[]proposal.ProposedStep{{Kind: mission.KindPlanStrategy, Payload: mustJSON(map[string]any{"focus": "queue_backlog", "queued": n})}},
	), nil
}

func checkSessionFailureSpike(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	lookback := orDefault(p.LookbackMinutes, 60)
	threshold := orDefault(p.Threshold, 5)

	n, err := e.count(ctx, "agent_sessions",
		database.Filter{Op: database.OpStatusIn, Value: []string{string(session.StatusFailed), string(session.StatusTimedOut)}},
		database.Filter{Op: database.OpUpdatedInLastMinutes, Value: lookback},
	)
	if err != nil || n < threshold {
		return nil, err
	}
	return e.requestFromRule(rule,
		fmt.Sprintf("%d agent sessions failed in the last %d minutes", n, lookback),
		[]proposal.ProposedStep{{Kind: mission.KindAnalyzeFailures, Payload: mustJSON(map[string]any{"focus": "agent_sessions"})}},
	), nil
}

// checkDraftUnreviewed fires when drafts finished recently have no
// review scheduled, and also enqueues a review conversation so the
// collective can discuss the drafts directly.
func checkDraftUnreviewed(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	lookback := orDefault(p.LookbackHours, 24)
	threshold := orDefault(p.Threshold, 1)

	drafts := 0
	for _, kind := range mission.DefaultDraftKinds {
		n, err := e.count(ctx, "mission_steps",
			database.Filter{Op: database.OpEquals, Column: "kind", Value: string(kind)},
			database.Filter{Op: database.OpStatusIn, Value: []string{string(mission.StepSucceeded)}},
			database.Filter{Op: database.OpCreatedInLastHours, Value: lookback},
		)
		if err != nil {
			return nil, err
		}
		drafts += n
	}
	if drafts < threshold {
		return nil, nil
	}

	reviews, err := e.count(ctx, "mission_steps",
		database.Filter{Op: database.OpEquals, Column: "kind", Value: string(mission.KindReviewDraft)},
		database.Filter{Op: database.OpCreatedInLastHours, Value: lookback},
	)
	if err != nil {
		return nil, err
	}
	if reviews > 0 {
		return nil, nil
	}

	participants := p.Agents
	if len(participants) == 0 {
		participants = []string{e.defaultAgent}
	}
	conv := &session.ConversationSession{
		Topic:        fmt.Sprintf("review of %d unreviewed drafts", drafts),
		Participants: participants,
		Status:       session.ConversationPending,
		Source:       session.SourceManual,
		SourceID:     rule.ID,
	}
	if err := e.store.CreateConversation(ctx, conv); err != nil {
		e.log.Warn("review conversation enqueue failed", "rule", rule.Name, "error", err)
	}

	return e.requestFromRule(rule,
		fmt.Sprintf("%d drafts from the last %dh have no review", drafts, lookback),
		[]proposal.ProposedStep{{Kind: mission.KindReviewDraft, Payload: mustJSON(map[string]any{"lookback_hours": lookback})}},
	), nil
}

// checkNoStrategyConversation fires on strategy silence, or earlier if
// the mission failure rate crosses the configured threshold.
func checkNoStrategyConversation(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	lookback := orDefault(p.LookbackHours, 48)

	planned, err := e.count(ctx, "mission_steps",
		database.Filter{Op: database.OpEquals, Column: "kind", Value: string(mission.KindPlanStrategy)},
		database.Filter{Op: database.OpCreatedInLastHours, Value: lookback},
	)
	if err != nil {
		return nil, err
	}
	silent := planned == 0

	rateExceeded := false
	if p.FailureRate > 0 {
		total, err := e.count(ctx, "missions",
			database.Filter{Op: database.OpCreatedInLastHours, Value: lookback},
		)
		if err != nil {
			return nil, err
		}
		failed, err := e.count(ctx, "missions",
			database.Filter{Op: database.OpStatusIn, Value: []string{string(mission.StatusFailed)}},
			database.Filter{Op: database.OpCreatedInLastHours, Value: lookback},
		)
		if err != nil {
			return nil, err
		}
		rateExceeded = total > 0 && float64(failed)/float64(total) >= p.FailureRate
	}

	if !silent && !rateExceeded {
		return nil, nil
	}
	return e.requestFromRule(rule,
		fmt.Sprintf("no strategy work in %dh (failure rate exceeded: %t)", lookback, rateExceeded),
		[]proposal.ProposedStep{
			{Kind: mission.KindStartConversation, Payload: mustJSON(map[string]any{"topic": "strategy"})},
			{Kind: mission.KindPlanStrategy},
		},
	), nil
}

func checkIdleAgent(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	lookback := orDefault(p.LookbackHours, 24)
	agents := p.Agents
	if len(agents) == 0 {
		agents = []string{e.defaultAgent}
	}

	for _, agent := range agents {
		n, err := e.count(ctx, "agent_sessions",
			database.Filter{Op: database.OpEquals, Column: "agent_id", Value: agent},
			database.Filter{Op: database.OpCreatedInLastHours, Value: lookback},
		)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			continue
		}
		req := e.requestFromRule(rule,
			fmt.Sprintf("agent %s has had no sessions in %dh", agent, lookback),
			[]proposal.ProposedStep{{Kind: mission.KindWriteJournal, Payload: mustJSON(map[string]any{"theme": "check_in"})}},
		)
		if req != nil && rule.ActionConfig.AgentID == "" {
			req.AgentID = agent
		}
		return req, nil
	}
	return nil, nil
}

func checkMorningPlanning(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	if !e.withinWindow(p, 6, 10) {
		return nil, nil
	}
	n, err := e.count(ctx, "mission_steps",
		database.Filter{Op: database.OpEquals, Column: "kind", Value: string(mission.KindPlanStrategy)},
		database.Filter{Op: database.OpCreatedToday},
	)
	if err != nil || n > 0 {
		return nil, err
	}
	return e.requestFromRule(rule, "plan the day's work",
		[]proposal.ProposedStep{{Kind: mission.KindPlanStrategy, Payload: mustJSON(map[string]any{"horizon": "today"})}},
	), nil
}

func checkEveningRetrospective(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	if !e.withinWindow(p, 18, 22) {
		return nil, nil
	}
	n, err := e.count(ctx, "mission_steps",
		database.Filter{Op: database.OpEquals, Column: "kind", Value: string(mission.KindRunRetrospective)},
		database.Filter{Op: database.OpCreatedToday},
	)
	if err != nil || n > 0 {
		return nil, err
	}
	return e.requestFromRule(rule, "review the day's outcomes",
		[]proposal.ProposedStep{{Kind: mission.KindRunRetrospective}},
	), nil
}

func checkDailyJournal(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	n, err := e.count(ctx, "mission_steps",
		database.Filter{Op: database.OpEquals, Column: "kind", Value: string(mission.KindWriteJournal)},
		database.Filter{Op: database.OpCreatedToday},
	)
	if err != nil || n > 0 {
		return nil, err
	}
	return e.requestFromRule(rule, "no journal entry yet today",
		[]proposal.ProposedStep{{Kind: mission.KindWriteJournal}},
	), nil
}

func checkMemoryConsolidation(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	threshold := orDefault(p.Threshold, 50)

	n, err := e.count(ctx, "agent_memories",
		database.Filter{Op: database.OpSupersededByIsNull},
	)
	if err != nil || n < threshold {
		return nil, err
	}
	return e.requestFromRule(rule,
		fmt.Sprintf("%d live memories, above the %d consolidation mark", n, threshold),
		[]proposal.ProposedStep{{Kind: mission.KindConsolidateMemories}},
	), nil
}

func checkStaleMemoryReview(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	staleAfter := orDefault(p.LookbackHours, 168) * 60
	threshold := orDefault(p.Threshold, 10)

	n, err := e.count(ctx, "agent_memories",
		database.Filter{Op: database.OpSupersededByIsNull},
		database.Filter{Op: database.OpUpdatedOlderThanMin, Value: staleAfter},
	)
	if err != nil || n < threshold {
		return nil, err
	}
	return e.requestFromRule(rule,
		fmt.Sprintf("%d memories untouched for over %dh", n, staleAfter/60),
		[]proposal.ProposedStep{{Kind: mission.KindUpdateMemory, Payload: mustJSON(map[string]any{"mode": "review_stale"})}},
	), nil
}

// checkRandomConversation honors its skip probability before touching
// the store at all; most cycles it costs nothing.
func checkRandomConversation(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	skip := p.SkipProbability
	if skip <= 0 {
		skip = 0.8
	}
	if e.randFn() < skip {
		return nil, nil
	}

	topics := p.Topics
	if len(topics) == 0 {
		topics = []string{"current work", "ideas", "recent events"}
	}
	topic := topics[e.randInt(len(topics))]

	return e.requestFromRule(rule,
		fmt.Sprintf("spontaneous conversation about %s", topic),
		[]proposal.ProposedStep{{Kind: mission.KindStartConversation, Payload: mustJSON(map[string]any{"topic": topic})}},
	), nil
}

func checkConversationFollowUp(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	lookback := orDefault(p.LookbackHours, 24)

	n, err := e.count(ctx, "conversation_sessions",
		database.Filter{Op: database.OpStatusIn, Value: []string{string(session.ConversationCompleted)}},
		database.Filter{Op: database.OpCreatedInLastHours, Value: lookback},
	)
	if err != nil || n == 0 {
		return nil, err
	}

	summarized, err := e.count(ctx, "mission_steps",
		database.Filter{Op: database.OpEquals, Column: "kind", Value: string(mission.KindSummarizeConvo)},
		database.Filter{Op: database.OpCreatedInLastHours, Value: lookback},
	)
	if err != nil || summarized > 0 {
		return nil, err
	}

	req := e.requestFromRule(rule,
		fmt.Sprintf("%d completed conversations await follow-up", n),
		[]proposal.ProposedStep{{Kind: mission.KindSummarizeConvo}},
	)
	if req != nil && rule.ActionConfig.AgentID == "" && len(p.Agents) > 0 {
		req.AgentID = p.Agents[e.randInt(len(p.Agents))]
	}
	return req, nil
}

// checkInitiativeDrought nudges self-direction: it enqueues a fresh
// initiative alongside the proposal so the worker picks one up even if
// the proposal sits pending.
func checkInitiativeDrought(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	lookback := orDefault(p.LookbackHours, 48)

	n, err := e.count(ctx, "initiative_queue",
		database.Filter{Op: database.OpCreatedInLastHours, Value: lookback},
	)
	if err != nil || n > 0 {
		return nil, err
	}

	// A recently completed initiative also counts as self-direction,
	// even if its queue row has aged out of the lookback.
	last, err := e.events.LastOfKind(ctx, string(event.KindInitiativeDone))
	if err != nil && !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if last != nil && e.now().Sub(last.CreatedAt) < time.Duration(lookback)*time.Hour {
		return nil, nil
	}

	agentID := rule.ActionConfig.AgentID
	if agentID == "" {
		agentID = e.defaultAgent
	}
	if err := e.store.CreateInitiative(ctx, agentID, fmt.Sprintf("no initiatives in the last %dh", lookback)); err != nil {
		e.log.Warn("initiative enqueue failed", "rule", rule.Name, "error", err)
	}

	return e.requestFromRule(rule,
		fmt.Sprintf("no self-directed initiatives in %dh", lookback),
		[]proposal.ProposedStep{{Kind: mission.KindLogEvent, Payload: mustJSON(map[string]any{"note": "initiative drought nudge"})}},
	), nil
}

func checkProposalBacklog(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	threshold := orDefault(p.Threshold, 10)

	n, err := e.count(ctx, "proposals",
		database.Filter{Op: database.OpStatusIn, Value: []string{string(proposal.StatusPending)}},
	)
	if err != nil || n < threshold {
		return nil, err
	}
	return e.requestFromRule(rule,
		fmt.Sprintf("%d proposals pending review", n),
		[]proposal.ProposedStep{{Kind: mission.KindPlanStrategy, Payload: mustJSON(map[string]any{"focus": "proposal_backlog", "pending": n})}},
	), nil
}

func checkRelationshipCheckin(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	lookback := orDefault(p.LookbackHours, 168)

	n, err := e.count(ctx, "mission_steps",
		database.Filter{Op: database.OpEquals, Column: "kind", Value: string(mission.KindRelationshipCheckin)},
		database.Filter{Op: database.OpCreatedInLastHours, Value: lookback},
	)
	if err != nil || n > 0 {
		return nil, err
	}

	payload := map[string]any{}
	if len(p.Agents) > 0 {
		payload["partner"] = p.Agents[e.randInt(len(p.Agents))]
	}
	return e.requestFromRule(rule,
		fmt.Sprintf("no relationship check-in for %dh", lookback),
		[]proposal.ProposedStep{{Kind: mission.KindRelationshipCheckin, Payload: mustJSON(payload)}},
	), nil
}

func checkPolicyDriftReview(ctx context.Context, e *TriggerEngine, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	p := rule.Params()
	lookback := orDefault(p.LookbackHours, 720)

	n, err := e.count(ctx, "mission_steps",
		database.Filter{Op: database.OpEquals, Column: "kind", Value: string(mission.KindAdjustPolicy)},
		database.Filter{Op: database.OpCreatedInLastHours, Value: lookback},
	)
	if err != nil || n > 0 {
		return nil, err
	}
	return e.requestFromRule(rule,
		fmt.Sprintf("policies unreviewed for %dh", lookback),
		[]proposal.ProposedStep{{Kind: mission.KindAdjustPolicy, Payload: mustJSON(map[string]any{"mode": "review"})}},
	), nil
}
