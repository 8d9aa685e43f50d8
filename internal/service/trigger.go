package service

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/rand"
	"time"

	"github.com/ensemble-hq/conductor/internal/adapter/otel"
	"github.com/ensemble-hq/conductor/internal/domain/event"
	"github.com/ensemble-hq/conductor/internal/domain/proposal"
	"github.com/ensemble-hq/conductor/internal/domain/trigger"
	"github.com/ensemble-hq/conductor/internal/port/database"
	"github.com/ensemble-hq/conductor/internal/port/eventstore"
)

// CycleStats summarizes one trigger evaluation cycle.
type CycleStats struct {
	Evaluated int
	Fired     int
	Errors    int
}

// TriggerEngine periodically evaluates enabled rules and synthesizes
// proposals for the ones that fire. One broken rule never takes the
// cycle down with it.
type TriggerEngine struct {
	store        database.Store
	events       eventstore.Store
	evaluator    *Evaluator
	proposals    *ProposalService
	metrics      *otel.Metrics
	defaultAgent string
	log          *slog.Logger

	now     func() time.Time
	randFn  func() float64
	randInt func(n int) int
}

// NewTriggerEngine wires the trigger evaluation loop.
func NewTriggerEngine(store database.Store, events eventstore.Store, evaluator *Evaluator, proposals *ProposalService, metrics *otel.Metrics, defaultAgent string, log *slog.Logger) *TriggerEngine {
	return &TriggerEngine{
		store:        store,
		events:       events,
		evaluator:    evaluator,
		proposals:    proposals,
		metrics:      metrics,
		defaultAgent: defaultAgent,
		log:          log,
		now:          time.Now,
		randFn:       rand.Float64,
		randInt:      rand.Intn,
	}
}

// Run evaluates rules every interval until ctx is cancelled. Each cycle
// gets a hard deadline so a slow store cannot stack cycles.
func (e *TriggerEngine) Run(ctx context.Context, interval, deadline time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			stats, err := e.EvaluateTriggers(ctx, e.now().Add(deadline))
			if err != nil {
				e.log.Error("trigger cycle failed", "error", err)
				continue
			}
			e.log.Debug("trigger cycle done", "evaluated", stats.Evaluated, "fired", stats.Fired, "errors", stats.Errors)
		}
	}
}

// EvaluateTriggers runs one cycle. Rules are admitted until deadline;
// rules past the deadline wait for the next cycle.
func (e *TriggerEngine) EvaluateTriggers(ctx context.Context, deadline time.Time) (CycleStats, error) {
	rules, err := e.store.ListEnabledTriggerRules(ctx)
	if err != nil {
		return CycleStats{}, fmt.Errorf("list trigger rules: %w", err)
	}

	var stats CycleStats
	for i := range rules {
		rule := &rules[i]
		if e.now().After(deadline) {
			e.log.Warn("trigger cycle deadline reached", "remaining", len(rules)-i)
			break
		}
		stats.Evaluated++
		if e.metrics != nil {
			e.metrics.TriggersEvaluated.Add(ctx, 1)
		}

		fired, err := e.evaluateRule(ctx, rule)
		if err != nil {
			stats.Errors++
			e.log.Error("trigger rule failed", "rule", rule.Name, "event", rule.TriggerEvent, "error", err)
			continue
		}
		if fired {
			stats.Fired++
		}
	}
	return stats, nil
}

// evaluateRule decides and fires a single rule. A panic inside a check
// is contained here and reported as a rule error.
func (e *TriggerEngine) evaluateRule(ctx context.Context, rule *trigger.Rule) (fired bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			fired = false
			err = fmt.Errorf("rule panicked: %v", r)
		}
	}()

	if rule.InCooldown(e.now()) {
		return false, nil
	}

	req, err := e.decide(ctx, rule)
	if err != nil {
		return false, err
	}
	if req == nil {
		return false, nil
	}

	res, err := e.proposals.Create(ctx, *req)
	if err != nil {
		return false, fmt.Errorf("create proposal: %w", err)
	}
	if !res.Success {
		e.log.Info("trigger fired but proposal rejected", "rule", rule.Name, "reason", res.Reason)
		return false, nil
	}

	if err := e.store.MarkTriggerFired(ctx, rule.ID, e.now()); err != nil {
		return true, fmt.Errorf("mark fired: %w", err)
	}
	if e.metrics != nil {
		e.metrics.TriggersFired.Add(ctx, 1)
	}
	e.appendFiredEvent(ctx, rule, res)
	e.log.Info("trigger fired", "rule", rule.Name, "event", rule.TriggerEvent, "proposal", res.ProposalID, "mission", res.MissionID)
	return true, nil
}

// decide resolves whether the rule should fire and with what proposal.
// A declarative condition takes priority; if its evaluation errors the
// engine falls back to the built-in check rather than staying silent.
func (e *TriggerEngine) decide(ctx context.Context, rule *trigger.Rule) (*proposal.CreateRequest, error) {
	if rule.Condition != nil {
		ok, err := e.evaluator.Evaluate(ctx, rule.Condition)
		if err == nil {
			if !ok {
				return nil, nil
			}
			return e.requestFromRule(rule, "", nil), nil
		}
		e.log.Warn("condition evaluation failed, falling back to built-in check", "rule", rule.Name, "error", err)
	}

	check, ok := builtinChecks[rule.TriggerEvent]
	if !ok {
		return nil, fmt.Errorf("no built-in check for event %q", rule.TriggerEvent)
	}
	return check(ctx, e, rule)
}

// requestFromRule synthesizes the proposal a firing rule creates. The
// rule's action config wins over the check's suggestion.
func (e *TriggerEngine) requestFromRule(rule *trigger.Rule, fallbackDescription string, fallbackSteps []proposal.ProposedStep) *proposal.CreateRequest {
	agentID := rule.ActionConfig.AgentID
	if agentID == "" {
		agentID = e.defaultAgent
	}
	title := rule.ActionConfig.Title
	if title == "" {
		title = rule.Name
	}
	description := rule.ActionConfig.Description
	if description == "" {
		description = fallbackDescription
	}

	steps := make([]proposal.ProposedStep, 0, len(rule.ActionConfig.Steps))
	for _, st := range rule.ActionConfig.Steps {
		steps = append(steps, proposal.ProposedStep{Kind: st.Kind, Payload: st.Payload})
	}
	if len(steps) == 0 {
		steps = fallbackSteps
	}
	if len(steps) == 0 {
		return nil
	}

	return &proposal.CreateRequest{
		AgentID:       agentID,
		Title:         title,
		Description:   description,
		ProposedSteps: steps,
		Source:        proposal.SourceTrigger,
		SourceTraceID: rule.ID,
	}
}

func (e *TriggerEngine) appendFiredEvent(ctx context.Context, rule *trigger.Rule, res proposal.Result) {
	meta, _ := json.Marshal(map[string]string{
		"rule_id":     rule.ID,
		"proposal_id": res.ProposalID,
		"mission_id":  res.MissionID,
	})
	if _, err := e.events.Append(ctx, &event.Event{
		AgentID:  rule.ActionConfig.AgentID,
		Kind:     event.KindTriggerFired,
		Title:    rule.Name,
		Summary:  fmt.Sprintf("rule %s (%s) fired", rule.Name, rule.TriggerEvent),
		Tags:     []string{"trigger", string(rule.TriggerEvent)},
		Metadata: meta,
	}); err != nil {
		e.log.Warn("append trigger event failed", "rule", rule.Name, "error", err)
	}
}
