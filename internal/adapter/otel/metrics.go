package otel

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "conductor"

// Metrics holds all Conductor metric instruments.
type Metrics struct {
	TriggersEvaluated metric.Int64Counter
	TriggersFired     metric.Int64Counter
	ProposalsCreated  metric.Int64Counter
	ProposalsApproved metric.Int64Counter
	StepsLeased       metric.Int64Counter
	StepsSucceeded    metric.Int64Counter
	StepsFailed       metric.Int64Counter
	StepsRecovered    metric.Int64Counter
	SessionsExecuted  metric.Int64Counter
}

// NewMetrics creates all metric instruments.
func NewMetrics() (*Metrics, error) {
	meter := otel.Meter(meterName)
	m := &Metrics{}
	var err error

	counters := []struct {
		dst  *metric.Int64Counter
		name string
		desc string
	}{
		{&m.TriggersEvaluated, "conductor.triggers.evaluated", "Trigger rules evaluated"},
		{&m.TriggersFired, "conductor.triggers.fired", "Trigger rules fired"},
		{&m.ProposalsCreated, "conductor.proposals.created", "Proposals created"},
		{&m.ProposalsApproved, "conductor.proposals.auto_approved", "Proposals auto-approved"},
		{&m.StepsLeased, "conductor.steps.leased", "Mission steps leased"},
		{&m.StepsSucceeded, "conductor.steps.succeeded", "Mission steps succeeded"},
		{&m.StepsFailed, "conductor.steps.failed", "Mission steps failed"},
		{&m.StepsRecovered, "conductor.steps.recovered", "Stale mission steps recovered"},
		{&m.SessionsExecuted, "conductor.sessions.executed", "Agent sessions executed"},
	}
	for _, c := range counters {
		*c.dst, err = meter.Int64Counter(c.name, metric.WithDescription(c.desc))
		if err != nil {
			return nil, err
		}
	}
	return m, nil
}
