package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ensemble-hq/conductor/internal/adapter/otel"
	"github.com/ensemble-hq/conductor/internal/domain/event"
	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/port/database"
	"github.com/ensemble-hq/conductor/internal/port/eventstore"
	"github.com/ensemble-hq/conductor/internal/port/notifier"
)

// RecoveryService fails steps whose worker died mid-flight and owns
// mission finalization. Finalization is conditional in the store, so
// concurrent recovery and reconciliation never double-finalize.
type RecoveryService struct {
	store      database.Store
	events     eventstore.Store
	metrics    *otel.Metrics
	notify     notifier.Notifier
	staleAfter time.Duration
	batchSize  int
	now        func() time.Time
	log        *slog.Logger
}

// NewRecoveryService wires stale-step recovery. The notifier may be nil
// when no relay target is configured.
func NewRecoveryService(store database.Store, events eventstore.Store, metrics *otel.Metrics, notify notifier.Notifier, staleAfter time.Duration, batchSize int, log *slog.Logger) *RecoveryService {
	return &RecoveryService{
		store:      store,
		events:     events,
		metrics:    metrics,
		notify:     notify,
		staleAfter: staleAfter,
		batchSize:  batchSize,
		now:        time.Now,
		log:        log,
	}
}

// Run sweeps for stale steps every interval until ctx is cancelled.
func (s *RecoveryService) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			n, err := s.RecoverStaleSteps(ctx)
			if err != nil {
				s.log.Error("stale step sweep failed", "error", err)
				continue
			}
			if n > 0 {
				s.log.Info("stale steps recovered", "count", n)
			}
		}
	}
}

// RecoverStaleSteps fails running steps that have made no progress for
// longer than the staleness window and finalizes their missions where
// that resolves the last open step. Returns how many steps it failed.
func (s *RecoveryService) RecoverStaleSteps(ctx context.Context) (int, error) {
	cutoff := s.now().Add(-s.staleAfter)
	steps, err := s.store.ListStaleRunningSteps(ctx, cutoff, s.batchSize)
	if err != nil {
		return 0, fmt.Errorf("list stale steps: %w", err)
	}

	recovered := 0
	for i := range steps {
		step := &steps[i]
		reason := fmt.Sprintf("recovered: stale for over %s with no progress", s.staleAfter)
		won, err := s.store.CompleteStep(ctx, step.ID, mission.StepFailed, reason)
		if err != nil {
			s.log.Error("stale step recovery failed", "step", step.ID, "error", err)
			continue
		}
		if !won {
			// Someone completed it between the listing and now.
			continue
		}
		recovered++
		if s.metrics != nil {
			s.metrics.StepsRecovered.Add(ctx, 1)
		}
		s.appendRecoveredEvent(ctx, step)
		if err := s.MaybeFinalizeMission(ctx, step.MissionID); err != nil {
			s.log.Error("finalize after recovery failed", "mission", step.MissionID, "error", err)
		}
	}
	return recovered, nil
}

// MaybeFinalizeMission closes a mission once every step is terminal.
// It is safe to call any number of times from any caller: the store
// applies the terminal transition at most once, and the completion
// event is emitted only by the call that won it.
func (s *RecoveryService) MaybeFinalizeMission(ctx context.Context, missionID string) error {
	counts, err := s.store.MissionStepCounts(ctx, missionID)
	if err != nil {
		return fmt.Errorf("count steps for mission %s: %w", missionID, err)
	}
	if counts.Total() == 0 || !counts.AllTerminal() {
		return nil
	}

	status := mission.StatusSucceeded
	reason := ""
	if counts.Failed > 0 {
		status = mission.StatusFailed
		reason = fmt.Sprintf("%d of %d steps failed", counts.Failed, counts.Total())
	}

	applied, err := s.store.FinalizeMission(ctx, missionID, status, reason)
	if err != nil {
		return fmt.Errorf("finalize mission %s: %w", missionID, err)
	}
	if !applied {
		return nil
	}

	m, err := s.store.GetMission(ctx, missionID)
	if err != nil {
		s.log.Warn("load finalized mission failed", "mission", missionID, "error", err)
		m = &mission.Mission{ID: missionID, Title: missionID}
	}

	kind := event.KindMissionSucceeded
	summary := fmt.Sprintf("mission %s succeeded", missionID)
	if status == mission.StatusFailed {
		kind = event.KindMissionFailed
		summary = fmt.Sprintf("mission %s failed: %s", missionID, reason)
	}
	meta, _ := json.Marshal(map[string]string{"mission_id": missionID})
	if _, err := s.events.Append(ctx, &event.Event{
		AgentID:  m.CreatedBy,
		Kind:     kind,
		Title:    m.Title,
		Summary:  summary,
		Metadata: meta,
	}); err != nil {
		s.log.Warn("append mission event failed", "mission", missionID, "error", err)
	}
	s.relayOutcome(ctx, m, status, summary)
	s.log.Info("mission finalized", "mission", missionID, "status", status, "reason", reason)
	return nil
}

// relayOutcome forwards a mission's terminal event to the notifier.
// Delivery is best-effort with a few retries; a dead webhook never
// blocks finalization.
func (s *RecoveryService) relayOutcome(ctx context.Context, m *mission.Mission, status mission.Status, summary string) {
	if s.notify == nil {
		return
	}
	level, source := "success", "mission_succeeded"
	if status == mission.StatusFailed {
		level, source = "error", "mission_failed"
	}
	send := func() error {
		return s.notify.Send(ctx, notifier.Notification{
			Title:   m.Title,
			Message: summary,
			Level:   level,
			Source:  source,
		})
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(send, policy); err != nil {
		if errors.Is(err, notifier.ErrNotConfigured) {
			return
		}
		s.log.Warn("mission outcome relay failed", "mission", m.ID, "error", err)
	}
}

func (s *RecoveryService) appendRecoveredEvent(ctx context.Context, step *mission.Step) {
	meta, _ := json.Marshal(map[string]string{"step_id": step.ID, "mission_id": step.MissionID})
	if _, err := s.events.Append(ctx, &event.Event{
		Kind:     event.KindStepRecovered,
		Title:    string(step.Kind),
		Summary:  fmt.Sprintf("step %s failed by recovery after %s without progress", step.ID, s.staleAfter),
		Metadata: meta,
	}); err != nil {
		s.log.Warn("append recovery event failed", "step", step.ID, "error", err)
	}
}
