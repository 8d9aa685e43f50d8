package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ensemble-hq/conductor/internal/adapter/otel"
	"github.com/ensemble-hq/conductor/internal/domain/mission"
	"github.com/ensemble-hq/conductor/internal/domain/session"
	"github.com/ensemble-hq/conductor/internal/port/database"
	"github.com/ensemble-hq/conductor/internal/port/executor"
	"github.com/ensemble-hq/conductor/internal/port/notifier"
	"github.com/ensemble-hq/conductor/internal/resilience"
)

// Worker drains the engine's queues. Each tick serves the queues in a
// fixed priority order; agent sessions starve everything else on
// purpose, because a leased session is an agent actively waiting.
type Worker struct {
	id          string
	store       database.Store
	executor    executor.Executor
	breaker     *resilience.Breaker
	bridge      *BridgeService
	recovery    *RecoveryService
	initiatives *InitiativeService
	notifier    notifier.Notifier
	metrics     *otel.Metrics
	log         *slog.Logger

	pollInterval   time.Duration
	reconcileBatch int
}

// NewWorker wires the queue worker.
func NewWorker(id string, store database.Store, exec executor.Executor, breaker *resilience.Breaker, bridge *BridgeService, recovery *RecoveryService, initiatives *InitiativeService, n notifier.Notifier, metrics *otel.Metrics, pollInterval time.Duration, reconcileBatch int, log *slog.Logger) *Worker {
	return &Worker{
		id:             id,
		store:          store,
		executor:       exec,
		breaker:        breaker,
		bridge:         bridge,
		recovery:       recovery,
		initiatives:    initiatives,
		notifier:       n,
		metrics:        metrics,
		log:            log,
		pollInterval:   pollInterval,
		reconcileBatch: reconcileBatch,
	}
}

// Run ticks until ctx is cancelled. The worker sleeps only when the
// agent-session queue came up empty; while sessions are flowing it goes
// straight back for the next one.
func (w *Worker) Run(ctx context.Context) error {
	w.log.Info("worker started", "worker", w.id, "poll_interval", w.pollInterval)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if w.Tick(ctx) {
			continue
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(w.pollInterval):
		}
	}
}

// Tick serves one round of the queues and reports whether an agent
// session was executed.
func (w *Worker) Tick(ctx context.Context) bool {
	sess, err := w.store.ClaimNextAgentSession(ctx)
	if err != nil {
		w.log.Error("agent session lease failed", "error", err)
	} else if sess != nil {
		w.executeSession(ctx, sess)
		return true
	}

	w.serveConversations(ctx)
	w.serveSteps(ctx)
	w.reconcile(ctx)
	w.serveInitiatives(ctx)
	return false
}

func (w *Worker) executeSession(ctx context.Context, sess *session.AgentSession) {
	w.log.Info("executing agent session", "session", sess.ID, "agent", sess.AgentID, "source", sess.Source)
	if w.metrics != nil {
		w.metrics.SessionsExecuted.Add(ctx, 1)
	}

	err := w.breaker.Execute(func() error {
		return w.executor.ExecuteAgentSession(ctx, sess)
	})
	if err != nil {
		if errors.Is(err, resilience.ErrCircuitOpen) {
			w.log.Warn("executor circuit open, failing session", "session", sess.ID)
		} else {
			w.log.Error("agent session execution failed", "session", sess.ID, "error", err)
		}
		if merr := w.store.MarkAgentSessionFailed(ctx, sess.ID, err.Error()); merr != nil {
			w.log.Error("mark session failed failed", "session", sess.ID, "error", merr)
		}
		return
	}

	w.maybeRelaySynthesis(ctx, sess.ID)
}

// maybeRelaySynthesis forwards the result of a successful
// conversation-spawned session to the notifier. Relay failures are
// logged and dropped; the session outcome is already durable.
func (w *Worker) maybeRelaySynthesis(ctx context.Context, sessionID string) {
	if w.notifier == nil {
		return
	}
	sess, err := w.store.GetAgentSession(ctx, sessionID)
	if err != nil {
		w.log.Warn("session re-read for relay failed", "session", sessionID, "error", err)
		return
	}
	if sess.Status != session.StatusSucceeded || sess.Source != session.SourceConversation || sess.Result == "" {
		return
	}

	send := func() error {
		return w.notifier.Send(ctx, notifier.Notification{
			Title:   fmt.Sprintf("Conversation synthesis by %s", sess.AgentID),
			Message: sess.Result,
			Level:   "info",
			Source:  "conversation_synthesis",
		})
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3), ctx)
	if err := backoff.Retry(send, policy); err != nil {
		if errors.Is(err, notifier.ErrNotConfigured) {
			return
		}
		w.log.Warn("synthesis relay failed", "session", sessionID, "notifier", w.notifier.Name(), "error", err)
	}
}

// serveConversations leases a pending conversation, hands it to the
// orchestrator, and releases the lease. The orchestrator owns the
// session's real status transitions; the lease only dedupes the kick.
func (w *Worker) serveConversations(ctx context.Context) {
	conv, err := w.store.ClaimNextConversation(ctx)
	if err != nil {
		w.log.Error("conversation lease failed", "error", err)
		return
	}
	if conv == nil {
		return
	}

	if err := w.store.ReleaseConversation(ctx, conv.ID); err != nil {
		w.log.Error("conversation release failed", "conversation", conv.ID, "error", err)
	}
	if err := w.executor.OrchestrateConversation(ctx, conv); err != nil {
		w.log.Error("conversation kickoff failed", "conversation", conv.ID, "topic", conv.Topic, "error", err)
		return
	}
	w.log.Info("conversation kicked off", "conversation", conv.ID, "topic", conv.Topic, "participants", len(conv.Participants))
}

func (w *Worker) serveSteps(ctx context.Context) {
	step, err := w.store.ClaimNextStep(ctx, w.id)
	if err != nil {
		w.log.Error("step lease failed", "error", err)
		return
	}
	if step == nil {
		return
	}
	if w.metrics != nil {
		w.metrics.StepsLeased.Add(ctx, 1)
	}

	if err := w.bridge.Dispatch(ctx, step); err != nil {
		w.log.Error("step dispatch failed", "step", step.ID, "error", err)
		won, cerr := w.store.CompleteStep(ctx, step.ID, mission.StepFailed, fmt.Sprintf("dispatch failed: %v", err))
		if cerr != nil {
			w.log.Error("fail undispatchable step failed", "step", step.ID, "error", cerr)
			return
		}
		if won {
			if w.metrics != nil {
				w.metrics.StepsFailed.Add(ctx, 1)
			}
			if ferr := w.recovery.MaybeFinalizeMission(ctx, step.MissionID); ferr != nil {
				w.log.Error("finalize after failed dispatch failed", "mission", step.MissionID, "error", ferr)
			}
		}
	}
}

func (w *Worker) reconcile(ctx context.Context) {
	missions, err := w.bridge.Reconcile(ctx, w.reconcileBatch)
	if err != nil {
		w.log.Error("reconciliation failed", "error", err)
		return
	}
	seen := make(map[string]bool, len(missions))
	for _, missionID := range missions {
		if seen[missionID] {
			continue
		}
		seen[missionID] = true
		if err := w.recovery.MaybeFinalizeMission(ctx, missionID); err != nil {
			w.log.Error("finalize after reconcile failed", "mission", missionID, "error", err)
		}
	}
}

func (w *Worker) serveInitiatives(ctx context.Context) {
	ini, err := w.store.ClaimNextInitiative(ctx)
	if err != nil {
		w.log.Error("initiative lease failed", "error", err)
		return
	}
	if ini == nil {
		return
	}
	if err := w.initiatives.Process(ctx, ini); err != nil {
		w.log.Error("initiative processing failed", "initiative", ini.ID, "error", err)
	}
}
