package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/ensemble-hq/conductor/internal/domain/event"
	"github.com/ensemble-hq/conductor/internal/port/messagequeue"
)

// EventStore implements eventstore.Store using PostgreSQL (append-only),
// with an optional fire-and-forget relay onto the message queue. A relay
// failure is logged and never surfaces to the appender.
type EventStore struct {
	pool  *pgxpool.Pool
	queue messagequeue.Queue // optional
}

// NewEventStore creates a new EventStore backed by the given connection
// pool. queue may be nil to disable relaying.
func NewEventStore(pool *pgxpool.Pool, queue messagequeue.Queue) *EventStore {
	return &EventStore{pool: pool, queue: queue}
}

// Append inserts an event and relays it best-effort.
func (s *EventStore) Append(ctx context.Context, ev *event.Event) (string, error) {
	err := s.pool.QueryRow(ctx,
		`INSERT INTO agent_events (agent_id, kind, title, summary, tags, metadata)
		 VALUES ($1, $2, $3, $4, $5, $6)
		 RETURNING id, created_at`,
		ev.AgentID, string(ev.Kind), ev.Title, ev.Summary, textArray(ev.Tags), []byte(ev.Metadata),
	).Scan(&ev.ID, &ev.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("append event: %w", err)
	}

	if s.queue != nil {
		subject := messagequeue.SubjectEventPrefix + string(ev.Kind)
		if data, merr := marshalEvent(ev); merr == nil {
			if perr := s.queue.Publish(ctx, subject, data); perr != nil {
				slog.Warn("event relay failed", "subject", subject, "event_id", ev.ID, "error", perr)
			}
		}
	}

	return ev.ID, nil
}

// CountSince counts events of kind created at or after since.
func (s *EventStore) CountSince(ctx context.Context, kind string, since time.Time) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM agent_events WHERE kind = $1 AND created_at >= $2`,
		kind, since,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count events %s: %w", kind, err)
	}
	return n, nil
}

// LastOfKind returns the newest event of kind, or domain.ErrNotFound.
func (s *EventStore) LastOfKind(ctx context.Context, kind string) (*event.Event, error) {
	var ev event.Event
	var metadata []byte
	err := s.pool.QueryRow(ctx,
		`SELECT id, agent_id, kind, title, COALESCE(summary, ''), tags, metadata, created_at
		 FROM agent_events WHERE kind = $1
		 ORDER BY created_at DESC LIMIT 1`, kind,
	).Scan(&ev.ID, &ev.AgentID, &ev.Kind, &ev.Title, &ev.Summary, &ev.Tags, &metadata, &ev.CreatedAt)
	if err != nil {
		return nil, notFoundWrap(err, "last event of kind %s", kind)
	}
	ev.Metadata = metadata
	return &ev, nil
}

func marshalEvent(ev *event.Event) ([]byte, error) {
	type relayEvent struct {
		ID      string `json:"id"`
		AgentID string `json:"agent_id"`
		Kind    string `json:"kind"`
		Title   string `json:"title"`
		Summary string `json:"summary,omitempty"`
	}
	return json.Marshal(relayEvent{
		ID: ev.ID, AgentID: ev.AgentID, Kind: string(ev.Kind),
		Title: ev.Title, Summary: ev.Summary,
	})
}
