// Package eventstore defines the port for the append-only event log.
package eventstore

import (
	"context"
	"time"

	"github.com/ensemble-hq/conductor/internal/domain/event"
)

// Store is the append-only observability event log. Append is
// fire-and-forget with respect to any downstream relay: a relay failure
// never surfaces to the appender.
type Store interface {
	Append(ctx context.Context, ev *event.Event) (string, error)
	CountSince(ctx context.Context, kind string, since time.Time) (int, error)
	LastOfKind(ctx context.Context, kind string) (*event.Event, error)
}
