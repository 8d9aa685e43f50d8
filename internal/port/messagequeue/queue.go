// Package messagequeue defines the port for the outbound message relay.
package messagequeue

import "context"

// Subjects for relayed observability events.
const (
	SubjectEventPrefix = "events." // events.<kind>
)

// Handler processes one relayed message.
type Handler func(subject string, data []byte) error

// Queue is the port interface for the fire-and-forget relay transport.
type Queue interface {
	Publish(ctx context.Context, subject string, data []byte) error
	Subscribe(ctx context.Context, subject string, handler Handler) (func(), error)
	Drain() error
	Close() error
	IsConnected() bool
}
