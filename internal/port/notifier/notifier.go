// Package notifier defines the outbound notification port.
package notifier

import (
	"context"
	"errors"
)

// ErrNotConfigured is returned when a notifier is not properly configured.
var ErrNotConfigured = errors.New("notifier: not configured")

// Notification is the payload sent through a Notifier.
type Notification struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Level   string `json:"level"`  // "info", "success", "warning", "error"
	Source  string `json:"source"` // e.g. "mission_succeeded", "trigger_fired"
}

// Notifier is the port interface for sending notifications. Sends are
// best-effort: callers must never let a failed send escalate into the
// primary operation's failure.
type Notifier interface {
	Name() string
	Send(ctx context.Context, notification Notification) error
}
