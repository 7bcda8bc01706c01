// Package notifier delivers human-facing event notifications.
package notifier

import "context"

// Notifier sends a notification to a configured destination.
// Delivery is best-effort: callers log failures and move on.
type Notifier interface {
	// Notify sends a message. subject may be empty.
	Notify(ctx context.Context, subject, body string) error
	// Type returns the sender identifier (e.g. "telegram").
	Type() string
}

// Noop is a Notifier that discards everything. Used when no destination
// is configured.
type Noop struct{}

func (Noop) Notify(context.Context, string, string) error { return nil }
func (Noop) Type() string                                 { return "noop" }
