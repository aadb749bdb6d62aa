package notify

import (
	"context"
	"log/slog"
)

// Notification is one push message. Data carries machine-readable
// context (offer id, request id) for the driver or requester app.
type Notification struct {
	Title string            `json:"title"`
	Body  string            `json:"body"`
	Data  map[string]string `json:"data,omitempty"`
}

// Notifier delivers best-effort push notifications. Errors are for the
// caller's log line only; delivery failures never abort the operation
// that triggered them.
type Notifier interface {
	Send(ctx context.Context, address string, n Notification) error
}

// BestEffort wraps a send so call sites stay one line: failures are
// logged and swallowed.
func BestEffort(ctx context.Context, notifier Notifier, logger *slog.Logger, address string, n Notification) {
	if notifier == nil || address == "" {
		return
	}
	if err := notifier.Send(ctx, address, n); err != nil {
		logger.Warn("notification failed", "title", n.Title, "error", err)
	}
}

// Nop discards every notification. Used in tests and when no gateway is
// configured.
type Nop struct{}

func (Nop) Send(ctx context.Context, address string, n Notification) error { return nil }
