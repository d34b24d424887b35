// Package notify is the outbound event boundary. The core emits one
// event per settlement; delivery, retry and backoff belong to the
// sink, not here.
package notify

import (
	"context"

	"github.com/linkpay/paycore/logger"
)

// Event names emitted by the core.
const (
	EventPaymentPaid = "payment.paid"
)

// Notifier receives fire-and-forget events. Errors are the sink's
// problem; the core logs and moves on.
type Notifier interface {
	Notify(ctx context.Context, event string, payload map[string]any)
}

// Noop drops all events.
type Noop struct{}

func (Noop) Notify(context.Context, string, map[string]any) {}

// LogNotifier writes events to the logger. Useful as a development
// sink and in tests.
type LogNotifier struct {
	Log logger.Logger
}

func (n LogNotifier) Notify(_ context.Context, event string, payload map[string]any) {
	fields := map[string]any{"event": event}
	for k, v := range payload {
		fields[k] = v
	}
	n.Log.Info("notification emitted", fields)
}
