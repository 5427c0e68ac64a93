package workers

import (
	"context"
	"log/slog"
	"time"

	"chat-relay/contract"
	"chat-relay/delivery"
)

var _ contract.Worker = (*DeliveryRetryWorker)(nil)

// DeliveryRetryWorker periodically sweeps the tracker's schedule:
// unconfirmed pairs whose backoff elapsed get re-enqueued or failed.
// The sweep never blocks ingress; it only touches the tracker.
type DeliveryRetryWorker struct {
	tracker  *delivery.Tracker
	interval time.Duration
	log      *slog.Logger
}

func NewDeliveryRetryWorker(tracker *delivery.Tracker, interval time.Duration, log *slog.Logger) *DeliveryRetryWorker {
	return &DeliveryRetryWorker{tracker: tracker, interval: interval, log: log}
}

func (w *DeliveryRetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Stopping worker")
			return ctx.Err()
		case <-ticker.C:
			w.tracker.ProcessPending()
		}
	}
}
