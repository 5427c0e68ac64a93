package workers

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/shirou/gopsutil/process"

	"chat-relay/contract"
	"chat-relay/delivery"
	"chat-relay/domain/event"
	"chat-relay/queue"
	"chat-relay/repositories"
)

var _ contract.Worker = (*TelemetryWorker)(nil)

// TelemetryWorker samples pipeline health: queue depth, booked retry
// schedules, receipt counts and this process's RSS/CPU. Readings are
// logged and emitted as technical events; a lost sample is harmless.
type TelemetryWorker struct {
	log      *slog.Logger
	queue    *queue.Queue
	tracker  *delivery.Tracker
	receipts repositories.IReceiptRepository
	events   chan<- event.Event
	interval time.Duration
}

func NewTelemetryWorker(log *slog.Logger, q *queue.Queue, tracker *delivery.Tracker,
	receipts repositories.IReceiptRepository, events chan<- event.Event,
	interval time.Duration) *TelemetryWorker {
	return &TelemetryWorker{
		log:      log,
		queue:    q,
		tracker:  tracker,
		receipts: receipts,
		events:   events,
		interval: interval,
	}
}

func (w *TelemetryWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	p, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Debug("Stopping worker")
			return ctx.Err()
		case <-ticker.C:
			w.sample(p)
		}
	}
}

func (w *TelemetryWorker) sample(p *process.Process) {
	waiting, active, done := w.queue.Stats()

	attrs := []any{
		"queue_waiting", waiting,
		"queue_active", active,
		"queue_done", done,
		"retry_schedules", w.tracker.PendingSchedules(),
	}

	if counts, err := w.receipts.CountByStatus(); err == nil {
		for status, count := range counts {
			attrs = append(attrs, "receipts_"+string(status), count)
		}
	} else {
		w.log.Warn("Failed to count receipts", "error", err)
	}

	if memInfo, err := p.MemoryInfo(); err == nil {
		attrs = append(attrs, "rss_bytes", memInfo.RSS)
	}
	if cpuPercent, err := p.CPUPercent(); err == nil {
		attrs = append(attrs, "cpu_percent", cpuPercent)
	}

	w.log.Info("Pipeline telemetry", attrs...)

	select {
	case w.events <- event.Technical(event.QueueDepth{Waiting: waiting, Active: active, Done: done}):
	default:
		w.log.Debug("Observability telemetry event lost")
	}
}
