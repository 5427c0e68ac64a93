package queue

import (
	"context"
	"log/slog"
	"time"

	"chat-relay/contract"
)

var (
	_ contract.Worker = (*Dispatcher)(nil)
	_ contract.Worker = (*Runner)(nil)
	_ contract.Worker = (*Janitor)(nil)
)

// Dispatcher moves due waiting jobs onto the ready channel.
type Dispatcher struct {
	queue *Queue
	log   *slog.Logger
}

func NewDispatcher(queue *Queue, log *slog.Logger) *Dispatcher {
	return &Dispatcher{queue: queue, log: log}
}

func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.queue.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			d.log.Debug("Stopping worker")
			return ctx.Err()
		case <-ticker.C:
			d.queue.dispatchDue(ctx)
		}
	}
}

// Runner executes ready jobs one at a time. Several runners share the
// same queue; per-pair ordering holds because a job only re-enters the
// ready channel after its previous attempt's outcome is recorded.
type Runner struct {
	queue *Queue
	log   *slog.Logger
}

func NewRunner(queue *Queue, log *slog.Logger) *Runner {
	return &Runner{queue: queue, log: log}
}

func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			r.log.Debug("Stopping worker")
			return ctx.Err()
		case id, ok := <-r.queue.ready:
			if !ok {
				r.log.Debug("Channel is closed")
				return nil
			}
			r.queue.run(ctx, id)
		}
	}
}

// Janitor reaps stalled jobs and prunes the done history.
type Janitor struct {
	queue    *Queue
	interval time.Duration
	log      *slog.Logger
}

func NewJanitor(queue *Queue, interval time.Duration, log *slog.Logger) *Janitor {
	return &Janitor{queue: queue, interval: interval, log: log}
}

func (j *Janitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			j.log.Debug("Stopping worker")
			return ctx.Err()
		case <-ticker.C:
			j.queue.reapStalled()
			j.queue.prune()
		}
	}
}
