package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"chat-relay/errors"
)

type Config struct {
	// HighWaterMark caps waiting+active jobs. The admission check reads a
	// gauge without taking the queue lock, so the bound is soft: a burst of
	// concurrent enqueuers can overshoot it by a small margin. That is the
	// accepted trade-off; serializing every admission would cost far more
	// than the precision is worth.
	HighWaterMark int
	MaxAttempts   int
	Backoff       Backoff
	// StallTimeout declares an active job abandoned (worker died mid-run).
	// A stalled job is re-queued once; stalling twice is a permanent failure,
	// which bounds the duplicate-delivery risk.
	StallTimeout time.Duration
	// Retention and MaxDone bound the completed/failed job history.
	Retention    time.Duration
	MaxDone      int
	PollInterval time.Duration
}

func DefaultConfig() Config {
	return Config{
		HighWaterMark: 10_000,
		MaxAttempts:   3,
		Backoff:       DefaultBackoff(),
		StallTimeout:  30 * time.Second,
		Retention:     10 * time.Minute,
		MaxDone:       10_000,
		PollInterval:  50 * time.Millisecond,
	}
}

// Handler executes one delivery attempt. A non-nil error schedules a
// backed-off retry until attempts run out.
type Handler func(ctx context.Context, job Job) error

// ExhaustedFunc is invoked exactly once when a job permanently fails,
// either by exhausting its attempts or by stalling twice.
type ExhaustedFunc func(job Job)

// Queue is the in-process admission-controlled work queue. State lives
// behind one mutex; the depth gauge is kept separately as an atomic so
// admission never has to contend with workers.
type Queue struct {
	cfg         Config
	log         *slog.Logger
	handler     Handler
	onExhausted ExhaustedFunc

	depth atomic.Int64

	mu    sync.Mutex
	jobs  map[uuid.UUID]*entry
	ready chan uuid.UUID

	now func() time.Time
}

func New(cfg Config, handler Handler, onExhausted ExhaustedFunc, log *slog.Logger) *Queue {
	return &Queue{
		cfg:         cfg,
		log:         log,
		handler:     handler,
		onExhausted: onExhausted,
		jobs:        make(map[uuid.UUID]*entry),
		ready:       make(chan uuid.UUID, cfg.HighWaterMark),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// Enqueue admits a delivery job or rejects it with ErrQueueSaturated.
// The job is validated up front; malformed work never enters the queue.
func (q *Queue) Enqueue(job Job) (uuid.UUID, error) {
	if err := job.Validate(); err != nil {
		return uuid.Nil, err
	}
	if q.depth.Load() >= int64(q.cfg.HighWaterMark) {
		return uuid.Nil, errors.ErrQueueSaturated
	}

	job.ID = uuid.New()
	if job.ScheduledAt.IsZero() {
		job.ScheduledAt = q.now()
	}

	q.mu.Lock()
	q.jobs[job.ID] = &entry{job: job, state: stateWaiting}
	q.mu.Unlock()
	q.depth.Add(1)

	return job.ID, nil
}

// CancelPair drops every waiting job for the (message, recipient) pair.
// Used when an ack lands early: the remaining work is pointless. Active
// jobs are left alone; their outcome is reconciled against the receipt.
func (q *Queue) CancelPair(messageID uuid.UUID, recipientID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	canceled := 0
	for id, e := range q.jobs {
		if e.state != stateWaiting {
			continue
		}
		if e.job.MessageID == messageID && e.job.RecipientID == recipientID {
			delete(q.jobs, id)
			q.depth.Add(-1)
			canceled++
		}
	}
	return canceled
}

// Admit reports whether n more jobs would fit under the high-water
// mark. Pure gauge read: nothing is reserved, so concurrent callers can
// jointly overshoot. That soft bound is deliberate.
func (q *Queue) Admit(n int) bool {
	return q.depth.Load()+int64(n) <= int64(q.cfg.HighWaterMark)
}

// Depth returns the current waiting+active gauge.
func (q *Queue) Depth() int {
	return int(q.depth.Load())
}

// Stats returns waiting, active and retained done counts.
func (q *Queue) Stats() (waiting, active, done int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, e := range q.jobs {
		switch e.state {
		case stateWaiting:
			waiting++
		case stateActive:
			active++
		default:
			done++
		}
	}
	return waiting, active, done
}

// dispatchDue pushes every due waiting job onto the ready channel.
func (q *Queue) dispatchDue(ctx context.Context) {
	now := q.now()

	q.mu.Lock()
	var due []uuid.UUID
	for id, e := range q.jobs {
		if e.state == stateWaiting && !e.dispatched && !e.job.ScheduledAt.After(now) {
			e.dispatched = true
			due = append(due, id)
		}
	}
	q.mu.Unlock()

	for _, id := range due {
		select {
		case <-ctx.Done():
			return
		case q.ready <- id:
		}
	}
}

// take claims a dispatched job for execution. The job may have been
// canceled while sitting in the ready channel; the second return value
// reports whether there is still work to do.
func (q *Queue) take(id uuid.UUID) (Job, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	e, ok := q.jobs[id]
	if !ok || e.state != stateWaiting {
		return Job{}, false
	}
	e.state = stateActive
	e.dispatched = false
	e.startedAt = q.now()
	return e.job, true
}

// run executes one attempt of the claimed job and records its outcome.
func (q *Queue) run(ctx context.Context, id uuid.UUID) {
	job, ok := q.take(id)
	if !ok {
		return
	}

	err := q.handler(ctx, job)

	q.mu.Lock()
	e, ok := q.jobs[id]
	if !ok || e.state != stateActive {
		// Reaped as stalled while the handler was still running. The
		// janitor already decided this job's fate; drop our outcome.
		q.mu.Unlock()
		return
	}

	if err == nil {
		e.state = stateCompleted
		e.doneAt = q.now()
		q.mu.Unlock()
		q.depth.Add(-1)
		return
	}

	attempt := e.job.AttemptCount
	e.job.AttemptCount++
	if e.job.AttemptCount >= q.cfg.MaxAttempts {
		q.failLocked(e)
		q.mu.Unlock()
		q.depth.Add(-1)
		q.log.Warn("Delivery job exhausted",
			"job_id", id, "message_id", job.MessageID, "recipient_id", job.RecipientID,
			"attempts", e.job.AttemptCount, "error", err)
		return
	}

	delay := q.cfg.Backoff.Delay(attempt)
	e.state = stateWaiting
	e.job.ScheduledAt = q.now().Add(delay)
	q.mu.Unlock()

	q.log.Debug("Delivery attempt failed, backing off",
		"job_id", id, "attempt", attempt, "delay", delay, "error", err)
}

// reapStalled re-queues active jobs stuck past the stall timeout.
// One stall is forgiven; a second one fails the job for good.
func (q *Queue) reapStalled() {
	now := q.now()
	var exhausted []Job

	q.mu.Lock()
	for id, e := range q.jobs {
		if e.state != stateActive || now.Sub(e.startedAt) < q.cfg.StallTimeout {
			continue
		}
		e.stallCount++
		if e.stallCount >= 2 {
			e.state = stateFailed
			e.doneAt = now
			q.depth.Add(-1)
			exhausted = append(exhausted, e.job)
			q.log.Warn("Delivery job stalled twice, failing permanently", "job_id", id)
			continue
		}
		e.state = stateWaiting
		e.job.ScheduledAt = now
		q.log.Warn("Delivery job stalled, re-queueing once", "job_id", id)
	}
	q.mu.Unlock()

	for _, job := range exhausted {
		if q.onExhausted != nil {
			q.onExhausted(job)
		}
	}
}

// failLocked marks the entry permanently failed. Caller holds the mutex
// and is responsible for the depth gauge; the exhausted callback runs
// outside the lock via a goroutine to keep lock scope tight.
func (q *Queue) failLocked(e *entry) {
	e.state = stateFailed
	e.doneAt = q.now()
	if q.onExhausted != nil {
		job := e.job
		go q.onExhausted(job)
	}
}

// prune drops completed/failed jobs past the retention window and trims
// the retained history down to MaxDone, oldest first.
func (q *Queue) prune() {
	now := q.now()

	q.mu.Lock()
	defer q.mu.Unlock()

	var done []*entry
	for id, e := range q.jobs {
		if e.state != stateCompleted && e.state != stateFailed {
			continue
		}
		if now.Sub(e.doneAt) > q.cfg.Retention {
			delete(q.jobs, id)
			continue
		}
		done = append(done, e)
	}

	if len(done) <= q.cfg.MaxDone {
		return
	}
	sort.Slice(done, func(i, j int) bool { return done[i].doneAt.Before(done[j].doneAt) })
	for _, e := range done[:len(done)-q.cfg.MaxDone] {
		delete(q.jobs, e.job.ID)
	}
}
