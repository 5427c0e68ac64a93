// Package delivery tracks per-recipient confirmation of delivered
// messages and drives the retry schedule for unconfirmed ones.
package delivery

import (
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/queue"
	"chat-relay/repositories"
)

type pairKey struct {
	messageID   uuid.UUID
	recipientID string
}

type schedule struct {
	at      time.Time
	attempt int
}

// Retry asks for one more delivery attempt of a still-unconfirmed pair.
// Attempt is the zero-based index of the attempt to run next.
type Retry struct {
	MessageID   uuid.UUID
	RecipientID string
	Attempt     int
}

// RetryFunc re-enqueues a delivery job. Returning an error (queue
// saturated) leaves the pair scheduled for a later sweep.
type RetryFunc func(retry Retry) error

// CancelFunc drops queued work for a pair once its ack arrived.
type CancelFunc func(messageID uuid.UUID, recipientID string)

// Tracker is the sole writer of delivery receipts. Receipts move
// pending -> delivered on ack and pending -> failed once attempts are
// exhausted; both states are terminal and never left again.
type Tracker struct {
	receipts    repositories.IReceiptRepository
	maxAttempts int
	backoff     queue.Backoff
	retry       RetryFunc
	cancel      CancelFunc
	events      chan<- event.Event
	log         *slog.Logger

	mu        sync.Mutex
	schedules map[pairKey]schedule

	now func() time.Time
}

func NewTracker(receipts repositories.IReceiptRepository, maxAttempts int, backoff queue.Backoff,
	events chan<- event.Event, log *slog.Logger) *Tracker {
	return &Tracker{
		receipts:    receipts,
		maxAttempts: maxAttempts,
		backoff:     backoff,
		events:      events,
		log:         log,
		schedules:   make(map[pairKey]schedule),
		now:         func() time.Time { return time.Now().UTC() },
	}
}

// SetRetryFunc and SetCancelFunc are wired by the orchestrator after the
// queue exists; the tracker and the queue reference each other at runtime
// but not at construction.
func (t *Tracker) SetRetryFunc(fn RetryFunc)   { t.retry = fn }
func (t *Tracker) SetCancelFunc(fn CancelFunc) { t.cancel = fn }

func validatePair(messageID uuid.UUID, recipientID string) error {
	if messageID == uuid.Nil || !domain.ValidUserID(recipientID) {
		return errors.ErrInvalidArgument
	}
	return nil
}

// Track creates (or re-affirms) a pending receipt for the pair.
// Terminal receipts are left untouched.
func (t *Tracker) Track(messageID uuid.UUID, recipientID string) error {
	if err := validatePair(messageID, recipientID); err != nil {
		return err
	}
	_, err := t.receipts.Mutate(messageID, recipientID, func(receipt *domain.DeliveryReceipt) {
		// A freshly created receipt is already pending; an existing one
		// keeps whatever state it reached.
	})
	return err
}

// Ack records the recipient's confirmation. Idempotent: re-acking a
// delivered pair is a no-op, and an ack arriving after the failed
// transition does not resurrect the receipt. Any scheduled retry and
// queued work for the pair is canceled. An ack for a pair that was
// never tracked is rejected with ErrReceiptNotFound rather than
// fabricating a receipt.
func (t *Tracker) Ack(messageID uuid.UUID, recipientID string) error {
	if err := validatePair(messageID, recipientID); err != nil {
		return err
	}
	if _, err := t.receipts.Get(messageID, recipientID); err != nil {
		return err
	}

	// transitioned is re-evaluated inside the closure because a conflict
	// retry re-runs it against fresher state.
	transitioned := false
	result, err := t.receipts.Mutate(messageID, recipientID, func(receipt *domain.DeliveryReceipt) {
		transitioned = !receipt.Status.Terminal()
		if !transitioned {
			return
		}
		now := t.now()
		receipt.Status = domain.DeliveryDelivered
		receipt.DeliveredAt = &now
	})
	if err != nil {
		return err
	}

	// Even when the ack lost the race against the failed transition, the
	// schedule entry is dead either way.
	t.dropSchedule(messageID, recipientID)
	if t.cancel != nil {
		t.cancel(messageID, recipientID)
	}

	if transitioned {
		t.emit(event.Domain(event.DeliveryAcked{MessageID: messageID, RecipientID: recipientID}))
	} else {
		t.log.Debug("Ack on terminal receipt ignored",
			"message_id", messageID, "recipient_id", recipientID, "status", result.Status)
	}
	return nil
}

// Status exposes the receipt state for the read path.
func (t *Tracker) Status(messageID uuid.UUID, recipientID string) (domain.DeliveryStatus, error) {
	if err := validatePair(messageID, recipientID); err != nil {
		return "", err
	}
	receipt, err := t.receipts.Get(messageID, recipientID)
	if err != nil {
		return "", err
	}
	return receipt.Status, nil
}

// ScheduleRetry records that attempt (zero-based index) has been sent
// and books a confirmation re-check after the backoff for that attempt.
// When the attempt index is already past the budget the pair fails now.
func (t *Tracker) ScheduleRetry(messageID uuid.UUID, recipientID string, attempt int) error {
	if err := validatePair(messageID, recipientID); err != nil {
		return err
	}
	if attempt >= t.maxAttempts {
		return t.MarkFailed(messageID, recipientID)
	}

	result, err := t.receipts.Mutate(messageID, recipientID, func(receipt *domain.DeliveryReceipt) {
		if receipt.Status.Terminal() {
			return
		}
		receipt.AttemptCount = attempt + 1
		receipt.LastAttemptAt = t.now()
	})
	if err != nil {
		return err
	}
	if result.Status.Terminal() {
		// The ack (or a failure) landed while the attempt was in flight.
		return nil
	}

	key := pairKey{messageID: messageID, recipientID: recipientID}
	t.mu.Lock()
	t.schedules[key] = schedule{at: t.now().Add(t.backoff.Delay(attempt)), attempt: attempt}
	t.mu.Unlock()
	return nil
}

// MarkFailed moves the pair to the terminal failed state. Delivered
// receipts win: failing an already-delivered pair is a no-op, and a
// second failure (queue exhaustion racing the sweep) does not emit a
// second event. Unknown pairs are rejected with ErrReceiptNotFound.
func (t *Tracker) MarkFailed(messageID uuid.UUID, recipientID string) error {
	if err := validatePair(messageID, recipientID); err != nil {
		return err
	}
	if _, err := t.receipts.Get(messageID, recipientID); err != nil {
		return err
	}

	transitioned := false
	result, err := t.receipts.Mutate(messageID, recipientID, func(receipt *domain.DeliveryReceipt) {
		transitioned = !receipt.Status.Terminal()
		if !transitioned {
			return
		}
		now := t.now()
		receipt.Status = domain.DeliveryFailed
		receipt.FailedAt = &now
	})
	if err != nil {
		return err
	}

	t.dropSchedule(messageID, recipientID)
	if transitioned {
		t.emit(event.Domain(event.DeliveryExhausted{
			MessageID:   messageID,
			RecipientID: recipientID,
			Attempts:    result.AttemptCount,
		}))
	}
	return nil
}

// ProcessPending sweeps due schedule entries: a pair that got its ack in
// the meantime is dropped, one with attempts left is re-enqueued, the
// rest are failed. A schedule entry whose receipt vanished is a no-op.
func (t *Tracker) ProcessPending() {
	now := t.now()

	t.mu.Lock()
	var due []Retry
	for key, s := range t.schedules {
		if s.at.After(now) {
			continue
		}
		delete(t.schedules, key)
		due = append(due, Retry{MessageID: key.messageID, RecipientID: key.recipientID, Attempt: s.attempt})
	}
	t.mu.Unlock()

	for _, d := range due {
		receipt, err := t.receipts.Get(d.MessageID, d.RecipientID)
		if err != nil {
			t.log.Debug("Skipping vanished receipt",
				"message_id", d.MessageID, "recipient_id", d.RecipientID, "error", err)
			continue
		}
		if receipt.Status.Terminal() {
			continue
		}

		next := d.Attempt + 1
		if next >= t.maxAttempts {
			if err := t.MarkFailed(d.MessageID, d.RecipientID); err != nil {
				t.log.Warn("Failed to mark receipt failed",
					"message_id", d.MessageID, "recipient_id", d.RecipientID, "error", err)
			}
			continue
		}

		if t.retry == nil {
			continue
		}
		if err := t.retry(Retry{MessageID: d.MessageID, RecipientID: d.RecipientID, Attempt: next}); err != nil {
			// Queue is saturated; keep the pair booked and try again on a
			// later sweep without burning an attempt.
			t.log.Warn("Retry enqueue rejected, rebooking",
				"message_id", d.MessageID, "recipient_id", d.RecipientID, "error", err)
			key := pairKey{messageID: d.MessageID, recipientID: d.RecipientID}
			t.mu.Lock()
			t.schedules[key] = schedule{at: now.Add(t.backoff.Delay(d.Attempt)), attempt: d.Attempt}
			t.mu.Unlock()
		}
	}
}

// PendingSchedules reports how many pairs are booked for a re-check.
func (t *Tracker) PendingSchedules() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.schedules)
}

func (t *Tracker) dropSchedule(messageID uuid.UUID, recipientID string) {
	t.mu.Lock()
	delete(t.schedules, pairKey{messageID: messageID, recipientID: recipientID})
	t.mu.Unlock()
}

func (t *Tracker) emit(e event.Event) {
	if t.events == nil {
		return
	}
	select {
	case t.events <- e:
	default:
		t.log.Debug("Delivery event lost")
	}
}
