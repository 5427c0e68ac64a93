package delivery

import (
	"log/slog"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chat-relay/domain"
	"chat-relay/domain/event"
	relayerrors "chat-relay/errors"
	"chat-relay/queue"
	"chat-relay/repositories"
)

func newTestTracker(t *testing.T) (*Tracker, chan event.Event) {
	req := require.New(t)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })

	events := make(chan event.Event, 16)
	tracker := NewTracker(repositories.NewReceiptRepository(db, slog.Default()),
		3, queue.DefaultBackoff(), events, slog.Default())
	return tracker, events
}

func drainEvents(events chan event.Event) []event.Event {
	var out []event.Event
	for {
		select {
		case e := <-events:
			out = append(out, e)
		default:
			return out
		}
	}
}

func Test_Track_Creates_Pending_Receipt(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTestTracker(t)
	messageID := uuid.New()

	req.NoError(tracker.Track(messageID, "bob"))

	status, err := tracker.Status(messageID, "bob")
	req.NoError(err)
	req.Equal(domain.DeliveryPending, status)
}

func Test_Status_Unknown_Pair(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTestTracker(t)

	_, err := tracker.Status(uuid.New(), "bob")
	req.ErrorIs(err, relayerrors.ErrReceiptNotFound)
}

func Test_Ack_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	tracker, events := newTestTracker(t)
	messageID := uuid.New()

	cancels := 0
	tracker.SetCancelFunc(func(uuid.UUID, string) { cancels++ })

	req.NoError(tracker.Track(messageID, "bob"))
	req.NoError(tracker.Ack(messageID, "bob"))
	req.NoError(tracker.Ack(messageID, "bob"))

	status, err := tracker.Status(messageID, "bob")
	req.NoError(err)
	req.Equal(domain.DeliveryDelivered, status)

	// Queued work is canceled on every ack, but only the first transition
	// produces an event.
	req.Equal(2, cancels)
	acked := drainEvents(events)
	req.Len(acked, 1)
	req.IsType(event.DeliveryAcked{}, acked[0].Payload)
}

func Test_MarkFailed_Is_Idempotent(t *testing.T) {
	req := require.New(t)
	tracker, events := newTestTracker(t)
	messageID := uuid.New()

	// Queue exhaustion and the retry sweep can both decide to fail the
	// same pair; only the actual transition may produce an event.
	req.NoError(tracker.Track(messageID, "bob"))
	req.NoError(tracker.MarkFailed(messageID, "bob"))
	req.NoError(tracker.MarkFailed(messageID, "bob"))

	status, err := tracker.Status(messageID, "bob")
	req.NoError(err)
	req.Equal(domain.DeliveryFailed, status)

	exhausted := drainEvents(events)
	req.Len(exhausted, 1)
	req.IsType(event.DeliveryExhausted{}, exhausted[0].Payload)
}

func Test_Ack_Unknown_Pair_Creates_Nothing(t *testing.T) {
	req := require.New(t)
	tracker, events := newTestTracker(t)
	messageID := uuid.New()

	req.ErrorIs(tracker.Ack(messageID, "bob"), relayerrors.ErrReceiptNotFound)
	req.ErrorIs(tracker.MarkFailed(messageID, "bob"), relayerrors.ErrReceiptNotFound)

	// No receipt was fabricated on the way through.
	_, err := tracker.Status(messageID, "bob")
	req.ErrorIs(err, relayerrors.ErrReceiptNotFound)
	req.Empty(drainEvents(events))
}

func Test_Terminal_States_Are_Monotonic(t *testing.T) {
	req := require.New(t)
	tracker, events := newTestTracker(t)

	// An ack arriving after the failed transition does not resurrect the
	// receipt.
	failedFirst := uuid.New()
	req.NoError(tracker.Track(failedFirst, "bob"))
	req.NoError(tracker.MarkFailed(failedFirst, "bob"))
	req.NoError(tracker.Ack(failedFirst, "bob"))

	status, err := tracker.Status(failedFirst, "bob")
	req.NoError(err)
	req.Equal(domain.DeliveryFailed, status)

	// And a delivered receipt cannot be failed afterwards.
	ackedFirst := uuid.New()
	req.NoError(tracker.Track(ackedFirst, "bob"))
	req.NoError(tracker.Ack(ackedFirst, "bob"))
	req.NoError(tracker.MarkFailed(ackedFirst, "bob"))

	status, err = tracker.Status(ackedFirst, "bob")
	req.NoError(err)
	req.Equal(domain.DeliveryDelivered, status)

	var ackedEvents, exhaustedEvents int
	for _, e := range drainEvents(events) {
		switch e.Payload.(type) {
		case event.DeliveryAcked:
			ackedEvents++
		case event.DeliveryExhausted:
			exhaustedEvents++
		}
	}
	req.Equal(1, ackedEvents)
	req.Equal(1, exhaustedEvents)
}

func Test_ScheduleRetry_Books_Recheck(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTestTracker(t)
	messageID := uuid.New()

	now := time.Now().UTC()
	tracker.now = func() time.Time { return now }

	var retries []Retry
	tracker.SetRetryFunc(func(retry Retry) error {
		retries = append(retries, retry)
		return nil
	})

	req.NoError(tracker.Track(messageID, "bob"))
	req.NoError(tracker.ScheduleRetry(messageID, "bob", 0))
	req.Equal(1, tracker.PendingSchedules())

	// Not due before the attempt's backoff.
	tracker.ProcessPending()
	req.Empty(retries)

	now = now.Add(2*time.Second + time.Millisecond)
	tracker.ProcessPending()
	req.Len(retries, 1)
	req.Equal(Retry{MessageID: messageID, RecipientID: "bob", Attempt: 1}, retries[0])
	req.Equal(0, tracker.PendingSchedules())
}

func Test_ScheduleRetry_Past_Budget_Fails_Pair(t *testing.T) {
	req := require.New(t)
	tracker, events := newTestTracker(t)
	messageID := uuid.New()

	req.NoError(tracker.Track(messageID, "bob"))
	req.NoError(tracker.ScheduleRetry(messageID, "bob", 3))

	status, err := tracker.Status(messageID, "bob")
	req.NoError(err)
	req.Equal(domain.DeliveryFailed, status)
	req.Len(drainEvents(events), 1)
}

func Test_ProcessPending_Exhausts_After_Last_Attempt(t *testing.T) {
	req := require.New(t)
	tracker, events := newTestTracker(t)
	messageID := uuid.New()

	now := time.Now().UTC()
	tracker.now = func() time.Time { return now }
	tracker.SetRetryFunc(func(Retry) error {
		t.Fatal("exhausted pair must not be re-enqueued")
		return nil
	})

	req.NoError(tracker.Track(messageID, "bob"))
	req.NoError(tracker.ScheduleRetry(messageID, "bob", 2))

	now = now.Add(time.Minute)
	tracker.ProcessPending()

	status, err := tracker.Status(messageID, "bob")
	req.NoError(err)
	req.Equal(domain.DeliveryFailed, status)

	exhausted := drainEvents(events)
	req.Len(exhausted, 1)
	payload, ok := exhausted[0].Payload.(event.DeliveryExhausted)
	req.True(ok)
	req.Equal(3, payload.Attempts)
}

func Test_ProcessPending_Rebooks_On_Saturated_Queue(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTestTracker(t)
	messageID := uuid.New()

	now := time.Now().UTC()
	tracker.now = func() time.Time { return now }

	var retries []Retry
	tracker.SetRetryFunc(func(retry Retry) error {
		retries = append(retries, retry)
		if len(retries) == 1 {
			return relayerrors.ErrQueueSaturated
		}
		return nil
	})

	req.NoError(tracker.Track(messageID, "bob"))
	req.NoError(tracker.ScheduleRetry(messageID, "bob", 0))

	now = now.Add(time.Minute)
	tracker.ProcessPending()
	req.Len(retries, 1)
	req.Equal(1, tracker.PendingSchedules())

	// The rejected sweep did not burn the attempt: the retry re-runs with
	// the same index once capacity returns.
	now = now.Add(time.Minute)
	tracker.ProcessPending()
	req.Len(retries, 2)
	req.Equal(retries[0], retries[1])
	req.Equal(0, tracker.PendingSchedules())
}

func Test_Ack_Cancels_Booked_Retry(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTestTracker(t)
	messageID := uuid.New()

	tracker.SetRetryFunc(func(Retry) error {
		t.Fatal("acked pair must not be retried")
		return nil
	})

	req.NoError(tracker.Track(messageID, "bob"))
	req.NoError(tracker.ScheduleRetry(messageID, "bob", 0))
	req.NoError(tracker.Ack(messageID, "bob"))
	req.Equal(0, tracker.PendingSchedules())

	tracker.now = func() time.Time { return time.Now().UTC().Add(time.Hour) }
	tracker.ProcessPending()
}

func Test_ProcessPending_Skips_Vanished_Receipt(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTestTracker(t)

	tracker.SetRetryFunc(func(Retry) error {
		t.Fatal("vanished receipt must not be retried")
		return nil
	})

	// A schedule entry whose receipt was never persisted (crash between
	// booking and writing) is dropped quietly.
	key := pairKey{messageID: uuid.New(), recipientID: "bob"}
	tracker.mu.Lock()
	tracker.schedules[key] = schedule{at: time.Now().UTC().Add(-time.Second), attempt: 1}
	tracker.mu.Unlock()

	tracker.ProcessPending()
	req.Equal(0, tracker.PendingSchedules())
}

func Test_Pair_Validation(t *testing.T) {
	req := require.New(t)
	tracker, _ := newTestTracker(t)

	req.ErrorIs(tracker.Track(uuid.Nil, "bob"), relayerrors.ErrInvalidArgument)
	req.ErrorIs(tracker.Ack(uuid.New(), ""), relayerrors.ErrInvalidArgument)
	req.ErrorIs(tracker.MarkFailed(uuid.New(), "bo b"), relayerrors.ErrInvalidArgument)
	_, err := tracker.Status(uuid.Nil, "bob")
	req.ErrorIs(err, relayerrors.ErrInvalidArgument)
}
