package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"chat-relay/contract"
	"chat-relay/delivery"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/errors"
	"chat-relay/moderation"
	"chat-relay/queue"
	"chat-relay/repositories"
	"chat-relay/runtime/workers"
	"chat-relay/sink"
)

var validate = validator.New()

type Options struct {
	NumWorkers        int
	BufferSize        int
	SinkTimeout       time.Duration
	SweepInterval     time.Duration
	JanitorInterval   time.Duration
	TelemetryInterval time.Duration
	MaxContentLength  int
}

// Orchestrator sequences one submitted message through the pipeline:
// admission, mute check, moderation gate, persistence, delivery fan-out
// and the best-effort real-time publish.
type Orchestrator struct {
	log        *slog.Logger
	supervisor contract.ISupervisor
	registry   *Registry
	messages   repositories.IMessageRepository
	receipts   repositories.IReceiptRepository
	flags      repositories.IFlagRepository
	gate       *moderation.Gate
	ledger     *moderation.Ledger
	publisher  contract.Publisher
	queue      *queue.Queue
	tracker    *delivery.Tracker
	events     chan event.Event
	opts       Options
}

func NewOrchestrator(
	log *slog.Logger,
	supervisor contract.ISupervisor,
	registry *Registry,
	messages repositories.IMessageRepository,
	receipts repositories.IReceiptRepository,
	flags repositories.IFlagRepository,
	gate *moderation.Gate,
	ledger *moderation.Ledger,
	publisher contract.Publisher,
	events chan event.Event,
	queueCfg queue.Config,
	opts Options,
) *Orchestrator {
	if events == nil {
		events = make(chan event.Event, opts.BufferSize)
	}
	o := &Orchestrator{
		log:        log,
		supervisor: supervisor,
		registry:   registry,
		messages:   messages,
		receipts:   receipts,
		flags:      flags,
		gate:       gate,
		ledger:     ledger,
		publisher:  publisher,
		events:     events,
		opts:       opts,
	}

	o.queue = queue.New(queueCfg, o.deliverJob, o.onExhausted, log)
	o.tracker = delivery.NewTracker(receipts, queueCfg.MaxAttempts, queueCfg.Backoff, o.events, log)
	o.tracker.SetRetryFunc(o.enqueueRetry)
	o.tracker.SetCancelFunc(func(messageID uuid.UUID, recipientID string) {
		o.queue.CancelPair(messageID, recipientID)
	})
	return o
}

// Events exposes the pipeline event channel so callers (ledger wiring,
// extra sinks) can share it.
func (o *Orchestrator) Events() chan event.Event { return o.events }

func (o *Orchestrator) Queue() *queue.Queue        { return o.queue }
func (o *Orchestrator) Tracker() *delivery.Tracker { return o.tracker }

func (o *Orchestrator) RegisterRoom(roomID domain.RoomID, moderated bool) {
	o.registry.RegisterRoom(roomID, moderated)
}

func (o *Orchestrator) Subscribe(participantID string, roomID domain.RoomID) {
	o.registry.Subscribe(participantID, roomID)
}

func (o *Orchestrator) Unsubscribe(participantID string, roomID domain.RoomID) {
	o.registry.Unsubscribe(participantID, roomID)
}

type submission struct {
	Room     int    `validate:"required,gt=0"`
	SenderID string `validate:"required,max=64"`
	Content  string `validate:"required"`
}

// SubmitMessage runs the ingress path for one message.
//
// The mute check is the only gate that rejects outright; moderation
// escalates the sender but never drops content. Queue saturation and
// persistence failures surface to the caller, classifier trouble never
// does.
func (o *Orchestrator) SubmitMessage(ctx context.Context, roomID domain.RoomID, senderID, content string) (uuid.UUID, error) {
	if err := validate.Struct(submission{Room: int(roomID), SenderID: senderID, Content: content}); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", errors.ErrInvalidArgument, err)
	}
	if !domain.ValidUserID(senderID) {
		return uuid.Nil, errors.ErrInvalidArgument
	}
	if o.opts.MaxContentLength > 0 && len(content) > o.opts.MaxContentLength {
		return uuid.Nil, errors.ErrInvalidArgument
	}

	muted, err := o.ledger.IsMuted(senderID, roomID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", errors.ErrPersistenceFailure, err)
	}
	if muted {
		return uuid.Nil, errors.ErrMuted
	}

	// Admission is checked up front, before any side effect, so a caller
	// hitting back-pressure can retry the whole submission safely. The
	// gauge read is soft; a residual race during fan-out is deferred to
	// the retry sweep instead of failing a half-done submission.
	if !o.queue.Admit(len(o.registry.Recipients(roomID))) {
		return uuid.Nil, errors.ErrQueueSaturated
	}

	message := domain.Message{
		ID:        uuid.New(),
		Room:      roomID,
		SenderID:  senderID,
		Content:   content,
		CreatedAt: time.Now().UTC(),
	}

	if o.registry.Moderated(roomID) {
		message.Content = o.moderate(ctx, message)
	}

	if err := o.messages.StoreMessage(message); err != nil {
		return uuid.Nil, fmt.Errorf("%w: %w", errors.ErrPersistenceFailure, err)
	}

	recipients := o.fanout(message)

	// Real-time publish is best-effort: a failure here is compensated by
	// the delivery queue, not retried synchronously.
	if err := o.publishMessage(ctx, message); err != nil {
		o.log.Warn("Real-time publish failed",
			"message_id", message.ID, "room", roomID, "error", err)
	}

	o.emit(event.Domain(event.MessageAccepted{
		MessageID:  message.ID,
		Room:       roomID,
		SenderID:   senderID,
		Recipients: recipients,
	}))
	return message.ID, nil
}

// moderate runs the gate and the escalation bookkeeping, returning the
// censored content to persist. Moderation-side storage failures are
// logged, never allowed to block the submission.
func (o *Orchestrator) moderate(ctx context.Context, message domain.Message) string {
	verdict := o.gate.Review(ctx, message.Room, message.SenderID, message.Content)

	if verdict.Violation {
		// Increments are serialized per key in the repository, so an error
		// here means the store itself is failing. The submission still goes
		// through (moderation bookkeeping must not block content), but the
		// undercounted ledger is a loud problem, not a warning.
		if _, err := o.ledger.RecordViolation(ctx, message.SenderID, message.Room); err != nil {
			o.log.Error("Violation increment lost, ledger undercounts the sender",
				"user_id", message.SenderID, "room", message.Room, "error", err)
		}
	}
	if verdict.Flagged {
		flag := repositories.Flag{
			MessageID: message.ID,
			Room:      message.Room,
			SenderID:  message.SenderID,
			Score:     verdict.Score,
			Lang:      verdict.Lang,
			At:        message.CreatedAt,
		}
		if err := o.flags.StoreFlag(flag); err != nil {
			o.log.Warn("Failed to store review flag", "message_id", message.ID, "error", err)
		}
		o.emit(event.Domain(event.MessageFlagged{
			MessageID: message.ID,
			Room:      message.Room,
			SenderID:  message.SenderID,
			Score:     verdict.Score,
			Lang:      verdict.Lang,
		}))
	}
	return verdict.Content
}

// fanout books one delivery job and one pending receipt per subscriber.
// The sender does not get a receipt for their own message. A saturated
// queue mid-fanout leaves the remaining recipients to the retry sweep:
// their receipts exist and the sweep re-enqueues once capacity returns.
func (o *Orchestrator) fanout(message domain.Message) int {
	recipients := 0
	for _, recipientID := range o.registry.Recipients(message.Room) {
		if recipientID == message.SenderID {
			continue
		}
		if err := o.tracker.Track(message.ID, recipientID); err != nil {
			o.log.Warn("Failed to track receipt",
				"message_id", message.ID, "recipient_id", recipientID, "error", err)
			continue
		}
		recipients++

		_, err := o.queue.Enqueue(queue.Job{
			MessageID:   message.ID,
			Room:        message.Room,
			RecipientID: recipientID,
		})
		if err != nil {
			o.log.Warn("Delivery enqueue rejected, deferring to sweep",
				"message_id", message.ID, "recipient_id", recipientID, "error", err)
			// Book the pair so the sweep picks it up as attempt 0.
			if err := o.tracker.ScheduleRetry(message.ID, recipientID, 0); err != nil {
				o.log.Warn("Failed to book retry",
					"message_id", message.ID, "recipient_id", recipientID, "error", err)
			}
		}
	}
	return recipients
}

// AckDelivery records a recipient's confirmation and cancels any
// scheduled retry for the pair.
func (o *Orchestrator) AckDelivery(messageID uuid.UUID, recipientID string) error {
	return o.tracker.Ack(messageID, recipientID)
}

// DeliveryStatus reads the per-recipient outcome. Delivery failures are
// only ever visible here, never as a synchronous error.
func (o *Orchestrator) DeliveryStatus(messageID uuid.UUID, recipientID string) (domain.DeliveryStatus, error) {
	return o.tracker.Status(messageID, recipientID)
}

// GetMessages pages through a room's history, newest first.
func (o *Orchestrator) GetMessages(roomID domain.RoomID, cursor *string) ([]domain.Message, *string, error) {
	return o.messages.GetMessages(roomID, cursor)
}

// Enqueue surfaces the queue to callers that submit raw delivery work.
func (o *Orchestrator) Enqueue(job queue.Job) (uuid.UUID, error) {
	return o.queue.Enqueue(job)
}

// wireMessage is the payload shape pushed over the fan-out transport.
type wireMessage struct {
	MessageID string `json:"messageId"`
	Room      int    `json:"room"`
	SenderID  string `json:"senderId"`
	Content   string `json:"content"`
	At        string `json:"at"`
}

func toWireMessage(message domain.Message) wireMessage {
	return wireMessage{
		MessageID: message.ID.String(),
		Room:      int(message.Room),
		SenderID:  message.SenderID,
		Content:   message.Content,
		At:        message.CreatedAt.Format(time.RFC3339Nano),
	}
}

func (o *Orchestrator) publishMessage(ctx context.Context, message domain.Message) error {
	payload, err := json.Marshal(toWireMessage(message))
	if err != nil {
		return err
	}
	return o.publisher.Publish(ctx, fmt.Sprintf("room:%d", message.Room), payload)
}

// deliverJob executes one delivery attempt: load the message, push it to
// the recipient's channel and book the confirmation re-check. A non-nil
// error sends the job through the queue's backoff.
func (o *Orchestrator) deliverJob(ctx context.Context, job queue.Job) error {
	message, err := o.messages.GetMessage(job.MessageID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(toWireMessage(message))
	if err != nil {
		return err
	}
	if err := o.publisher.Publish(ctx, fmt.Sprintf("user:%s", job.RecipientID), payload); err != nil {
		return err
	}
	return o.tracker.ScheduleRetry(job.MessageID, job.RecipientID, job.AttemptCount)
}

// onExhausted is the queue's terminal-failure hook.
func (o *Orchestrator) onExhausted(job queue.Job) {
	if err := o.tracker.MarkFailed(job.MessageID, job.RecipientID); err != nil {
		o.log.Warn("Failed to mark exhausted delivery",
			"message_id", job.MessageID, "recipient_id", job.RecipientID, "error", err)
	}
}

// enqueueRetry is the tracker's hook for re-running an unconfirmed pair.
func (o *Orchestrator) enqueueRetry(retry delivery.Retry) error {
	message, err := o.messages.GetMessage(retry.MessageID)
	if err != nil {
		return err
	}
	_, err = o.queue.Enqueue(queue.Job{
		MessageID:    retry.MessageID,
		Room:         message.Room,
		RecipientID:  retry.RecipientID,
		AttemptCount: retry.Attempt,
	})
	return err
}

// Start registers all supervised workers and launches the supervisor.
func (o *Orchestrator) Start(ctx context.Context) {
	o.supervisor.Add(queue.NewDispatcher(o.queue, o.log))
	for i := 0; i < o.opts.NumWorkers; i++ {
		o.supervisor.Add(queue.NewRunner(o.queue, o.log))
	}
	o.supervisor.Add(queue.NewJanitor(o.queue, o.opts.JanitorInterval, o.log))
	o.supervisor.Add(workers.NewDeliveryRetryWorker(o.tracker, o.opts.SweepInterval, o.log))
	o.supervisor.Add(workers.NewEventFanout(o.log, o.events,
		[]contract.EventSink{sink.NewLogSink(o.log)}, o.opts.SinkTimeout))
	o.supervisor.Add(workers.NewTelemetryWorker(o.log, o.queue, o.tracker,
		o.receipts, o.events, o.opts.TelemetryInterval))

	o.log.Info("Starting orchestrator and all supervised workers")
	go o.supervisor.Run(ctx)
}

// Stop initiates a graceful shutdown; supervised workers drain and exit.
func (o *Orchestrator) Stop() {
	o.log.Info("Requesting orchestrator shutdown")
	o.supervisor.Stop()
}

func (o *Orchestrator) emit(e event.Event) {
	select {
	case o.events <- e:
	default:
		o.log.Debug("Pipeline event lost")
	}
}
