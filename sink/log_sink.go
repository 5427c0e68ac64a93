// Package sink holds event consumers attached to the fan-out worker.
package sink

import (
	"context"
	"log/slog"

	"chat-relay/contract"
	"chat-relay/domain/event"
)

var _ contract.EventSink = LogSink{}

// LogSink writes pipeline events to the structured log. It is the
// default observer wired in every deployment.
type LogSink struct {
	log *slog.Logger
}

func NewLogSink(log *slog.Logger) LogSink {
	return LogSink{log: log}
}

func (s LogSink) Consume(_ context.Context, e event.Event) error {
	switch evt := e.Payload.(type) {
	case event.MessageAccepted:
		s.log.Info("Message accepted",
			"message_id", evt.MessageID, "room", evt.Room,
			"sender", evt.SenderID, "recipients", evt.Recipients)
	case event.MessageFlagged:
		s.log.Warn("Message flagged for review",
			"message_id", evt.MessageID, "room", evt.Room,
			"sender", evt.SenderID, "score", evt.Score, "lang", evt.Lang)
	case event.UserWarned:
		s.log.Info("User warned", "user_id", evt.UserID, "room", evt.Room, "count", evt.Count)
	case event.UserMuted:
		s.log.Info("User muted",
			"user_id", evt.UserID, "room", evt.Room,
			"count", evt.Count, "until", evt.MutedUntil)
	case event.DeliveryAcked:
		s.log.Debug("Delivery acked",
			"message_id", evt.MessageID, "recipient_id", evt.RecipientID)
	case event.DeliveryExhausted:
		s.log.Warn("Delivery exhausted",
			"message_id", evt.MessageID, "recipient_id", evt.RecipientID,
			"attempts", evt.Attempts)
	case event.QueueDepth:
		s.log.Debug("Queue depth",
			"waiting", evt.Waiting, "active", evt.Active, "done", evt.Done)
	default:
		s.log.Debug("Unhandled event", "type", e.Type)
	}
	return nil
}
