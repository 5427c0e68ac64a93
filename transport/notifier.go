package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"chat-relay/contract"
)

var _ contract.Notifier = (*PublishNotifier)(nil)

// PublishNotifier pushes user notices (warnings, mute announcements)
// over the fan-out transport on a per-user channel. Fire-and-forget by
// contract: callers log the error and move on.
type PublishNotifier struct {
	publisher contract.Publisher
	log       *slog.Logger
}

func NewPublishNotifier(publisher contract.Publisher, log *slog.Logger) *PublishNotifier {
	return &PublishNotifier{publisher: publisher, log: log}
}

type noticePayload struct {
	Notice string `json:"notice"`
	At     string `json:"at"`
}

func (n *PublishNotifier) Notify(ctx context.Context, userID string, notice string) error {
	payload, err := json.Marshal(noticePayload{
		Notice: notice,
		At:     time.Now().UTC().Format(time.RFC3339),
	})
	if err != nil {
		return err
	}
	return n.publisher.Publish(ctx, fmt.Sprintf("notice:%s", userID), payload)
}
