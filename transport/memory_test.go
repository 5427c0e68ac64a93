package transport

import (
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/require"
)

func Test_ChannelPublisher_Fanout(t *testing.T) {
	req := require.New(t)
	publisher := NewChannelPublisher(4, slog.Default())
	ctx := context.Background()

	first := publisher.Subscribe("room:1")
	second := publisher.Subscribe("room:1")

	req.NoError(publisher.Publish(ctx, "room:1", []byte("hello")))
	req.Equal([]byte("hello"), <-first)
	req.Equal([]byte("hello"), <-second)

	// No subscriber is not an error; at-most-once means the payload is
	// simply gone.
	req.NoError(publisher.Publish(ctx, "room:2", []byte("void")))
}

func Test_ChannelPublisher_Drops_On_Full_Buffer(t *testing.T) {
	req := require.New(t)
	publisher := NewChannelPublisher(1, slog.Default())
	ctx := context.Background()

	slow := publisher.Subscribe("user:bob")
	req.NoError(publisher.Publish(ctx, "user:bob", []byte("one")))
	req.NoError(publisher.Publish(ctx, "user:bob", []byte("two")))

	req.Equal([]byte("one"), <-slow)
	select {
	case payload := <-slow:
		t.Fatalf("expected second payload to be dropped, got %q", payload)
	default:
	}
}

func Test_PublishNotifier_Targets_User_Channel(t *testing.T) {
	req := require.New(t)
	publisher := NewChannelPublisher(4, slog.Default())
	notifier := NewPublishNotifier(publisher, slog.Default())

	notices := publisher.Subscribe("notice:alice")
	req.NoError(notifier.Notify(context.Background(), "alice", "mind the rules"))

	var payload noticePayload
	req.NoError(json.Unmarshal(<-notices, &payload))
	req.Equal("mind the rules", payload.Notice)
	req.NotEmpty(payload.At)
}
