package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	relayerrors "chat-relay/errors"
	"chat-relay/moderation"
	"chat-relay/queue"
	"chat-relay/repositories"
	"chat-relay/runtime/workers"
	"chat-relay/transport"
)

type classifierFunc func(ctx context.Context, text string) (contract.Scores, error)

func (f classifierFunc) Score(ctx context.Context, text string) (contract.Scores, error) {
	return f(ctx, text)
}

type pipelineHarness struct {
	orchestrator *Orchestrator
	publisher    *transport.ChannelPublisher
	flags        repositories.FlagRepository
	violations   repositories.ViolationRepository
}

// newTestPipeline boots the full pipeline on a throwaway store with
// aggressive timings so retry rounds complete within the test budget.
func newTestPipeline(t *testing.T, classifier contract.Classifier, highWaterMark int) *pipelineHarness {
	req := require.New(t)
	db, err := badger.Open(badger.DefaultOptions(t.TempDir()).WithLoggingLevel(badger.ERROR))
	req.NoError(err)
	t.Cleanup(func() { _ = db.Close() })

	log := logs.GetLoggerFromLevel(slog.LevelWarn)
	publisher := transport.NewChannelPublisher(64, log)
	gate := moderation.NewGate(classifier, nil, moderation.DefaultThresholds(), time.Second, log)

	events := make(chan event.Event, 256)
	violations := repositories.NewViolationRepository(db, log)
	flags := repositories.NewFlagRepository(db, log)
	ledger := moderation.NewLedger(violations, nil, time.Hour, events, log)

	queueCfg := queue.DefaultConfig()
	queueCfg.HighWaterMark = highWaterMark
	queueCfg.Backoff = queue.Backoff{Base: 20 * time.Millisecond, Multiplier: 2, Cap: 200 * time.Millisecond}
	queueCfg.PollInterval = 10 * time.Millisecond
	queueCfg.StallTimeout = 2 * time.Second

	orchestrator := NewOrchestrator(
		log,
		workers.NewSupervisor(log, 10*time.Millisecond),
		NewRegistry(),
		repositories.NewMessageRepository(db, log, nil),
		repositories.NewReceiptRepository(db, log),
		flags,
		gate, ledger, publisher, events, queueCfg,
		Options{
			NumWorkers:        2,
			BufferSize:        64,
			SinkTimeout:       100 * time.Millisecond,
			SweepInterval:     20 * time.Millisecond,
			JanitorInterval:   50 * time.Millisecond,
			TelemetryInterval: time.Hour,
			MaxContentLength:  4096,
		})

	ctx, cancel := context.WithCancel(context.Background())
	orchestrator.Start(ctx)
	t.Cleanup(func() {
		orchestrator.Stop()
		cancel()
	})

	return &pipelineHarness{
		orchestrator: orchestrator,
		publisher:    publisher,
		flags:        flags,
		violations:   violations,
	}
}

func cleanClassifier() classifierFunc {
	return func(context.Context, string) (contract.Scores, error) {
		return contract.Scores{Toxicity: 0.1}, nil
	}
}

func receive(t *testing.T, ch <-chan []byte) []byte {
	t.Helper()
	select {
	case payload := <-ch:
		return payload
	case <-time.After(3 * time.Second):
		t.Fatal("no payload received")
		return nil
	}
}

func Test_Submit_Delivers_And_Tracks_Receipts(t *testing.T) {
	req := require.New(t)
	h := newTestPipeline(t, cleanClassifier(), 1000)
	ctx := context.Background()

	h.orchestrator.RegisterRoom(1, false)
	h.orchestrator.Subscribe("alice", 1)
	h.orchestrator.Subscribe("bob", 1)
	h.orchestrator.Subscribe("clara", 1)

	roomCh := h.publisher.Subscribe("room:1")
	bobCh := h.publisher.Subscribe("user:bob")

	messageID, err := h.orchestrator.SubmitMessage(ctx, 1, "alice", "hello everyone")
	req.NoError(err)
	req.NotEqual(uuid.Nil, messageID)

	// Real-time publish and per-recipient delivery both carry the message.
	var wire wireMessage
	req.NoError(json.Unmarshal(receive(t, roomCh), &wire))
	req.Equal(messageID.String(), wire.MessageID)
	req.Equal("hello everyone", wire.Content)

	req.NoError(json.Unmarshal(receive(t, bobCh), &wire))
	req.Equal(messageID.String(), wire.MessageID)

	// Bob confirms; his receipt is terminal immediately.
	req.NoError(h.orchestrator.AckDelivery(messageID, "bob"))
	status, err := h.orchestrator.DeliveryStatus(messageID, "bob")
	req.NoError(err)
	req.Equal(domain.DeliveryDelivered, status)

	// Clara never confirms: attempts run out and her receipt fails.
	req.Eventually(func() bool {
		status, err := h.orchestrator.DeliveryStatus(messageID, "clara")
		return err == nil && status == domain.DeliveryFailed
	}, 5*time.Second, 20*time.Millisecond)

	// The sender gets no receipt for their own message.
	_, err = h.orchestrator.DeliveryStatus(messageID, "alice")
	req.ErrorIs(err, relayerrors.ErrReceiptNotFound)

	// The message is in the room history regardless of delivery outcomes.
	messages, _, err := h.orchestrator.GetMessages(1, nil)
	req.NoError(err)
	req.Len(messages, 1)
	req.Equal("hello everyone", messages[0].Content)
}

func Test_Muted_Sender_Is_Rejected(t *testing.T) {
	req := require.New(t)
	h := newTestPipeline(t, cleanClassifier(), 1000)
	ctx := context.Background()

	h.orchestrator.RegisterRoom(1, false)
	h.orchestrator.Subscribe("alice", 1)
	req.NoError(h.violations.SetMute("alice", 1, time.Now().UTC().Add(time.Hour)))

	_, err := h.orchestrator.SubmitMessage(ctx, 1, "alice", "let me speak")
	req.ErrorIs(err, relayerrors.ErrMuted)

	messages, _, err := h.orchestrator.GetMessages(1, nil)
	req.NoError(err)
	req.Empty(messages)
}

func Test_Moderated_Room_Flags_And_Escalates(t *testing.T) {
	req := require.New(t)
	toxic := classifierFunc(func(context.Context, string) (contract.Scores, error) {
		return contract.Scores{Toxicity: 0.9}, nil
	})
	h := newTestPipeline(t, toxic, 1000)
	ctx := context.Background()

	h.orchestrator.RegisterRoom(1, true)
	h.orchestrator.Subscribe("alice", 1)
	h.orchestrator.Subscribe("bob", 1)

	// First violation: warned, message still goes through and is flagged.
	messageID, err := h.orchestrator.SubmitMessage(ctx, 1, "alice", "toxic rant")
	req.NoError(err)
	req.NotEqual(uuid.Nil, messageID)

	flags, err := h.flags.ListFlags()
	req.NoError(err)
	req.Len(flags, 1)
	req.Equal(messageID, flags[0].MessageID)
	req.Equal(0.9, flags[0].Score)

	record, err := h.violations.GetViolation("alice", domain.RoomID(1))
	req.NoError(err)
	req.Equal(1, record.Count)

	// Second violation mutes the sender.
	_, err = h.orchestrator.SubmitMessage(ctx, 1, "alice", "another rant")
	req.NoError(err)

	// The third submission bounces off the mute before moderation runs.
	_, err = h.orchestrator.SubmitMessage(ctx, 1, "alice", "still talking")
	req.ErrorIs(err, relayerrors.ErrMuted)

	messages, _, err := h.orchestrator.GetMessages(1, nil)
	req.NoError(err)
	req.Len(messages, 2)
}

func Test_Classifier_Outage_Fails_Open(t *testing.T) {
	req := require.New(t)
	broken := classifierFunc(func(context.Context, string) (contract.Scores, error) {
		return contract.Scores{}, fmt.Errorf("connection refused")
	})
	h := newTestPipeline(t, broken, 1000)
	ctx := context.Background()

	h.orchestrator.RegisterRoom(1, true)
	h.orchestrator.Subscribe("alice", 1)

	messageID, err := h.orchestrator.SubmitMessage(ctx, 1, "alice", "unscored message")
	req.NoError(err)
	req.NotEqual(uuid.Nil, messageID)

	// Fail open leaves no moderation traces behind.
	record, err := h.violations.GetViolation("alice", domain.RoomID(1))
	req.NoError(err)
	req.Equal(0, record.Count)

	flags, err := h.flags.ListFlags()
	req.NoError(err)
	req.Empty(flags)
}

func Test_Saturation_Surfaces_To_Caller(t *testing.T) {
	req := require.New(t)
	h := newTestPipeline(t, cleanClassifier(), 1)
	ctx := context.Background()

	h.orchestrator.RegisterRoom(1, false)
	for _, participant := range []string{"alice", "bob", "clara", "dave"} {
		h.orchestrator.Subscribe(participant, 1)
	}

	// The room's fan-out cannot fit under a high-water mark of one; the
	// submission is rejected before any side effect.
	_, err := h.orchestrator.SubmitMessage(ctx, 1, "alice", "too much")
	req.ErrorIs(err, relayerrors.ErrQueueSaturated)

	messages, _, err := h.orchestrator.GetMessages(1, nil)
	req.NoError(err)
	req.Empty(messages)
}

func Test_Submit_Validation(t *testing.T) {
	req := require.New(t)
	h := newTestPipeline(t, cleanClassifier(), 1000)
	ctx := context.Background()

	h.orchestrator.RegisterRoom(1, false)
	h.orchestrator.Subscribe("alice", 1)

	tests := []struct {
		name    string
		room    domain.RoomID
		sender  string
		content string
	}{
		{name: "Empty content", room: 1, sender: "alice", content: ""},
		{name: "Invalid room", room: 0, sender: "alice", content: "hello"},
		{name: "Empty sender", room: 1, sender: "", content: "hello"},
		{name: "Sender with spaces", room: 1, sender: "al ice", content: "hello"},
		{name: "Oversized content", room: 1, sender: "alice", content: strings.Repeat("a", 5000)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.orchestrator.SubmitMessage(ctx, tt.room, tt.sender, tt.content)
			require.ErrorIs(t, err, relayerrors.ErrInvalidArgument)
		})
	}

	messages, _, err := h.orchestrator.GetMessages(1, nil)
	req.NoError(err)
	req.Empty(messages)
}
