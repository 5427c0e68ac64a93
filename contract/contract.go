//go:generate go run go.uber.org/mock/mockgen -source=contract.go -destination=../mocks/mock_contract.go -package=mocks
package contract

import (
	"context"
	"reflect"

	"chat-relay/domain/event"
)

// Worker doesn't protect itself
// Can be silly, focused
type Worker interface {
	Run(ctx context.Context) error
}

type ISupervisor interface {
	Add(worker ...Worker) ISupervisor
	Run(ctx context.Context)
	Start(ctx context.Context, worker Worker)
	Stop()
}

// GetWorkerName uses reflection to retrieve the type name of the worker.
// This is used for logging and supervision purposes during worker initialization
// or lifecycle events, avoiding the need for manual naming in the Worker interface.
func GetWorkerName(w Worker) string {
	if w == nil {
		return "NilWorker"
	}
	t := reflect.TypeOf(w)
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Name()
}

// Publisher is the real-time fan-out transport. Publish is best-effort,
// at-most-once: a lost payload is compensated by the delivery queue,
// never retried synchronously.
type Publisher interface {
	Publish(ctx context.Context, channel string, payload []byte) error
}

// Scores is a classifier verdict. Toxicity is the primary signal;
// Subscores carry model-specific detail (insult, threat, ...).
type Scores struct {
	Toxicity  float64
	Subscores map[string]float64
}

// Classifier scores raw content for toxicity. Implementations are
// treated as unreliable: callers bound them with a context deadline
// and fail open when they error out.
type Classifier interface {
	Score(ctx context.Context, text string) (Scores, error)
}

// Notifier delivers user-facing notices (warnings, mute announcements).
// Fire-and-forget: errors are logged by callers, never propagated.
type Notifier interface {
	Notify(ctx context.Context, userID string, notice string) error
}

type EventSink interface {
	Consume(ctx context.Context, e event.Event) error
}
