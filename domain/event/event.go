// Package event defines the envelopes flowing through the pipeline's
// fan-out and telemetry channels. Events are observational: losing one
// must never affect message delivery.
package event

import (
	"time"

	"github.com/google/uuid"

	"chat-relay/domain"
)

type Type string

const (
	DomainType    Type = "DOMAIN"
	TechnicalType Type = "TECHNICAL"
)

type Event struct {
	Type      Type
	CreatedAt time.Time
	Payload   any
}

// MessageAccepted is emitted once a submission has been persisted.
type MessageAccepted struct {
	MessageID  uuid.UUID
	Room       domain.RoomID
	SenderID   string
	Recipients int
}

// MessageFlagged is emitted when content scores at or above the block
// threshold. The message is still persisted; reviewers pick it up later.
type MessageFlagged struct {
	MessageID uuid.UUID
	Room      domain.RoomID
	SenderID  string
	Score     float64
	Lang      string
}

type UserWarned struct {
	UserID string
	Room   domain.RoomID
	Count  int
}

type UserMuted struct {
	UserID     string
	Room       domain.RoomID
	Count      int
	MutedUntil time.Time
}

type DeliveryAcked struct {
	MessageID   uuid.UUID
	RecipientID string
}

// DeliveryExhausted is emitted when a receipt reaches the terminal
// failed state. It is never surfaced as an error to the submitter.
type DeliveryExhausted struct {
	MessageID   uuid.UUID
	RecipientID string
	Attempts    int
}

// QueueDepth is a sampled telemetry reading of the delivery queue.
type QueueDepth struct {
	Waiting int
	Active  int
	Done    int
}

type Handler interface {
	Handle(e Event)
}

func Domain(payload any) Event {
	return Event{Type: DomainType, CreatedAt: time.Now().UTC(), Payload: payload}
}

func Technical(payload any) Event {
	return Event{Type: TechnicalType, CreatedAt: time.Now().UTC(), Payload: payload}
}
