package domain

import (
	"time"

	"github.com/google/uuid"
)

type DeliveryStatus string

const (
	DeliveryPending   DeliveryStatus = "pending"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// Terminal reports whether no further transition is defined out of s.
func (s DeliveryStatus) Terminal() bool {
	return s == DeliveryDelivered || s == DeliveryFailed
}

// DeliveryReceipt tracks confirmation of one message for one recipient.
// Status is monotonic: once delivered or failed it never changes.
type DeliveryReceipt struct {
	MessageID     uuid.UUID
	RecipientID   string
	Status        DeliveryStatus
	AttemptCount  int
	LastAttemptAt time.Time
	DeliveredAt   *time.Time
	FailedAt      *time.Time
}

func NewPendingReceipt(messageID uuid.UUID, recipientID string, now time.Time) DeliveryReceipt {
	return DeliveryReceipt{
		MessageID:     messageID,
		RecipientID:   recipientID,
		Status:        DeliveryPending,
		LastAttemptAt: now,
	}
}
