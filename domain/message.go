// Package domain contains core concepts of the chat system.
// This file defines Message entities and identifier rules.
// Messages are immutable once accepted by the pipeline.
package domain

import (
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"chat-relay/errors"
)

type RoomID int

// Message represents an immutable chat message accepted for delivery.
// Content holds the censored form once the moderation gate has run.
type Message struct {
	ID        uuid.UUID
	Room      RoomID
	SenderID  string
	Content   string
	CreatedAt time.Time
}

const maxUserIDLength = 64

// ValidUserID accepts the opaque identifiers issued by the account service:
// non-empty, bounded, printable, no surrounding whitespace.
func ValidUserID(id string) bool {
	if id == "" || len(id) > maxUserIDLength {
		return false
	}
	if strings.TrimSpace(id) != id {
		return false
	}
	return lo.EveryBy([]rune(id), func(r rune) bool {
		return unicode.IsPrint(r) && !unicode.IsSpace(r)
	})
}

func (m Message) Validate() error {
	if m.ID == uuid.Nil {
		return errors.ErrInvalidArgument
	}
	if m.Room <= 0 {
		return errors.ErrInvalidArgument
	}
	if !ValidUserID(m.SenderID) {
		return errors.ErrInvalidArgument
	}
	if m.Content == "" {
		return errors.ErrInvalidArgument
	}
	return nil
}
