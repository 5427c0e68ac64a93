//go:generate go run go.uber.org/mock/mockgen -source=message.go -destination=../mocks/mock_message_repository.go -package=mocks
package repositories

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	"github.com/samber/lo"

	"chat-relay/domain"
)

type IMessageRepository interface {
	StoreMessage(message domain.Message) error
	GetMessage(id uuid.UUID) (domain.Message, error)
	GetMessages(room domain.RoomID, cursor *string) ([]domain.Message, *string, error)
}

type MessageRepository struct {
	db            *badger.DB
	log           *slog.Logger
	limitMessages *int
}

func NewMessageRepository(db *badger.DB, log *slog.Logger, limitMessages *int) MessageRepository {
	return MessageRepository{db: db, log: log, limitMessages: limitMessages}
}

// messageRecord is the CBOR layout written to disk.
type messageRecord struct {
	ID       string `cbor:"1,keyasint"`
	Room     int64  `cbor:"2,keyasint"`
	SenderID string `cbor:"3,keyasint"`
	Content  string `cbor:"4,keyasint"`
	At       int64  `cbor:"5,keyasint"`
}

func messageKey(id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("msg:%s", id))
}

// roomIndexKey orders messages of a room chronologically: the 19-digit
// zero-padded nanosecond timestamp sorts lexicographically, and the UUID
// disambiguates two messages landing on the same nanosecond.
func roomIndexKey(room domain.RoomID, at time.Time, id uuid.UUID) []byte {
	return []byte(fmt.Sprintf("room:%d:%019d:%s", room, at.UnixNano(), id))
}

// StoreMessage persists a message under its identity key plus a room
// timeline index. Both keys are derived from immutable fields, so a
// replayed write (queue retry after a partial success) lands on the same
// keys and the operation stays idempotent by message ID.
func (m MessageRepository) StoreMessage(message domain.Message) error {
	bytes, err := cbor.Marshal(fromMessage(message))
	if err != nil {
		return err
	}
	return m.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(messageKey(message.ID), bytes); err != nil {
			return err
		}
		return txn.Set(roomIndexKey(message.Room, message.CreatedAt, message.ID), messageKey(message.ID))
	})
}

func (m MessageRepository) GetMessage(id uuid.UUID) (domain.Message, error) {
	var record messageRecord
	err := m.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(id))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return cbor.Unmarshal(value, &record)
		})
	})
	if err != nil {
		return domain.Message{}, err
	}
	return toMessage(record)
}

// GetMessages retrieves messages for a room using a reverse prefix scan
// over the timeline index, newest first. It stops once the configured
// limitMessages is reached and hands back an opaque cursor for the next
// page; a nil cursor means the scan is exhausted.
func (m MessageRepository) GetMessages(room domain.RoomID, cursor *string) ([]domain.Message, *string, error) {
	var ids []uuid.UUID
	var lastKey string
	truncated := false
	err := m.db.View(func(txn *badger.Txn) error {
		prefixStr := fmt.Sprintf("room:%d:", room)
		prefix := []byte(prefixStr)
		options := badger.DefaultIteratorOptions
		options.Reverse = true
		it := txn.NewIterator(options)
		defer it.Close()

		var seekKey []byte
		switch cursor {
		case nil:
			// Seek past the newest possible timestamp, then walk backwards.
			seekKey = append(prefix, []byte("9999999999999999999")...)
		default:
			seekKey = append(prefix, []byte(*cursor)...)
		}

		it.Seek(seekKey)
		if cursor != nil && it.ValidForPrefix(prefix) {
			it.Next()
		}

		for ; it.ValidForPrefix(prefix); it.Next() {
			if m.limitMessages != nil && len(ids) == *m.limitMessages {
				m.log.Debug(fmt.Sprintf("Maximum of %d messages reached", *m.limitMessages))
				truncated = true
				break
			}
			item := it.Item()
			lastKey = string(item.Key()[len(prefixStr):])
			err := item.Value(func(value []byte) error {
				id, err := uuid.Parse(string(value[len("msg:"):]))
				if err != nil {
					return err
				}
				ids = append(ids, id)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}

	var messages []domain.Message
	for _, id := range ids {
		message, err := m.GetMessage(id)
		if err != nil {
			return nil, nil, err
		}
		messages = append(messages, message)
	}
	if !truncated {
		return messages, nil, nil
	}
	return messages, lo.ToPtr(lastKey), nil
}

func fromMessage(message domain.Message) messageRecord {
	return messageRecord{
		ID:       message.ID.String(),
		Room:     int64(message.Room),
		SenderID: message.SenderID,
		Content:  message.Content,
		At:       message.CreatedAt.UnixNano(),
	}
}

func toMessage(record messageRecord) (domain.Message, error) {
	parsedID, err := uuid.Parse(record.ID)
	if err != nil {
		return domain.Message{}, err
	}
	return domain.Message{
		ID:        parsedID,
		Room:      domain.RoomID(record.Room),
		SenderID:  record.SenderID,
		Content:   record.Content,
		CreatedAt: time.Unix(0, record.At).UTC(),
	}, nil
}
