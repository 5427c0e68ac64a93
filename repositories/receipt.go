//go:generate go run go.uber.org/mock/mockgen -source=receipt.go -destination=../mocks/mock_receipt_repository.go -package=mocks
package repositories

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"chat-relay/domain"
	relayerrors "chat-relay/errors"
)

type IReceiptRepository interface {
	Get(messageID uuid.UUID, recipientID string) (domain.DeliveryReceipt, error)
	Mutate(messageID uuid.UUID, recipientID string, fn func(*domain.DeliveryReceipt)) (domain.DeliveryReceipt, error)
	ListByStatus(status domain.DeliveryStatus) ([]domain.DeliveryReceipt, error)
	CountByStatus() (map[domain.DeliveryStatus]int, error)
}

type ReceiptRepository struct {
	db    *badger.DB
	log   *slog.Logger
	locks *stripedMutex
}

func NewReceiptRepository(db *badger.DB, log *slog.Logger) ReceiptRepository {
	return ReceiptRepository{db: db, log: log, locks: &stripedMutex{}}
}

type receiptRecord struct {
	MessageID     string `cbor:"1,keyasint"`
	RecipientID   string `cbor:"2,keyasint"`
	Status        string `cbor:"3,keyasint"`
	AttemptCount  int    `cbor:"4,keyasint"`
	LastAttemptAt int64  `cbor:"5,keyasint"`
	DeliveredAt   *int64 `cbor:"6,keyasint,omitempty"`
	FailedAt      *int64 `cbor:"7,keyasint,omitempty"`
}

func receiptKey(messageID uuid.UUID, recipientID string) []byte {
	return []byte(fmt.Sprintf("rcpt:%s:%s", messageID, recipientID))
}

func (r ReceiptRepository) Get(messageID uuid.UUID, recipientID string) (domain.DeliveryReceipt, error) {
	var record receiptRecord
	err := r.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(receiptKey(messageID, recipientID))
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return cbor.Unmarshal(value, &record)
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return domain.DeliveryReceipt{}, relayerrors.ErrReceiptNotFound
	}
	if err != nil {
		return domain.DeliveryReceipt{}, err
	}
	return toReceipt(record)
}

// Mutate applies fn to the current receipt (a fresh pending one if none
// exists yet) inside a transaction. In-process mutators of the same pair
// are serialized up front; Badger's conflict detection plus the
// backed-off retry covers the rest, so no transition is ever lost
// between the ack path and the retry sweep.
func (r ReceiptRepository) Mutate(messageID uuid.UUID, recipientID string, fn func(*domain.DeliveryReceipt)) (domain.DeliveryReceipt, error) {
	key := receiptKey(messageID, recipientID)
	lock := r.locks.of(key)
	lock.Lock()
	defer lock.Unlock()

	var result domain.DeliveryReceipt
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err := r.db.Update(func(txn *badger.Txn) error {
			receipt := domain.NewPendingReceipt(messageID, recipientID, time.Now().UTC())
			item, err := txn.Get(key)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
				// First sight of this pair: fn starts from a pending receipt.
			case err != nil:
				return err
			default:
				var record receiptRecord
				if err := item.Value(func(value []byte) error {
					return cbor.Unmarshal(value, &record)
				}); err != nil {
					return err
				}
				if receipt, err = toReceipt(record); err != nil {
					return err
				}
			}

			fn(&receipt)
			result = receipt

			bytes, err := cbor.Marshal(fromReceipt(receipt))
			if err != nil {
				return err
			}
			return txn.Set(key, bytes)
		})
		if errors.Is(err, badger.ErrConflict) {
			r.log.Debug("Receipt write conflict, retrying",
				"message_id", messageID, "recipient_id", recipientID)
			conflictBackoff(attempt)
			continue
		}
		return result, err
	}
	return domain.DeliveryReceipt{}, fmt.Errorf("receipt mutation: too many conflicts for %s/%s", messageID, recipientID)
}

func (r ReceiptRepository) ListByStatus(status domain.DeliveryStatus) ([]domain.DeliveryReceipt, error) {
	var receipts []domain.DeliveryReceipt
	err := r.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("rcpt:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var record receiptRecord
			err := it.Item().Value(func(value []byte) error {
				return cbor.Unmarshal(value, &record)
			})
			if err != nil {
				return err
			}
			if domain.DeliveryStatus(record.Status) != status {
				continue
			}
			receipt, err := toReceipt(record)
			if err != nil {
				return err
			}
			receipts = append(receipts, receipt)
		}
		return nil
	})
	return receipts, err
}

func (r ReceiptRepository) CountByStatus() (map[domain.DeliveryStatus]int, error) {
	counts := make(map[domain.DeliveryStatus]int)
	err := r.db.View(func(txn *badger.Txn) error {
		options := badger.DefaultIteratorOptions
		it := txn.NewIterator(options)
		defer it.Close()
		prefix := []byte("rcpt:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var record receiptRecord
			err := it.Item().Value(func(value []byte) error {
				return cbor.Unmarshal(value, &record)
			})
			if err != nil {
				return err
			}
			counts[domain.DeliveryStatus(record.Status)]++
		}
		return nil
	})
	return counts, err
}

func fromReceipt(receipt domain.DeliveryReceipt) receiptRecord {
	record := receiptRecord{
		MessageID:     receipt.MessageID.String(),
		RecipientID:   receipt.RecipientID,
		Status:        string(receipt.Status),
		AttemptCount:  receipt.AttemptCount,
		LastAttemptAt: receipt.LastAttemptAt.UnixNano(),
	}
	if receipt.DeliveredAt != nil {
		delivered := receipt.DeliveredAt.UnixNano()
		record.DeliveredAt = &delivered
	}
	if receipt.FailedAt != nil {
		failed := receipt.FailedAt.UnixNano()
		record.FailedAt = &failed
	}
	return record
}

func toReceipt(record receiptRecord) (domain.DeliveryReceipt, error) {
	messageID, err := uuid.Parse(record.MessageID)
	if err != nil {
		return domain.DeliveryReceipt{}, err
	}
	receipt := domain.DeliveryReceipt{
		MessageID:     messageID,
		RecipientID:   record.RecipientID,
		Status:        domain.DeliveryStatus(record.Status),
		AttemptCount:  record.AttemptCount,
		LastAttemptAt: time.Unix(0, record.LastAttemptAt).UTC(),
	}
	if record.DeliveredAt != nil {
		delivered := time.Unix(0, *record.DeliveredAt).UTC()
		receipt.DeliveredAt = &delivered
	}
	if record.FailedAt != nil {
		failed := time.Unix(0, *record.FailedAt).UTC()
		receipt.FailedAt = &failed
	}
	return receipt, nil
}
