//go:generate go run go.uber.org/mock/mockgen -source=violation.go -destination=../mocks/mock_violation_repository.go -package=mocks
package repositories

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"

	"chat-relay/domain"
)

type IViolationRepository interface {
	IncrementViolation(userID string, room domain.RoomID, at time.Time) (domain.ViolationRecord, error)
	GetViolation(userID string, room domain.RoomID) (domain.ViolationRecord, error)
	SetMute(userID string, room domain.RoomID, until time.Time) error
	GetMute(userID string, room domain.RoomID, now time.Time) (*domain.MuteRecord, error)
	ListViolations() ([]domain.ViolationRecord, error)
}

// ViolationRepository is the sole writer of violation and mute records.
type ViolationRepository struct {
	db    *badger.DB
	log   *slog.Logger
	locks *stripedMutex
}

func NewViolationRepository(db *badger.DB, log *slog.Logger) ViolationRepository {
	return ViolationRepository{db: db, log: log, locks: &stripedMutex{}}
}

type violationRecord struct {
	UserID          string `cbor:"1,keyasint"`
	Room            int64  `cbor:"2,keyasint"`
	Count           int    `cbor:"3,keyasint"`
	LastViolationAt int64  `cbor:"4,keyasint"`
}

type muteRecord struct {
	UserID     string `cbor:"1,keyasint"`
	Room       int64  `cbor:"2,keyasint"`
	MutedUntil int64  `cbor:"3,keyasint"`
}

func violationKey(userID string, room domain.RoomID) []byte {
	return []byte(fmt.Sprintf("viol:%d:%s", room, userID))
}

func muteKey(userID string, room domain.RoomID) []byte {
	return []byte(fmt.Sprintf("mute:%d:%s", room, userID))
}

// IncrementViolation adds exactly one to the (user, room) counter.
// The read-modify-write runs inside a Badger transaction. In-process
// writers of the same key are serialized up front so they cannot
// conflict each other away; a losing transaction is retried with
// backoff, and no update is ever dropped.
func (v ViolationRepository) IncrementViolation(userID string, room domain.RoomID, at time.Time) (domain.ViolationRecord, error) {
	key := violationKey(userID, room)
	lock := v.locks.of(key)
	lock.Lock()
	defer lock.Unlock()

	var result domain.ViolationRecord
	for attempt := 0; attempt < maxTxnRetries; attempt++ {
		err := v.db.Update(func(txn *badger.Txn) error {
			record := violationRecord{UserID: userID, Room: int64(room)}
			item, err := txn.Get(key)
			switch {
			case errors.Is(err, badger.ErrKeyNotFound):
			case err != nil:
				return err
			default:
				if err := item.Value(func(value []byte) error {
					return cbor.Unmarshal(value, &record)
				}); err != nil {
					return err
				}
			}

			record.Count++
			record.LastViolationAt = at.UnixNano()
			result = toViolation(record)

			bytes, err := cbor.Marshal(record)
			if err != nil {
				return err
			}
			return txn.Set(key, bytes)
		})
		if errors.Is(err, badger.ErrConflict) {
			v.log.Debug("Violation increment conflict, retrying", "user_id", userID, "room", room)
			conflictBackoff(attempt)
			continue
		}
		if err != nil {
			return domain.ViolationRecord{}, err
		}
		return result, nil
	}
	return domain.ViolationRecord{}, fmt.Errorf("violation increment: too many conflicts for %s in room %d", userID, room)
}

func (v ViolationRepository) GetViolation(userID string, room domain.RoomID) (domain.ViolationRecord, error) {
	record := violationRecord{UserID: userID, Room: int64(room)}
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(violationKey(userID, room))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(value []byte) error {
			return cbor.Unmarshal(value, &record)
		})
	})
	if err != nil {
		return domain.ViolationRecord{}, err
	}
	return toViolation(record), nil
}

func (v ViolationRepository) SetMute(userID string, room domain.RoomID, until time.Time) error {
	bytes, err := cbor.Marshal(muteRecord{
		UserID:     userID,
		Room:       int64(room),
		MutedUntil: until.UnixNano(),
	})
	if err != nil {
		return err
	}
	return v.db.Update(func(txn *badger.Txn) error {
		return txn.Set(muteKey(userID, room), bytes)
	})
}

// GetMute returns the active mute for (user, room), or nil when there is
// none. An expired record is deleted on the spot: expiry is self-healing
// and needs no sweep job for correctness.
func (v ViolationRepository) GetMute(userID string, room domain.RoomID, now time.Time) (*domain.MuteRecord, error) {
	key := muteKey(userID, room)
	var record muteRecord
	found := false

	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return item.Value(func(value []byte) error {
			return cbor.Unmarshal(value, &record)
		})
	})
	if err != nil || !found {
		return nil, err
	}

	mute := domain.MuteRecord{
		UserID:     record.UserID,
		Room:       domain.RoomID(record.Room),
		MutedUntil: time.Unix(0, record.MutedUntil).UTC(),
	}
	if mute.Active(now) {
		return &mute, nil
	}

	// Lazy cleanup. A failure here only delays storage hygiene, it never
	// blocks the caller: the record is already known to be expired.
	if err := v.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(key)
	}); err != nil {
		v.log.Warn("Failed to delete expired mute", "user_id", userID, "room", room, "error", err)
	}
	return nil, nil
}

func (v ViolationRepository) ListViolations() ([]domain.ViolationRecord, error) {
	var records []domain.ViolationRecord
	err := v.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("viol:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var record violationRecord
			err := it.Item().Value(func(value []byte) error {
				return cbor.Unmarshal(value, &record)
			})
			if err != nil {
				return err
			}
			records = append(records, toViolation(record))
		}
		return nil
	})
	return records, err
}

func toViolation(record violationRecord) domain.ViolationRecord {
	violation := domain.ViolationRecord{
		UserID: record.UserID,
		Room:   domain.RoomID(record.Room),
		Count:  record.Count,
	}
	if record.LastViolationAt != 0 {
		violation.LastViolationAt = time.Unix(0, record.LastViolationAt).UTC()
	}
	return violation
}
