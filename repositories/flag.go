package repositories

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"

	"chat-relay/domain"
)

// Flag marks a persisted message for human review. Flagged content is
// never blocked; reviewers work through these records asynchronously.
type Flag struct {
	MessageID uuid.UUID
	Room      domain.RoomID
	SenderID  string
	Score     float64
	Lang      string
	At        time.Time
}

type IFlagRepository interface {
	StoreFlag(flag Flag) error
	ListFlags() ([]Flag, error)
}

type FlagRepository struct {
	db  *badger.DB
	log *slog.Logger
}

func NewFlagRepository(db *badger.DB, log *slog.Logger) FlagRepository {
	return FlagRepository{db: db, log: log}
}

type flagRecord struct {
	MessageID string  `cbor:"1,keyasint"`
	Room      int64   `cbor:"2,keyasint"`
	SenderID  string  `cbor:"3,keyasint"`
	Score     float64 `cbor:"4,keyasint"`
	Lang      string  `cbor:"5,keyasint"`
	At        int64   `cbor:"6,keyasint"`
}

func (f FlagRepository) StoreFlag(flag Flag) error {
	key := fmt.Sprintf("flag:%019d:%s", flag.At.UnixNano(), flag.MessageID)
	bytes, err := cbor.Marshal(flagRecord{
		MessageID: flag.MessageID.String(),
		Room:      int64(flag.Room),
		SenderID:  flag.SenderID,
		Score:     flag.Score,
		Lang:      flag.Lang,
		At:        flag.At.UnixNano(),
	})
	if err != nil {
		return err
	}
	return f.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), bytes)
	})
}

func (f FlagRepository) ListFlags() ([]Flag, error) {
	var flags []Flag
	err := f.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := []byte("flag:")
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var record flagRecord
			err := it.Item().Value(func(value []byte) error {
				return cbor.Unmarshal(value, &record)
			})
			if err != nil {
				return err
			}
			messageID, err := uuid.Parse(record.MessageID)
			if err != nil {
				return err
			}
			flags = append(flags, Flag{
				MessageID: messageID,
				Room:      domain.RoomID(record.Room),
				SenderID:  record.SenderID,
				Score:     record.Score,
				Lang:      record.Lang,
				At:        time.Unix(0, record.At).UTC(),
			})
		}
		return nil
	})
	return flags, err
}
