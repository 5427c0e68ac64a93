package repositories

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chat-relay/domain"
	relayerrors "chat-relay/errors"
)

func Test_Get_Unknown_Receipt(t *testing.T) {
	req := require.New(t)
	repository := NewReceiptRepository(testDB(t), slog.Default())

	_, err := repository.Get(uuid.New(), "bob")
	req.ErrorIs(err, relayerrors.ErrReceiptNotFound)
}

func Test_Mutate_Creates_Pending_Receipt(t *testing.T) {
	req := require.New(t)
	repository := NewReceiptRepository(testDB(t), slog.Default())
	messageID := uuid.New()

	created, err := repository.Mutate(messageID, "bob", func(receipt *domain.DeliveryReceipt) {})
	req.NoError(err)
	req.Equal(domain.DeliveryPending, created.Status)
	req.Equal(0, created.AttemptCount)

	stored, err := repository.Get(messageID, "bob")
	req.NoError(err)
	req.Equal(created, stored)
}

func Test_Mutate_Round_Trips_Terminal_Fields(t *testing.T) {
	req := require.New(t)
	repository := NewReceiptRepository(testDB(t), slog.Default())
	messageID := uuid.New()
	deliveredAt := time.Now().UTC().Truncate(time.Microsecond)

	_, err := repository.Mutate(messageID, "bob", func(receipt *domain.DeliveryReceipt) {
		receipt.Status = domain.DeliveryDelivered
		receipt.AttemptCount = 2
		receipt.DeliveredAt = &deliveredAt
	})
	req.NoError(err)

	stored, err := repository.Get(messageID, "bob")
	req.NoError(err)
	req.Equal(domain.DeliveryDelivered, stored.Status)
	req.Equal(2, stored.AttemptCount)
	req.NotNil(stored.DeliveredAt)
	req.Equal(deliveredAt, *stored.DeliveredAt)
	req.Nil(stored.FailedAt)
}

func Test_List_And_Count_By_Status(t *testing.T) {
	req := require.New(t)
	repository := NewReceiptRepository(testDB(t), slog.Default())
	messageID := uuid.New()

	for _, recipient := range []string{"bob", "clara"} {
		_, err := repository.Mutate(messageID, recipient, func(receipt *domain.DeliveryReceipt) {})
		req.NoError(err)
	}
	_, err := repository.Mutate(messageID, "dave", func(receipt *domain.DeliveryReceipt) {
		receipt.Status = domain.DeliveryFailed
	})
	req.NoError(err)

	pending, err := repository.ListByStatus(domain.DeliveryPending)
	req.NoError(err)
	req.Len(pending, 2)

	counts, err := repository.CountByStatus()
	req.NoError(err)
	req.Equal(2, counts[domain.DeliveryPending])
	req.Equal(1, counts[domain.DeliveryFailed])
	req.Equal(0, counts[domain.DeliveryDelivered])
}

func Test_Concurrent_Mutations_Converge(t *testing.T) {
	req := require.New(t)
	repository := NewReceiptRepository(testDB(t), slog.Default())
	messageID := uuid.New()

	const writers = 10
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := repository.Mutate(messageID, "bob", func(receipt *domain.DeliveryReceipt) {
				receipt.AttemptCount++
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		req.NoError(err)
	}

	stored, err := repository.Get(messageID, "bob")
	req.NoError(err)
	req.Equal(writers, stored.AttemptCount)
}
