package repositories

import (
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"chat-relay/domain"
)

func Test_Store_And_List_Flags(t *testing.T) {
	req := require.New(t)
	repository := NewFlagRepository(testDB(t), slog.Default())
	at := time.Now().UTC().Truncate(time.Microsecond)

	flags := []Flag{
		{MessageID: uuid.New(), Room: domain.RoomID(1), SenderID: "alice", Score: 0.91, Lang: "en", At: at},
		{MessageID: uuid.New(), Room: domain.RoomID(2), SenderID: "bob", Score: 0.85, Lang: "fr", At: at.Add(time.Minute)},
	}
	for _, flag := range flags {
		req.NoError(repository.StoreFlag(flag))
	}

	stored, err := repository.ListFlags()
	req.NoError(err)
	req.Len(stored, 2)

	// The key embeds the timestamp, so the list comes back oldest first.
	req.Equal(flags[0], stored[0])
	req.Equal(flags[1], stored[1])
}
