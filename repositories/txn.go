package repositories

import (
	"hash/fnv"
	"math/rand"
	"sync"
	"time"
)

// Badger detects read-write conflicts optimistically, so concurrent
// writers of the same key collide instead of queueing. Hot-key
// mutations are therefore serialized through a striped lock before the
// transaction starts; the conflict-retry loop stays as a backstop for
// cross-stripe collisions and backs off with jitter so colliding
// writers spread out instead of re-colliding in lockstep.
const maxTxnRetries = 64

type stripedMutex struct {
	stripes [64]sync.Mutex
}

func (s *stripedMutex) of(key []byte) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write(key)
	return &s.stripes[h.Sum32()%uint32(len(s.stripes))]
}

func conflictBackoff(attempt int) {
	base := time.Duration(attempt+1) * 500 * time.Microsecond
	jitter := time.Duration(rand.Int63n(int64(time.Millisecond)))
	time.Sleep(base + jitter)
}
