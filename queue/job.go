// Package queue implements the admission-controlled delivery queue:
// bounded intake with back-pressure rejection, worker-side retries with
// exponential backoff, stall detection and storage-bounded job history.
package queue

import (
	"time"

	"github.com/google/uuid"

	"chat-relay/domain"
	"chat-relay/errors"
)

// Job is one unit of delivery work: bring one message to one recipient.
// The schema is fixed and validated at enqueue time; the queue owns the
// job exclusively until it completes, permanently fails or is canceled.
type Job struct {
	ID           uuid.UUID
	MessageID    uuid.UUID
	Room         domain.RoomID
	RecipientID  string
	AttemptCount int
	ScheduledAt  time.Time
}

func (j Job) Validate() error {
	if j.MessageID == uuid.Nil {
		return errors.ErrInvalidArgument
	}
	if j.Room <= 0 {
		return errors.ErrInvalidArgument
	}
	if !domain.ValidUserID(j.RecipientID) {
		return errors.ErrInvalidArgument
	}
	if j.AttemptCount < 0 {
		return errors.ErrInvalidArgument
	}
	return nil
}

type state string

const (
	stateWaiting   state = "waiting"
	stateActive    state = "active"
	stateCompleted state = "completed"
	stateFailed    state = "failed"
)

// entry wraps a Job with the bookkeeping the queue needs. Only the queue
// touches entries, always under its mutex.
type entry struct {
	job        Job
	state      state
	dispatched bool
	stallCount int
	startedAt  time.Time
	doneAt     time.Time
}
