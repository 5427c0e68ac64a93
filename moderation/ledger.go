package moderation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"chat-relay/contract"
	"chat-relay/domain"
	"chat-relay/domain/event"
	"chat-relay/repositories"
)

// Ledger drives the per (user, room) escalation state machine:
//
//	count 0 -> 1   warning notice, nothing else
//	count 1 -> 2   time-boxed mute applied
//	count >= 2     counter keeps growing, mute duration is not re-extended
//
// There is no permanent ban state. The counter is monotonic; resets are
// an admin operation outside this pipeline.
type Ledger struct {
	violations   repositories.IViolationRepository
	notifier     contract.Notifier
	muteDuration time.Duration
	events       chan<- event.Event
	log          *slog.Logger
}

type Escalation struct {
	Count      int
	Muted      bool
	MutedUntil time.Time
}

func NewLedger(violations repositories.IViolationRepository, notifier contract.Notifier,
	muteDuration time.Duration, events chan<- event.Event, log *slog.Logger) *Ledger {
	return &Ledger{
		violations:   violations,
		notifier:     notifier,
		muteDuration: muteDuration,
		events:       events,
		log:          log,
	}
}

// RecordViolation increments the counter and applies whatever the new
// count demands. Notifier failures are logged and swallowed: a lost
// notice never fails the submission that triggered it.
func (l *Ledger) RecordViolation(ctx context.Context, userID string, room domain.RoomID) (Escalation, error) {
	now := time.Now().UTC()
	record, err := l.violations.IncrementViolation(userID, room, now)
	if err != nil {
		return Escalation{}, err
	}

	escalation := Escalation{Count: record.Count}
	switch record.Count {
	case 1:
		l.notify(ctx, userID, fmt.Sprintf(
			"Your message in room %d violated the content policy. Further violations will mute you.", room))
		l.emit(event.Domain(event.UserWarned{UserID: userID, Room: room, Count: record.Count}))
	case 2:
		until := now.Add(l.muteDuration)
		if err := l.violations.SetMute(userID, room, until); err != nil {
			return Escalation{}, err
		}
		escalation.Muted = true
		escalation.MutedUntil = until
		l.notify(ctx, userID, fmt.Sprintf(
			"You have been muted in room %d until %s.", room, until.Format(time.RFC3339)))
		l.emit(event.Domain(event.UserMuted{UserID: userID, Room: room, Count: record.Count, MutedUntil: until}))
	default:
		l.log.Debug("Repeat violation recorded", "user_id", userID, "room", room, "count", record.Count)
	}
	return escalation, nil
}

// IsMuted reports whether the user is currently muted in the room.
// Expired records are cleared by the repository on the way through.
func (l *Ledger) IsMuted(userID string, room domain.RoomID) (bool, error) {
	mute, err := l.violations.GetMute(userID, room, time.Now().UTC())
	if err != nil {
		return false, err
	}
	return mute != nil, nil
}

func (l *Ledger) notify(ctx context.Context, userID, notice string) {
	if l.notifier == nil {
		return
	}
	if err := l.notifier.Notify(ctx, userID, notice); err != nil {
		l.log.Warn("Notice delivery failed", "user_id", userID, "error", err)
	}
}

func (l *Ledger) emit(e event.Event) {
	if l.events == nil {
		return
	}
	select {
	case l.events <- e:
	default:
		l.log.Debug("Moderation event lost")
	}
}
