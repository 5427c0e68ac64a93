package domain

import "time"

// ViolationRecord counts content-safety violations per (user, room).
// Count only ever grows; a reset is an explicit admin operation handled
// outside this pipeline.
type ViolationRecord struct {
	UserID          string
	Room            RoomID
	Count           int
	LastViolationAt time.Time
}

// MuteRecord holds an active time-boxed mute per (user, room).
// A mute is active iff now < MutedUntil; expired records are deleted
// lazily on the next read.
type MuteRecord struct {
	UserID     string
	Room       RoomID
	MutedUntil time.Time
}

func (m MuteRecord) Active(now time.Time) bool {
	return now.Before(m.MutedUntil)
}
