// Package runtime composes the pipeline: admission, moderation,
// persistence, delivery fan-out. It orchestrates the system without
// containing domain rules of its own.
package runtime

import (
	"sort"
	"sync"

	"chat-relay/domain"
)

type set map[string]struct{}

// Registry tracks room membership and per-room moderation settings.
// Membership drives delivery fan-out: every subscriber of a room gets a
// delivery job (and a receipt) for each message posted there.
type Registry struct {
	mu          sync.RWMutex
	roomMembers map[domain.RoomID]set
	moderated   map[domain.RoomID]bool
}

func NewRegistry() *Registry {
	return &Registry{
		roomMembers: make(map[domain.RoomID]set),
		moderated:   make(map[domain.RoomID]bool),
	}
}

// RegisterRoom creates the room if needed and records whether the
// moderation gate runs for it.
func (r *Registry) RegisterRoom(roomID domain.RoomID, moderated bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roomMembers[roomID]; !ok {
		r.roomMembers[roomID] = make(set)
	}
	r.moderated[roomID] = moderated
}

func (r *Registry) Moderated(roomID domain.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.moderated[roomID]
}

func (r *Registry) Exists(roomID domain.RoomID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.roomMembers[roomID]
	return ok
}

// Subscribe adds a participant to a room, creating the room on the fly.
func (r *Registry) Subscribe(participantID string, roomID domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.roomMembers[roomID]; !ok {
		r.roomMembers[roomID] = make(set)
	}
	r.roomMembers[roomID][participantID] = struct{}{}
}

// Unsubscribe removes a participant and drops empty membership sets so
// the map doesn't leak rooms over time.
func (r *Registry) Unsubscribe(participantID string, roomID domain.RoomID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if members, ok := r.roomMembers[roomID]; ok {
		delete(members, participantID)
		if len(members) == 0 && !r.moderated[roomID] {
			delete(r.roomMembers, roomID)
		}
	}
}

// Recipients lists the room's members, sorted for deterministic fan-out.
func (r *Registry) Recipients(roomID domain.RoomID) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	members, ok := r.roomMembers[roomID]
	if !ok {
		return nil
	}
	recipients := make([]string, 0, len(members))
	for participantID := range members {
		recipients = append(recipients, participantID)
	}
	sort.Strings(recipients)
	return recipients
}
