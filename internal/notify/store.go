// Package notify keeps the reconciled set of notifications currently active
// on the peer.
package notify

import (
	"sort"

	"github.com/chaz8081/ancsd/internal/ble/protocol"
)

// Store maps a notification UID to the latest event seen for it.
// It is not safe for concurrent use; the ANCS client mutates it from a
// single goroutine.
type Store struct {
	events map[uint32]protocol.Event
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{events: make(map[uint32]protocol.Event)}
}

// Insert records ev under uid, replacing any earlier event.
func (s *Store) Insert(uid uint32, ev protocol.Event) {
	s.events[uid] = ev
}

// Remove drops uid. Removing an unknown uid is a no-op.
func (s *Store) Remove(uid uint32) {
	delete(s.events, uid)
}

// Get returns the latest event for uid.
func (s *Store) Get(uid uint32) (protocol.Event, bool) {
	ev, ok := s.events[uid]
	return ev, ok
}

// Len returns the number of active notifications.
func (s *Store) Len() int {
	return len(s.events)
}

// Snapshot returns a copy of all events ordered by UID.
func (s *Store) Snapshot() []protocol.Event {
	out := make([]protocol.Event, 0, len(s.events))
	for _, ev := range s.events {
		out = append(out, ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}
