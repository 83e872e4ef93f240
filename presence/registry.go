// Package presence tracks which users currently hold a live connection.
package presence

import (
	"sort"
	"sync"

	"pushchat/protocol"
)

// Conn is a live connection handle owned by the registry while registered.
type Conn interface {
	ID() string
	Emit(ev *protocol.Event) error
	Close() error
}

type entry struct {
	conn Conn
	seq  uint64
}

// Registry maps user ids to their current connection. A user has at most one
// entry; a newer connection replaces the older one. Every registration gets a
// sequence number so that a late disconnect of a replaced connection cannot
// remove the entry of its successor.
type Registry struct {
	mu      sync.RWMutex
	entries map[int64]entry
	seqs    map[int64]uint64 // last issued sequence per user, kept after unregister
}

func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[int64]entry),
		seqs:    make(map[int64]uint64),
	}
}

// Register installs conn as the connection of userID and returns its sequence
// number together with the connection it replaced, if any. Closing the
// replaced connection is left to the caller.
func (r *Registry) Register(userID int64, conn Conn) (uint64, Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := r.seqs[userID] + 1
	r.seqs[userID] = seq

	var replaced Conn
	if old, ok := r.entries[userID]; ok {
		replaced = old.conn
	}
	r.entries[userID] = entry{conn: conn, seq: seq}
	return seq, replaced
}

// Unregister removes the entry of userID if it still carries seq. It returns
// false when the entry is absent or belongs to a newer connection.
func (r *Registry) Unregister(userID int64, seq uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	current, ok := r.entries[userID]
	if !ok || current.seq != seq {
		return false
	}
	delete(r.entries, userID)
	return true
}

func (r *Registry) Lookup(userID int64) (Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userID]
	if !ok {
		return nil, false
	}
	return e.conn, true
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Online returns the ids of all connected users in ascending order.
func (r *Registry) Online() []int64 {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	r.mu.RUnlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Snapshot returns the registered connections at the time of the call.
func (r *Registry) Snapshot() []Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conns := make([]Conn, 0, len(r.entries))
	for _, e := range r.entries {
		conns = append(conns, e.conn)
	}
	return conns
}
