// Package presence holds the ephemeral in-process state of the realtime
// layer: who currently has an open connection, and who is typing where.
// Nothing in here is persisted; last-seen timestamps live in the store.
package presence

import (
	"sync"
	"time"
)

// Entry records one connected user. One entry per user: a second connection
// by the same user overwrites the first (last-writer-wins).
type Entry struct {
	ConnId      string
	ConnectedAt time.Time
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]Entry)}
}

// Connect registers the connection for userId, overwriting any prior entry.
// It reports whether an entry was replaced.
func (r *Registry) Connect(userId, connId string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, replaced := r.entries[userId]
	r.entries[userId] = Entry{ConnId: connId, ConnectedAt: time.Now()}
	return replaced
}

// Disconnect removes the entry for userId unconditionally.
func (r *Registry) Disconnect(userId string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, userId)
}

func (r *Registry) Get(userId string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[userId]
	return e, ok
}

// Online returns the ids of all currently connected users.
func (r *Registry) Online() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
