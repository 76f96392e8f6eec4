package capture

import (
	"context"
	"fmt"
	"sync"

	"github.com/brendaschussler/scaniot-capture/internal/store"
)

// handle tracks one live device capture. cancel interrupts the
// supervisory goroutine and kills the spawned process.
type handle struct {
	cancel context.CancelFunc
}

// Registry is the exclusive mapping from (sessionID, mac) to the live
// supervisory handle. Removal is the single authoritative "capture has
// ended" signal and happens exactly once per capture.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*handle
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*handle)}
}

func registryKey(sessionID, mac string) string {
	return fmt.Sprintf("%s_%s", sessionID, store.NormalizeMAC(mac))
}

// Put registers a live capture. Returns false when an entry already
// exists for the pair, preserving the at-most-one invariant.
func (r *Registry) Put(sessionID, mac string, h *handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(sessionID, mac)
	if _, exists := r.entries[key]; exists {
		return false
	}
	r.entries[key] = h
	return true
}

// Get returns the live handle for a pair, if any.
func (r *Registry) Get(sessionID, mac string) (*handle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.entries[registryKey(sessionID, mac)]
	return h, ok
}

// Live reports whether a capture is still registered for the pair.
func (r *Registry) Live(sessionID, mac string) bool {
	_, ok := r.Get(sessionID, mac)
	return ok
}

// Remove deletes the entry and reports whether it was present. The
// first caller to observe true owns the terminal transition.
func (r *Registry) Remove(sessionID, mac string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := registryKey(sessionID, mac)
	if _, ok := r.entries[key]; !ok {
		return false
	}
	delete(r.entries, key)
	return true
}

// Len reports the number of live captures.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// SessionMACs lists the MACs with live captures in a session.
func (r *Registry) SessionMACs(sessionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	prefix := sessionID + "_"
	var macs []string
	for key := range r.entries {
		if len(key) > len(prefix) && key[:len(prefix)] == prefix {
			macs = append(macs, key[len(prefix):])
		}
	}
	return macs
}
