// Package registry keeps the bounded sets of leaves and child hubs that are
// connected to a hub.
package registry

import (
	"errors"
	"fmt"
	"sync"

	"kbnet/pkg/protocol"
	"kbnet/pkg/types"
)

const (
	DefaultMaxLeaves    = 1000
	DefaultMaxChildHubs = 10
)

var (
	ErrCapacity  = errors.New("registry is at capacity")
	ErrDuplicate = errors.New("node is already registered")
)

// Conn is the registered side of an authenticated connection.
type Conn interface {
	NodeID() types.NodeID
	Info() types.RegistrationInfo
	Send(msg *protocol.Message) error
	OnClose(fn func())
	Reject(reason string)
}

// Handle is an entry a Registry can hold.
type Handle interface {
	NodeID() types.NodeID
	OnClose(fn func())
}

// Registry is a capacity-bounded map of handles keyed by node id that
// remembers registration order. Handles remove themselves when their
// connection closes.
type Registry[H Handle] struct {
	kind     string
	capacity int

	mu      sync.RWMutex
	entries map[types.NodeID]H
	order   []types.NodeID
}

func New[H Handle](kind string, capacity int) *Registry[H] {
	return &Registry[H]{
		kind:     kind,
		capacity: capacity,
		entries:  make(map[types.NodeID]H),
	}
}

func (r *Registry[H]) Kind() string {
	return r.kind
}

func (r *Registry[H]) Capacity() int {
	return r.capacity
}

// Add registers h. It fails without changing the registry when the id is
// taken or the registry is full.
func (r *Registry[H]) Add(h H) error {
	id := h.NodeID()

	r.mu.Lock()
	if _, exists := r.entries[id]; exists {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s %s is already connected", ErrDuplicate, r.kind, id)
	}
	if r.capacity > 0 && len(r.entries) >= r.capacity {
		r.mu.Unlock()
		return fmt.Errorf("%w: maximum number of connected %ss (%d) reached", ErrCapacity, r.kind, r.capacity)
	}
	r.entries[id] = h
	r.order = append(r.order, id)
	r.mu.Unlock()

	h.OnClose(func() {
		r.Remove(h)
	})
	return nil
}

// Remove drops h if it is still the handle stored under its id.
func (r *Registry[H]) Remove(h H) bool {
	id := h.NodeID()

	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[id]
	if !ok || any(cur) != any(h) {
		return false
	}
	delete(r.entries, id)
	for i, oid := range r.order {
		if oid == id {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	return true
}

func (r *Registry[H]) Get(id types.NodeID) (H, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.entries[id]
	return h, ok
}

// IDs returns the registered ids, oldest registration first.
func (r *Registry[H]) IDs() []types.NodeID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]types.NodeID(nil), r.order...)
}

func (r *Registry[H]) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Snapshot returns the handles, oldest registration first.
func (r *Registry[H]) Snapshot() []H {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]H, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id])
	}
	return out
}

// Each calls fn for every handle, oldest registration first. The registry
// is not locked while fn runs.
func (r *Registry[H]) Each(fn func(H)) {
	for _, h := range r.Snapshot() {
		fn(h)
	}
}
