package peer

import "sync"

// Registry is the set of every peer this node has ever seen. Entries are
// unique by Address and kept in insertion order. There is no removal: an
// unreachable peer shows up as a failed send, not as an eviction.
type Registry struct {
	mu    sync.RWMutex
	order []Address
	index map[Address]struct{}

	subscribers []func([]Address)
	// pending is the newest snapshot not yet handed to subscribers.
	pending   []Address
	notifying bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		index: make(map[Address]struct{}),
	}
}

// Subscribe registers fn to be called with a snapshot after changes.
// Calls happen on a separate goroutine, one at a time and in mutation
// order. Snapshots that pile up behind a slow subscriber are merged, so fn
// may skip intermediate states but always sees the latest one.
func (r *Registry) Subscribe(fn func([]Address)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.subscribers = append(r.subscribers, fn)
}

// Add inserts addr if it is not known yet and reports whether it was new.
// It never waits on subscribers.
func (r *Registry) Add(addr Address) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.index[addr]; exists {
		return false
	}
	r.index[addr] = struct{}{}
	r.order = append(r.order, addr)

	if len(r.subscribers) > 0 {
		r.pending = r.snapshotLocked()
		if !r.notifying {
			r.notifying = true
			go r.notify()
		}
	}
	return true
}

func (r *Registry) notify() {
	for {
		r.mu.Lock()
		snapshot, subscribers := r.pending, r.subscribers
		r.pending = nil
		if snapshot == nil {
			r.notifying = false
			r.mu.Unlock()
			return
		}
		r.mu.Unlock()

		for _, fn := range subscribers {
			fn(snapshot)
		}
	}
}

// List returns a copy of the known peers in insertion order.
func (r *Registry) List() []Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.snapshotLocked()
}

func (r *Registry) Contains(addr Address) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[addr]
	return ok
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.order)
}

func (r *Registry) snapshotLocked() []Address {
	out := make([]Address, len(r.order))
	copy(out, r.order)
	return out
}
