package server

import "sync"

// Registry maps logical collection names to the set of live sessions
// subscribed to them. A session may appear under multiple collections.
// Broadcasts arrive concurrently from one upstream consumer goroutine per
// collection, so the registry is guarded by a single RWMutex.
type Registry struct {
	lk   sync.RWMutex
	subs map[string]map[*Session]struct{}
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		subs: make(map[string]map[*Session]struct{}),
	}
}

// Register adds a session under a collection. Registering an
// already-registered session is a no-op.
func (r *Registry) Register(collection string, sess *Session) {
	r.lk.Lock()
	defer r.lk.Unlock()

	set, ok := r.subs[collection]
	if !ok {
		set = make(map[*Session]struct{})
		r.subs[collection] = set
	}
	set[sess] = struct{}{}
}

// Unregister removes a session from a collection; reports whether it was
// registered.
func (r *Registry) Unregister(collection string, sess *Session) bool {
	r.lk.Lock()
	defer r.lk.Unlock()

	set, ok := r.subs[collection]
	if !ok {
		return false
	}
	if _, ok := set[sess]; !ok {
		return false
	}
	delete(set, sess)
	if len(set) == 0 {
		delete(r.subs, collection)
	}
	return true
}

// UnregisterAll removes a session from every collection and returns the
// number of registrations removed.
func (r *Registry) UnregisterAll(sess *Session) int {
	r.lk.Lock()
	defer r.lk.Unlock()

	removed := 0
	for collection, set := range r.subs {
		if _, ok := set[sess]; !ok {
			continue
		}
		delete(set, sess)
		removed++
		if len(set) == 0 {
			delete(r.subs, collection)
		}
	}
	return removed
}

// Sessions returns the sessions currently registered for a collection.
func (r *Registry) Sessions(collection string) []*Session {
	r.lk.RLock()
	defer r.lk.RUnlock()

	set := r.subs[collection]
	out := make([]*Session, 0, len(set))
	for sess := range set {
		out = append(out, sess)
	}
	return out
}

// Counts returns the subscriber count per collection.
func (r *Registry) Counts() map[string]int {
	r.lk.RLock()
	defer r.lk.RUnlock()

	out := make(map[string]int, len(r.subs))
	for collection, set := range r.subs {
		out[collection] = len(set)
	}
	return out
}
