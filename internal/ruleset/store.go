package ruleset

import "sync/atomic"

// Store is an atomic pointer to the currently-active *Set. Readers call
// Load once per message to obtain a consistent whole-snapshot view;
// writers call Publish to swap in a freshly-parsed Set. This realizes
// spec §4.2/§5's "atomic pointer to an immutable snapshot" design note,
// generalizing the teacher's atomic.Bool readiness flag
// (now internal/api/health.go) to a richer immutable value.
type Store struct {
	ptr atomic.Pointer[Set]
}

// NewStore returns a Store initialized to an empty, harmless rule set.
func NewStore() *Store {
	s := &Store{}
	s.Publish(Empty())
	return s
}

// Load returns the currently-active snapshot.
func (s *Store) Load() *Set {
	return s.ptr.Load()
}

// Publish atomically swaps in a new snapshot. In-flight forwarders
// observe either the old or the new set at message boundaries, never a
// partial update.
func (s *Store) Publish(set *Set) {
	s.ptr.Store(set)
}
