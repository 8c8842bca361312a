// Package changeset holds the staged before/after pairs every configuration
// module accumulates between loading its state and committing it.
package changeset

import (
	"cmp"
	"slices"

	"github.com/mitchellh/copystructure"
)

// Change is the first-seen before value and the latest after value of one key.
type Change[V any] struct {
	Before V
	After  V
}

// Set is an ordered-key changeset. It is not safe for concurrent use.
type Set[K cmp.Ordered, V any] struct {
	changes map[K]Change[V]
	equal   func(a, b V) bool
}

// New creates an empty set that uses equal to detect no-op changes.
func New[K cmp.Ordered, V any](equal func(a, b V) bool) *Set[K, V] {
	return &Set[K, V]{
		changes: make(map[K]Change[V]),
		equal:   equal,
	}
}

// Stage records before -> after for key. The before value of an already staged
// key is kept. When the result is a no-op the key is dropped.
func (s *Set[K, V]) Stage(key K, before, after V) {
	if existing, ok := s.changes[key]; ok {
		before = existing.Before
	} else {
		before = Snapshot(before)
	}
	if s.equal(before, after) {
		delete(s.changes, key)
		return
	}
	s.changes[key] = Change[V]{Before: before, After: Snapshot(after)}
}

// Get returns the staged change of key.
func (s *Set[K, V]) Get(key K) (Change[V], bool) {
	c, ok := s.changes[key]
	return c, ok
}

// Has reports whether key has a staged change.
func (s *Set[K, V]) Has(key K) bool {
	_, ok := s.changes[key]
	return ok
}

// Discard drops the staged change of key.
func (s *Set[K, V]) Discard(key K) {
	delete(s.changes, key)
}

// Keys returns the staged keys in ascending order.
func (s *Set[K, V]) Keys() []K {
	keys := make([]K, 0, len(s.changes))
	for k := range s.changes {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

// Len returns the number of staged keys.
func (s *Set[K, V]) Len() int {
	return len(s.changes)
}

// Reset drops every staged change.
func (s *Set[K, V]) Reset() {
	clear(s.changes)
}

// Snapshot returns a deep copy of v so later mutations of live state do not
// leak into recorded before/after values.
func Snapshot[V any](v V) V {
	out, err := copystructure.Copy(v)
	if err != nil {
		return v
	}
	cp, ok := out.(V)
	if !ok {
		return v
	}
	return cp
}
