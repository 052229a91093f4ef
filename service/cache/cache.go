// Package cache holds last-known-good values that have exactly one writer.
package cache

import (
	"sync/atomic"
	"time"
)

// LastKnown holds the most recent good observation of a value.
//
// One refresh task owns a LastKnown and is the only caller of Store. Any number
// of readers may call Load concurrently and observe either the previous or the
// new value, never a partial write.
type LastKnown[T any] struct {
	v atomic.Pointer[entry[T]]
}

type entry[T any] struct {
	value     T
	updatedAt time.Time
	seeded    bool
}

// NewLastKnown returns a LastKnown seeded with a fallback value.
func NewLastKnown[T any](seed T) *LastKnown[T] {
	lk := &LastKnown[T]{}
	lk.v.Store(&entry[T]{value: seed, seeded: true})
	return lk
}

// Load returns the current value.
func (lk *LastKnown[T]) Load() T {
	return lk.v.Load().value
}

// Store replaces the current value with a fresh observation.
func (lk *LastKnown[T]) Store(v T) {
	lk.v.Store(&entry[T]{value: v, updatedAt: time.Now()})
}

// UpdatedAt returns when Store was last called. It is zero while the seed is
// still being served.
func (lk *LastKnown[T]) UpdatedAt() time.Time {
	return lk.v.Load().updatedAt
}

// IsSeed reports whether no observation has replaced the seed yet.
func (lk *LastKnown[T]) IsSeed() bool {
	return lk.v.Load().seeded
}
