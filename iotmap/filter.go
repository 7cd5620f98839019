package iotmap

import (
	"errors"
	"sync"
)

// FilterFunc decides whether the given pair can be stored in a map.
type FilterFunc func(key, value string) bool

// ErrFilterInUse is returned when another filter already occupies a slot.
var ErrFilterInUse = errors.New("iotmap: filter already in use")

// FilterSlot holds at most one active filter at a time.
//
// The zero value is an empty slot ready to use.
type FilterSlot struct {
	mu   sync.Mutex
	held bool
}

// defaultSlot is used by NewWithFilter.
var defaultSlot FilterSlot

// Acquire occupies the slot with fn, any other acquisition fails
// with ErrFilterInUse until the lease is released.
func (s *FilterSlot) Acquire(fn FilterFunc) (*FilterLease, error) {
	if fn == nil {
		panic("fn is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.held {
		return nil, ErrFilterInUse
	}
	s.held = true
	return &FilterLease{slot: s, fn: fn}, nil
}

// Active reports whether the slot is occupied.
func (s *FilterSlot) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.held
}

func (s *FilterSlot) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.held {
		panic("iotmap: filter slot released too many times")
	}
	s.held = false
}

// FilterLease is a handle to an acquired slot.
type FilterLease struct {
	once sync.Once
	slot *FilterSlot
	fn   FilterFunc
}

// Accept runs the leased filter.
func (l *FilterLease) Accept(k, v string) bool {
	return l.fn(k, v)
}

// Release gives the slot back, subsequent calls are no-ops.
func (l *FilterLease) Release() {
	l.once.Do(l.slot.release)
}
