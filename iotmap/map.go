// Package iotmap implements an ordered string-to-string map with an
// optional insertion filter, it's used for message and device properties.
package iotmap

import (
	"errors"
	"sync"
)

var (
	ErrInvalidArg   = errors.New("iotmap: invalid argument")
	ErrKeyExists    = errors.New("iotmap: key already exists")
	ErrKeyNotFound  = errors.New("iotmap: key not found")
	ErrFilterReject = errors.New("iotmap: rejected by filter")
)

// Result is a numeric map operation result.
type Result int

const (
	ResultOK Result = iota
	ResultError
	ResultInvalidArg
	ResultKeyExists
	ResultKeyNotFound
	ResultFilterReject
)

func (r Result) String() string {
	switch r {
	case ResultOK:
		return "MAP_OK"
	case ResultError:
		return "MAP_ERROR"
	case ResultInvalidArg:
		return "MAP_INVALIDARG"
	case ResultKeyExists:
		return "MAP_KEYEXISTS"
	case ResultKeyNotFound:
		return "MAP_KEYNOTFOUND"
	case ResultFilterReject:
		return "MAP_FILTER_REJECT"
	default:
		return "MAP_UNKNOWN"
	}
}

// ResultOf converts an error returned by Map methods into a Result.
func ResultOf(err error) Result {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, ErrInvalidArg):
		return ResultInvalidArg
	case errors.Is(err, ErrKeyExists):
		return ResultKeyExists
	case errors.Is(err, ErrKeyNotFound):
		return ResultKeyNotFound
	case errors.Is(err, ErrFilterReject):
		return ResultFilterReject
	default:
		return ResultError
	}
}

type store struct {
	mu   sync.RWMutex
	keys []string
	vals map[string]string
}

func newStore(n int) *store {
	return &store{
		keys: make([]string, 0, n),
		vals: make(map[string]string, n),
	}
}

// Map is an ordered set of unique keys with string values.
//
// A Map is safe for concurrent use.
type Map struct {
	s     *store
	lease *FilterLease
	view  bool
}

// New creates an empty map without a filter.
func New() *Map {
	return &Map{s: newStore(0)}
}

// NewWithFilter creates an empty map that consults fn before
// every insertion. Only one filter can be active in the process,
// see FilterSlot.
func NewWithFilter(fn FilterFunc) (*Map, error) {
	return NewWithSlotFilter(&defaultSlot, fn)
}

// NewWithSlotFilter is NewWithFilter that acquires the given slot
// instead of the process-wide one.
func NewWithSlotFilter(slot *FilterSlot, fn FilterFunc) (*Map, error) {
	l, err := slot.Acquire(fn)
	if err != nil {
		return nil, err
	}
	return &Map{s: newStore(0), lease: l}, nil
}

// View returns a non-owning map sharing the storage with m.
// Destroying a view doesn't affect m.
func (m *Map) View() *Map {
	return &Map{s: m.s, lease: m.lease, view: true}
}

func (m *Map) accept(k, v string) error {
	if k == "" {
		return ErrInvalidArg
	}
	if m.lease != nil && !m.lease.Accept(k, v) {
		return ErrFilterReject
	}
	return nil
}

// Add inserts the given pair, fails when the key is already present.
func (m *Map) Add(k, v string) error {
	if err := m.accept(k, v); err != nil {
		return err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.vals[k]; ok {
		return ErrKeyExists
	}
	m.s.keys = append(m.s.keys, k)
	m.s.vals[k] = v
	return nil
}

// AddOrUpdate inserts the pair or overwrites the value keeping its position.
func (m *Map) AddOrUpdate(k, v string) error {
	if err := m.accept(k, v); err != nil {
		return err
	}
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.vals[k]; !ok {
		m.s.keys = append(m.s.keys, k)
	}
	m.s.vals[k] = v
	return nil
}

// Delete removes the named key.
func (m *Map) Delete(k string) error {
	m.s.mu.Lock()
	defer m.s.mu.Unlock()
	if _, ok := m.s.vals[k]; !ok {
		return ErrKeyNotFound
	}
	delete(m.s.vals, k)
	for i := range m.s.keys {
		if m.s.keys[i] == k {
			m.s.keys = append(m.s.keys[:i], m.s.keys[i+1:]...)
			break
		}
	}
	return nil
}

// ContainsKey reports whether k is present.
func (m *Map) ContainsKey(k string) bool {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	_, ok := m.s.vals[k]
	return ok
}

// ContainsValue reports whether any key holds v.
func (m *Map) ContainsValue(v string) bool {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	for _, x := range m.s.vals {
		if x == v {
			return true
		}
	}
	return false
}

// Value returns the value of k.
func (m *Map) Value(k string) (string, error) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	v, ok := m.s.vals[k]
	if !ok {
		return "", ErrKeyNotFound
	}
	return v, nil
}

// Len returns number of pairs.
func (m *Map) Len() int {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	return len(m.s.keys)
}

// Keys returns keys in insertion order.
func (m *Map) Keys() []string {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	return append([]string(nil), m.s.keys...)
}

// Range calls fn for each pair in insertion order until it returns false.
// The map must not be modified from fn.
func (m *Map) Range(fn func(k, v string) bool) {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	for _, k := range m.s.keys {
		if !fn(k, m.s.vals[k]) {
			return
		}
	}
}

// Snapshot returns a copy of all pairs.
func (m *Map) Snapshot() map[string]string {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	c := make(map[string]string, len(m.s.vals))
	for k, v := range m.s.vals {
		c[k] = v
	}
	return c
}

// Clone returns a deep copy of m that has no filter attached.
func (m *Map) Clone() *Map {
	m.s.mu.RLock()
	defer m.s.mu.RUnlock()
	s := newStore(len(m.s.keys))
	s.keys = append(s.keys, m.s.keys...)
	for k, v := range m.s.vals {
		s.vals[k] = v
	}
	return &Map{s: s}
}

// Destroy empties the map and releases its filter.
// It's a no-op for views.
func (m *Map) Destroy() {
	if m.view {
		return
	}
	if m.lease != nil {
		m.lease.Release()
	}
	m.s.mu.Lock()
	m.s.keys = m.s.keys[:0]
	m.s.vals = map[string]string{}
	m.s.mu.Unlock()
}
