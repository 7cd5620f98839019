package iotdevice

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// opKind identifies the type of a pending operation.
type opKind int

const (
	opSendEvent opKind = iota
	opReportedState
	opInvokeMethod
	opUploadBlob
)

func (k opKind) String() string {
	switch k {
	case opSendEvent:
		return "send-event"
	case opReportedState:
		return "send-reported-state"
	case opInvokeMethod:
		return "invoke-method"
	case opUploadBlob:
		return "upload-blob"
	default:
		return "unknown"
	}
}

// opHandle is an opaque operation key, never reused within a tracker.
type opHandle uint64

// outcome is how a pending operation was terminated.
type outcome int

const (
	outcomeDone outcome = iota
	outcomeDestroyed
	outcomeTimeout
)

// pendingOp is an in-flight request awaiting exactly one completion.
type pendingOp struct {
	handle  opHandle
	kind    opKind
	created time.Time

	// finish is called by whoever removed the op from the tracker.
	finish func(o outcome, err error)
}

// tracker keeps pending operations until they're completed, expired or destroyed.
type tracker struct {
	mu      sync.Mutex
	ops     map[opHandle]*pendingOp
	expired map[opHandle]struct{}
	next    opHandle
	closed  bool
	now     func() time.Time
}

func newTracker() *tracker {
	return &tracker{
		ops:     make(map[opHandle]*pendingOp),
		expired: make(map[opHandle]struct{}),
		now:     time.Now,
	}
}

// add registers a new operation, false is returned once the tracker is destroyed.
func (t *tracker) add(kind opKind, finish func(o outcome, err error)) (*pendingOp, bool) {
	if finish == nil {
		panic("finish is nil")
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}
	t.next++
	op := &pendingOp{
		handle:  t.next,
		kind:    kind,
		created: t.now(),
		finish:  finish,
	}
	t.ops[op.handle] = op
	return op, true
}

// complete removes the operation, it returns false for operations that
// expired earlier or when the tracker is destroyed.
//
// Completing the same handle twice is a programming error and panics.
func (t *tracker) complete(h opHandle) (*pendingOp, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, false
	}
	if op, ok := t.ops[h]; ok {
		delete(t.ops, h)
		return op, true
	}
	if _, ok := t.expired[h]; ok {
		delete(t.expired, h)
		return nil, false
	}
	panic(fmt.Sprintf("iotdevice: operation %d is completed twice", h))
}

// expire removes send operations enqueued earlier than timeout ago.
func (t *tracker) expire(timeout time.Duration) []*pendingOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	deadline := t.now().Add(-timeout)
	var s []*pendingOp
	for h, op := range t.ops {
		if op.kind != opSendEvent || !op.created.Before(deadline) {
			continue
		}
		delete(t.ops, h)
		t.expired[h] = struct{}{}
		s = append(s, op)
	}
	sortOps(s)
	return s
}

// destroy removes and returns all operations in the enqueue order,
// every later add or complete call is a no-op.
func (t *tracker) destroy() []*pendingOp {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	s := make([]*pendingOp, 0, len(t.ops))
	for _, op := range t.ops {
		s = append(s, op)
	}
	t.ops = nil
	t.expired = nil
	sortOps(s)
	return s
}

func (t *tracker) count(kind opKind) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	var n int
	for _, op := range t.ops {
		if op.kind == kind {
			n++
		}
	}
	return n
}

func sortOps(s []*pendingOp) {
	sort.Slice(s, func(i, j int) bool {
		return s[i].handle < s[j].handle
	})
}
