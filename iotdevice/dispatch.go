package iotdevice

import (
	"sync"

	"github.com/amenzhinsky/iothubcore/common"
)

// dispatcher runs user callbacks one at a time in a dedicated goroutine.
//
// Posting never blocks so drivers can hand events over from
// their own event loops.
type dispatcher struct {
	mu     sync.Mutex
	queue  []task
	closed bool
	wake   chan struct{}
	done   chan struct{}

	logger  common.Logger
	onPanic func(name string)
}

type task struct {
	name string
	fn   func()
}

func newDispatcher(logger common.Logger, onPanic func(name string)) *dispatcher {
	d := &dispatcher{
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		logger:  logger,
		onPanic: onPanic,
	}
	go d.run()
	return d
}

// post queues fn, false means the dispatcher is closed and fn is dropped.
func (d *dispatcher) post(name string, fn func()) bool {
	if fn == nil {
		panic("fn is nil")
	}
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return false
	}
	d.queue = append(d.queue, task{name: name, fn: fn})
	d.mu.Unlock()
	d.signal()
	return true
}

func (d *dispatcher) signal() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

func (d *dispatcher) run() {
	defer close(d.done)
	for {
		d.mu.Lock()
		if len(d.queue) == 0 {
			closed := d.closed
			d.mu.Unlock()
			if closed {
				return
			}
			<-d.wake
			continue
		}
		t := d.queue[0]
		d.queue[0] = task{}
		d.queue = d.queue[1:]
		d.mu.Unlock()
		d.call(t)
	}
}

func (d *dispatcher) call(t task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Errorf("%s callback panicked: %v", t.name, r)
			if d.onPanic != nil {
				d.onPanic(t.name)
			}
		}
	}()
	t.fn()
}

// close runs everything queued so far and stops the dispatcher.
// It must not be called from a callback.
func (d *dispatcher) close() {
	d.mu.Lock()
	d.closed = true
	d.mu.Unlock()
	d.signal()
	<-d.done
}
