package iotdevice

import (
	"errors"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type finished struct {
	outcome outcome
	err     error
}

func record(s *[]finished) func(outcome, error) {
	return func(o outcome, err error) {
		*s = append(*s, finished{o, err})
	}
}

func TestTrackerComplete(t *testing.T) {
	t.Parallel()

	tr := newTracker()
	var got []finished
	a, ok := tr.add(opSendEvent, record(&got))
	require.True(t, ok)
	b, ok := tr.add(opReportedState, record(&got))
	require.True(t, ok)
	assert.Less(t, a.handle, b.handle)
	assert.Equal(t, 1, tr.count(opSendEvent))
	assert.Equal(t, 1, tr.count(opReportedState))

	op, ok := tr.complete(a.handle)
	require.True(t, ok)
	op.finish(outcomeDone, nil)
	assert.Equal(t, 0, tr.count(opSendEvent))
	assert.Equal(t, []finished{{outcomeDone, nil}}, got)

	assert.PanicsWithValue(t, "iotdevice: operation 1 is completed twice", func() {
		tr.complete(a.handle)
	})
}

func TestTrackerExpire(t *testing.T) {
	t.Parallel()

	now := time.Unix(1000, 0)
	tr := newTracker()
	tr.now = func() time.Time { return now }

	var got []finished
	old, _ := tr.add(opSendEvent, record(&got))
	twin, _ := tr.add(opReportedState, record(&got))
	now = now.Add(time.Second)
	fresh, _ := tr.add(opSendEvent, record(&got))
	now = now.Add(500 * time.Millisecond)

	s := tr.expire(time.Second)
	require.Len(t, s, 1)
	assert.Equal(t, old.handle, s[0].handle)

	// expired handles complete silently once
	_, ok := tr.complete(old.handle)
	assert.False(t, ok)
	assert.Panics(t, func() { tr.complete(old.handle) })

	_, ok = tr.complete(twin.handle)
	assert.True(t, ok)
	_, ok = tr.complete(fresh.handle)
	assert.True(t, ok)
}

func TestTrackerDestroy(t *testing.T) {
	t.Parallel()

	tr := newTracker()
	var handles []opHandle
	for i := 0; i < 5; i++ {
		op, ok := tr.add(opKind(i%4), func(outcome, error) {})
		require.True(t, ok)
		handles = append(handles, op.handle)
	}
	_, ok := tr.complete(handles[2])
	require.True(t, ok)

	var got []opHandle
	for _, op := range tr.destroy() {
		got = append(got, op.handle)
	}
	assert.Equal(t, []opHandle{handles[0], handles[1], handles[3], handles[4]}, got)
	assert.Nil(t, tr.destroy())

	_, ok = tr.add(opSendEvent, func(outcome, error) {})
	assert.False(t, ok)
	_, ok = tr.complete(handles[0])
	assert.False(t, ok)
	assert.Nil(t, tr.expire(0))
}

func TestTrackerNilFinish(t *testing.T) {
	t.Parallel()
	assert.Panics(t, func() { newTracker().add(opSendEvent, nil) })
}

// every operation is finished exactly once whatever the order of
// completions, expirations and the final destroy is.
func TestTrackerFinishesOnce(t *testing.T) {
	t.Parallel()

	properties := gopter.NewProperties(nil)
	properties.Property("exactly once", prop.ForAll(
		func(steps []int) bool {
			now := time.Unix(0, 0)
			tr := newTracker()
			tr.now = func() time.Time { return now }

			counts := map[opHandle]int{}
			var live []opHandle
			finish := func(h *opHandle) func(outcome, error) {
				return func(outcome, error) { counts[*h]++ }
			}
			for _, step := range steps {
				switch step % 4 {
				case 0, 1:
					h := new(opHandle)
					op, ok := tr.add(opKind(step%2), finish(h))
					if !ok {
						return false
					}
					*h = op.handle
					live = append(live, op.handle)
				case 2:
					if len(live) == 0 {
						continue
					}
					i := step % len(live)
					h := live[i]
					live = append(live[:i], live[i+1:]...)
					if op, ok := tr.complete(h); ok {
						op.finish(outcomeDone, errors.New("x"))
					}
				case 3:
					now = now.Add(time.Second)
					for _, op := range tr.expire(time.Second / 2) {
						op.finish(outcomeTimeout, nil)
					}
				}
			}
			for _, op := range tr.destroy() {
				op.finish(outcomeDestroyed, nil)
			}
			for h := opHandle(1); h <= tr.next; h++ {
				if counts[h] != 1 {
					return false
				}
			}
			return true
		},
		gen.SliceOf(gen.IntRange(0, 100)),
	))
	properties.TestingRun(t)
}
