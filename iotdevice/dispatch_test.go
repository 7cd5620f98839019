package iotdevice

import (
	"sync"
	"testing"

	"github.com/amenzhinsky/iothubcore/common"
	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/assert"
)

func testDispatcher(onPanic func(string)) *dispatcher {
	return newDispatcher(common.NewLogger("test", common.LevelError, nil), onPanic)
}

func TestDispatcherOrder(t *testing.T) {
	defer leaktest.Check(t)()

	d := testDispatcher(nil)
	var got []int
	for i := 0; i < 100; i++ {
		i := i
		assert.True(t, d.post("n", func() { got = append(got, i) }))
	}
	d.close()

	want := make([]int, 100)
	for i := range want {
		want[i] = i
	}
	assert.Equal(t, want, got)
	assert.False(t, d.post("late", func() { t.Error("called after close") }))
}

func TestDispatcherOneAtATime(t *testing.T) {
	t.Parallel()

	d := testDispatcher(nil)
	var mu sync.Mutex
	var running, max int
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				d.post("n", func() {
					mu.Lock()
					running++
					if running > max {
						max = running
					}
					mu.Unlock()

					mu.Lock()
					running--
					mu.Unlock()
				})
			}
		}()
	}
	wg.Wait()
	d.close()
	assert.Equal(t, 1, max)
}

func TestDispatcherRecoversPanics(t *testing.T) {
	t.Parallel()

	var panicked []string
	d := testDispatcher(func(name string) { panicked = append(panicked, name) })
	var called bool
	d.post("bad", func() { panic("boom") })
	d.post("good", func() { called = true })
	d.close()

	assert.True(t, called)
	assert.Equal(t, []string{"bad"}, panicked)
}

func TestDispatcherPostFromCallback(t *testing.T) {
	t.Parallel()

	d := testDispatcher(nil)
	done := make(chan struct{})
	d.post("outer", func() {
		d.post("inner", func() { close(done) })
	})
	<-done
	d.close()
}
