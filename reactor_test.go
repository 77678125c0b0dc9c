// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Add runs closures on the reactor thread, in submission order, each
// exactly once.
func TestReactorAdd(t *testing.T) {
	t.Run("preserves submission order from a single thread", func(t *testing.T) {
		reactor := newTestReactor(t, nil)

		var got []int
		done := make(chan struct{})
		for i := range 100 {
			reactor.Add(func() { got = append(got, i) })
		}
		reactor.Add(func() { close(done) })
		waitClosed(t, done)

		require.Len(t, got, 100)
		for i, v := range got {
			assert.Equal(t, i, v)
		}
	})

	t.Run("runs each closure exactly once across threads", func(t *testing.T) {
		reactor := newTestReactor(t, nil)

		const workers = 3
		const perWorker = 40
		counts := make(map[int]int)
		onThread := true

		var wg sync.WaitGroup
		for w := range workers {
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := range perWorker {
					id := w*perWorker + i
					reactor.Add(func() {
						counts[id]++
						onThread = onThread && reactor.OnEventThread()
					})
				}
			}()
		}
		wg.Wait()

		done := make(chan struct{})
		reactor.Add(func() { close(done) })
		waitClosed(t, done)

		require.Len(t, counts, workers*perWorker)
		for id, n := range counts {
			assert.Equal(t, 1, n, "closure %d ran %d times", id, n)
		}
		assert.True(t, onThread, "some closure ran off the reactor thread")
	})
}

// Dispatch blocks driving the loop until Stop is called, then returns nil.
func TestReactorDispatchStop(t *testing.T) {
	reactor, err := NewReactor(nil)
	require.NoError(t, err)
	defer reactor.Close()

	errch := make(chan error, 1)
	go func() { errch <- reactor.Dispatch() }()

	ran := make(chan struct{})
	onThread := false
	reactor.Add(func() {
		onThread = reactor.OnEventThread()
		close(ran)
	})
	waitClosed(t, ran)
	assert.True(t, onThread)

	reactor.Stop()
	select {
	case err := <-errch:
		assert.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("Dispatch did not return after Stop")
	}
}

// Delay completes the task on the reactor thread after the duration elapses.
func TestReactorDelay(t *testing.T) {
	t.Run("fires after the duration", func(t *testing.T) {
		reactor := newTestReactor(t, nil)

		const d = 50 * time.Millisecond
		onThread := false
		task := NewTask(func() { onThread = reactor.OnEventThread() })
		start := time.Now()
		reactor.Delay(d, task)
		waitClosed(t, task.Done())

		assert.GreaterOrEqual(t, time.Since(start), d)
		assert.True(t, onThread)
	})

	t.Run("zero duration completes on the next iteration", func(t *testing.T) {
		reactor := newTestReactor(t, nil)

		onThread := false
		task := NewTask(func() { onThread = reactor.OnEventThread() })
		reactor.Delay(0, task)
		waitClosed(t, task.Done())

		assert.True(t, onThread)
	})

	t.Run("negative duration completes on the next iteration", func(t *testing.T) {
		reactor := newTestReactor(t, nil)

		task := NewTask(nil)
		reactor.Delay(-time.Second, task)
		waitClosed(t, task.Done())
	})

	t.Run("cancelled task does not run the callback", func(t *testing.T) {
		reactor := newTestReactor(t, nil)

		ran := false
		task := NewTask(func() { ran = true })
		task.Cancel()
		reactor.Delay(10*time.Millisecond, task)
		waitClosed(t, task.Done())
		time.Sleep(50 * time.Millisecond)

		assert.False(t, ran)
	})
}

// OnEventThread is false on threads that are not dispatching the loop.
func TestReactorOnEventThread(t *testing.T) {
	reactor := newTestReactor(t, nil)

	assert.False(t, reactor.OnEventThread())
	assert.NotPanics(t, reactor.CheckNotOnEventThread)
}

// CheckNotOnEventThread panics when invoked from the reactor thread.
func TestReactorCheckNotOnEventThread(t *testing.T) {
	reactor := newTestReactor(t, nil)

	panicked := false
	done := make(chan struct{})
	reactor.Add(func() {
		defer func() {
			panicked = recover() != nil
			close(done)
		}()
		reactor.CheckNotOnEventThread()
	})
	waitClosed(t, done)

	assert.True(t, panicked)
}

// Resolver returns the same lazily-created instance on every call.
func TestReactorResolver(t *testing.T) {
	reactor := newTestReactor(t, nil)

	first := reactor.Resolver()
	require.NotNil(t, first)
	assert.Same(t, first, reactor.Resolver())
	assert.NotEmpty(t, first.ServerAddr)
}
