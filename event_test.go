// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// A pure timer event fires EvTimeout after its timeout elapses.
func TestEventTimer(t *testing.T) {
	reactor := newTestReactor(t, nil)

	var got Interest
	fired := make(chan struct{})
	start := time.Now()
	reactor.Add(func() {
		ev := NewEvent(reactor, -1, 0, func(fd int, what Interest) {
			got = what
			close(fired)
		})
		assert.NoError(t, ev.Add(30*time.Millisecond))
	})
	waitClosed(t, fired)

	assert.Equal(t, EvTimeout, got)
	assert.GreaterOrEqual(t, time.Since(start), 30*time.Millisecond)
}

// A read event fires EvRead once the descriptor becomes readable.
func TestEventRead(t *testing.T) {
	reactor := newTestReactor(t, nil)

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	var got Interest
	fired := make(chan struct{})
	reactor.Add(func() {
		ev := NewEvent(reactor, int(pr.Fd()), EvRead, func(fd int, what Interest) {
			got = what
			close(fired)
		})
		assert.NoError(t, ev.Add(0))
	})

	_, err = pw.Write([]byte("x"))
	require.NoError(t, err)
	waitClosed(t, fired)

	assert.NotZero(t, got&EvRead)
}

// A read event with a timeout fires EvTimeout when no data ever arrives.
func TestEventReadTimeout(t *testing.T) {
	reactor := newTestReactor(t, nil)

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	var got Interest
	fired := make(chan struct{})
	reactor.Add(func() {
		ev := NewEvent(reactor, int(pr.Fd()), EvRead, func(fd int, what Interest) {
			got = what
			close(fired)
		})
		assert.NoError(t, ev.Add(30*time.Millisecond))
	})
	waitClosed(t, fired)

	assert.NotZero(t, got&EvTimeout)
}

// Events are one-shot: after firing, the callback does not run again
// unless the event is re-armed.
func TestEventOneShot(t *testing.T) {
	reactor := newTestReactor(t, nil)

	pr, pw, err := os.Pipe()
	require.NoError(t, err)
	defer pr.Close()
	defer pw.Close()

	count := 0
	fired := make(chan struct{})
	reactor.Add(func() {
		ev := NewEvent(reactor, int(pr.Fd()), EvRead, func(fd int, what Interest) {
			count++
			close(fired)
		})
		assert.NoError(t, ev.Add(0))
	})

	_, err = pw.Write([]byte("x"))
	require.NoError(t, err)
	waitClosed(t, fired)

	// The pipe stays readable; without re-arming the callback must not
	// run a second time.
	time.Sleep(50 * time.Millisecond)
	done := make(chan struct{})
	reactor.Add(func() { close(done) })
	waitClosed(t, done)
	assert.Equal(t, 1, count)
}

// Close disarms a pending event so its callback never fires.
func TestEventClose(t *testing.T) {
	reactor := newTestReactor(t, nil)

	fired := false
	armed := make(chan struct{})
	reactor.Add(func() {
		ev := NewEvent(reactor, -1, 0, func(fd int, what Interest) {
			fired = true
		})
		assert.NoError(t, ev.Add(20*time.Millisecond))
		assert.NoError(t, ev.Close())
		close(armed)
	})
	waitClosed(t, armed)

	time.Sleep(60 * time.Millisecond)
	done := make(chan struct{})
	reactor.Add(func() { close(done) })
	waitClosed(t, done)
	assert.False(t, fired)
}
