// SPDX-License-Identifier: GPL-3.0-or-later

//go:build linux

package evhttp

import (
	"container/heap"
	"encoding/binary"
	"fmt"
	"time"

	"golang.org/x/sys/unix"
)

// maxPollEvents bounds the number of readiness notifications collected
// per loop iteration.
const maxPollEvents = 128

// poller is the epoll demultiplexer plus the timer heap. It is owned by
// a [*Reactor] and must only be touched from the reactor thread, except
// for construction and final teardown.
type poller struct {
	// epfd is the epoll instance descriptor.
	epfd int

	// armed maps a descriptor to the single [*Event] registered on it.
	armed map[int]*Event

	// timers orders pending timeouts by deadline.
	timers timerHeap
}

// newPoller creates the epoll instance.
func newPoller() (*poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("evhttp: epoll_create1: %w", err)
	}
	return &poller{epfd: epfd, armed: make(map[int]*Event)}, nil
}

// arm registers ev with the demultiplexer and, when timeout is positive,
// with the timer heap. Re-arming an event updates both registrations.
// Only one event may be armed per descriptor.
func (p *poller) arm(ev *Event, timeout time.Duration) error {
	if ev.fd >= 0 {
		var bits uint32
		if ev.interests&EvRead != 0 {
			bits |= unix.EPOLLIN
		}
		if ev.interests&EvWrite != 0 {
			bits |= unix.EPOLLOUT
		}
		op := unix.EPOLL_CTL_ADD
		if prev, ok := p.armed[ev.fd]; ok {
			if prev != ev {
				return fmt.Errorf("evhttp: fd %d already has an armed event", ev.fd)
			}
			op = unix.EPOLL_CTL_MOD
		}
		ee := unix.EpollEvent{Events: bits, Fd: int32(ev.fd)}
		if err := unix.EpollCtl(p.epfd, op, ev.fd, &ee); err != nil {
			return fmt.Errorf("evhttp: epoll_ctl: %w", err)
		}
		p.armed[ev.fd] = ev
	}
	if ev.timer != nil {
		heap.Remove(&p.timers, ev.timer.index)
		ev.timer = nil
	}
	if timeout > 0 {
		ev.timer = &timerEntry{deadline: time.Now().Add(timeout), ev: ev}
		heap.Push(&p.timers, ev.timer)
	}
	ev.isArmed = true
	return nil
}

// disarm removes ev from the demultiplexer and the timer heap. It is
// idempotent so events can be closed after firing.
func (p *poller) disarm(ev *Event) {
	if ev.timer != nil {
		heap.Remove(&p.timers, ev.timer.index)
		ev.timer = nil
	}
	if ev.isArmed && ev.fd >= 0 {
		if p.armed[ev.fd] == ev {
			unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, ev.fd, nil)
			delete(p.armed, ev.fd)
		}
	}
	ev.isArmed = false
}

// dispatch runs one loop iteration: wait for readiness (blocking until
// the next timer deadline when block is true, polling otherwise), fire
// readiness callbacks, then fire due timers. Returns the number of
// callbacks invoked.
func (p *poller) dispatch(block bool) (int, error) {
	timeoutMs := 0
	if block {
		timeoutMs = -1
		if len(p.timers) > 0 {
			d := time.Until(p.timers[0].deadline)
			if d < 0 {
				d = 0
			}
			// Round up so we never wake before the deadline and spin.
			timeoutMs = int((d + time.Millisecond - 1) / time.Millisecond)
		}
	}

	var events [maxPollEvents]unix.EpollEvent
	n, err := unix.EpollWait(p.epfd, events[:], timeoutMs)
	if err == unix.EINTR {
		n, err = 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("evhttp: epoll_wait: %w", err)
	}

	count := 0
	for i := 0; i < n; i++ {
		// Look up per iteration: an earlier callback may have closed
		// this event, in which case the notification is stale.
		ev, ok := p.armed[int(events[i].Fd)]
		if !ok {
			continue
		}
		var what Interest
		bits := events[i].Events
		if bits&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			what |= ev.interests & EvRead
		}
		if bits&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
			what |= ev.interests & EvWrite
		}
		if what == 0 {
			what = ev.interests
		}
		p.disarm(ev)
		ev.cb(ev.fd, what)
		count++
	}

	now := time.Now()
	for len(p.timers) > 0 && !p.timers[0].deadline.After(now) {
		ev := p.timers[0].ev
		p.disarm(ev)
		ev.cb(ev.fd, EvTimeout)
		count++
	}
	return count, nil
}

// close releases the epoll instance.
func (p *poller) close() error {
	return unix.Close(p.epfd)
}

// timerEntry is one pending timeout in the heap.
type timerEntry struct {
	deadline time.Time
	ev       *Event
	index    int
}

// timerHeap is a min-heap of timer entries ordered by deadline.
type timerHeap []*timerEntry

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool { return h[i].deadline.Before(h[j].deadline) }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	te := x.(*timerEntry)
	te.index = len(*h)
	*h = append(*h, te)
}

func (h *timerHeap) Pop() any {
	old := *h
	te := old[len(old)-1]
	old[len(old)-1] = nil
	*h = old[:len(old)-1]
	return te
}

// newWakeFD creates the eventfd used to wake a blocking loop iteration
// from another thread (the self-pipe pattern).
func newWakeFD() (int, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return -1, fmt.Errorf("evhttp: eventfd: %w", err)
	}
	return fd, nil
}

// signalWake increments the eventfd counter, making it readable.
func signalWake(fd int) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], 1)
	unix.Write(fd, buf[:])
}

// drainWake resets the eventfd counter.
func drainWake(fd int) {
	var buf [8]byte
	for {
		if _, err := unix.Read(fd, buf[:]); err != nil {
			return
		}
	}
}

// gettid returns the OS thread id of the calling thread.
func gettid() int {
	return unix.Gettid()
}
