// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import "time"

// Interest is a bit set describing what an [Event] waits for and, when
// the event fires, what actually happened.
type Interest uint8

const (
	// EvRead indicates readability of the event's descriptor.
	EvRead Interest = 1 << iota

	// EvWrite indicates writability of the event's descriptor.
	EvWrite

	// EvTimeout indicates the event's timeout elapsed before any I/O
	// readiness. Callbacks must treat it as "no I/O occurred", not as
	// an error.
	EvTimeout
)

// EventCallback is invoked on the reactor thread when an [Event] fires,
// with the event's descriptor and the [Interest] bits that fired.
type EventCallback func(fd int, what Interest)

// Event binds a (descriptor, interest) pair to a callback on a given
// [Reactor]. A descriptor of -1 makes a pure timer event.
//
// Events are one-shot: firing disarms the event, and the callback must
// call [Event.Add] again to keep waiting. An event is inert until armed.
//
// Events are owned exclusively by their creator and must only be armed
// and closed on the reactor thread (or before any thread dispatches the
// loop); route cross-thread mutation through [Reactor.Add].
type Event struct {
	reactor   *Reactor
	fd        int
	interests Interest
	cb        EventCallback

	// isArmed and timer are poller-owned registration state.
	isArmed bool
	timer   *timerEntry
}

// NewEvent creates an inert event bound to a live reactor.
func NewEvent(reactor *Reactor, fd int, interests Interest, cb EventCallback) *Event {
	return &Event{reactor: reactor, fd: fd, interests: interests, cb: cb}
}

// Add arms the event with an optional timeout. A zero timeout waits
// indefinitely for the interest. Re-arming updates the registration and
// restarts the timeout.
func (ev *Event) Add(timeout time.Duration) error {
	return ev.reactor.poller.arm(ev, timeout)
}

// Close disarms the event if it is armed. The owner must ensure this
// runs on the reactor thread or that no dispatch can be racing it.
func (ev *Event) Close() error {
	ev.reactor.poller.disarm(ev)
	return nil
}
