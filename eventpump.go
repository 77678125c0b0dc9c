// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// pumpIdleInterval is how long the pump sleeps after an iteration that
// dispatched nothing, so an idle reactor does not busy-spin.
const pumpIdleInterval = 500 * time.Microsecond

// EventPump owns a dedicated thread that repeatedly drives one
// non-blocking iteration of a [Reactor], turning it into an
// always-running background service.
//
// Construct with [NewEventPump]; call [EventPump.Close] to stop the
// thread. After Close returns, no further dispatch occurs.
type EventPump struct {
	reactor *Reactor
	running atomic.Bool
	wg      sync.WaitGroup
}

// NewEventPump starts pumping the given reactor on a new thread.
func NewEventPump(reactor *Reactor) *EventPump {
	p := &EventPump{reactor: reactor}
	p.running.Store(true)
	p.wg.Add(1)
	go p.pump()
	return p
}

// pump is the dedicated thread's loop.
func (p *EventPump) pump() {
	defer p.wg.Done()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	for p.running.Load() {
		n, err := p.reactor.dispatchOnce()
		if err != nil {
			p.reactor.config.Logger.Debug("eventPumpStopped", "err", err)
			return
		}
		if n > 0 {
			runtime.Gosched()
			continue
		}
		time.Sleep(pumpIdleInterval)
	}
}

// Close clears the running flag and joins the pump thread.
func (p *EventPump) Close() error {
	p.running.Store(false)
	p.wg.Wait()
	return nil
}
