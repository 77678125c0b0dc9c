// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bassosimone/runtimex"
	"github.com/eapache/queue"
)

// Reactor is a single-threaded event loop coordinating I/O readiness,
// timers, and cross-thread closures.
//
// Exactly one thread at a time drives the loop, either by a blocking
// [Reactor.Dispatch] call or by an [EventPump] calling
// [Reactor.DispatchOnce] repeatedly. All event callbacks, timer firings,
// and HTTP completions run on that thread. Other threads submit work
// through [Reactor.Add].
//
// Construct with [NewReactor]; construction fails outright when the
// underlying event-notification context cannot be created. Call
// [Reactor.Close] only after the loop stopped and all dependent events
// are released.
type Reactor struct {
	poller *poller

	// wakeFD and wakeEv implement the cross-thread wakeup: Add signals
	// the eventfd, whose event drains the closure queue.
	wakeFD int
	wakeEv *Event

	// dispatchMu serializes loop drivers.
	dispatchMu sync.Mutex

	// tid is the OS thread id of the thread currently dispatching, or
	// zero when no thread is.
	tid atomic.Int64

	// stopped requests Dispatch to return.
	stopped atomic.Bool

	// closuresMu guards closures; never held while dispatching.
	closuresMu sync.Mutex
	closures   *queue.Queue

	// resolverMu guards the lazily-created resolver.
	resolverMu sync.Mutex
	resolver   *Resolver

	// config holds the ambient dependencies (logger, classifier, dialer).
	config *Config
}

// NewReactor creates a reactor. The cfg argument may be nil, in which
// case [NewConfig] defaults are used.
func NewReactor(cfg *Config) (*Reactor, error) {
	if cfg == nil {
		cfg = NewConfig()
	}
	p, err := newPoller()
	if err != nil {
		return nil, err
	}
	wakeFD, err := newWakeFD()
	if err != nil {
		p.close()
		return nil, err
	}
	r := &Reactor{
		poller:   p,
		wakeFD:   wakeFD,
		closures: queue.New(),
		config:   cfg,
	}
	r.wakeEv = NewEvent(r, wakeFD, EvRead, r.runClosures)
	if err := r.wakeEv.Add(0); err != nil {
		sockClose(wakeFD)
		p.close()
		return nil, err
	}
	return r, nil
}

// Add arranges to run the closure on the reactor thread. Submission
// never fails and never blocks: the closure is appended under a lock to
// the internal queue and the wake event is signaled, so the loop runs it
// on its next iteration. Calling from the reactor thread defers to the
// next iteration as well, which cannot deadlock.
//
// Closures submitted from a single thread run in submission order, each
// exactly once. No ordering is guaranteed across threads.
func (r *Reactor) Add(closure func()) {
	r.closuresMu.Lock()
	r.closures.Add(closure)
	r.closuresMu.Unlock()
	signalWake(r.wakeFD)
}

// runClosures is the wake event callback. It drains the eventfd, grabs
// the pending batch, re-arms itself, and only then runs the batch, so
// the closures lock is never held while dispatching.
func (r *Reactor) runClosures(fd int, what Interest) {
	drainWake(r.wakeFD)
	var batch []func()
	r.closuresMu.Lock()
	for r.closures.Length() > 0 {
		batch = append(batch, r.closures.Remove().(func()))
	}
	r.closuresMu.Unlock()
	if err := r.wakeEv.Add(0); err != nil {
		// Without the wake event no cross-thread submission can reach
		// the loop anymore, so this must not go unnoticed.
		r.config.Logger.Info("reactorWakeRearmFailed", "err", err)
	}
	r.config.Logger.Debug("reactorRunClosures", "count", len(batch))
	for _, fn := range batch {
		fn()
	}
}

// Delay completes the task after the duration elapses, driven by the
// reactor's own timer machinery rather than a new thread. A
// non-positive duration completes the task on the next loop iteration.
// The task's callback runs on the reactor thread. Safe to call from
// any thread.
func (r *Reactor) Delay(d time.Duration, task *Task) {
	r.Add(func() {
		if d <= 0 {
			task.complete()
			return
		}
		ev := NewEvent(r, -1, 0, func(int, Interest) {
			task.complete()
		})
		ev.Add(d)
	})
}

// Dispatch runs the loop on the calling thread until [Reactor.Stop] is
// called. It is a blocking call intended for a dedicated thread.
func (r *Reactor) Dispatch() error {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	r.tid.Store(int64(gettid()))
	defer r.tid.Store(0)
	defer r.stopped.Store(false)
	for !r.stopped.Load() {
		if _, err := r.poller.dispatch(true); err != nil {
			return err
		}
	}
	return nil
}

// Stop requests a running [Reactor.Dispatch] to return after the
// current iteration. Safe to call from any thread.
func (r *Reactor) Stop() {
	r.stopped.Store(true)
	signalWake(r.wakeFD)
}

// DispatchOnce runs at most one non-blocking iteration of pending I/O
// and timer work. Used by a pump thread that wants periodic control.
func (r *Reactor) DispatchOnce() error {
	_, err := r.dispatchOnce()
	return err
}

// dispatchOnce additionally reports how many callbacks ran, letting the
// pump yield longer when idle.
func (r *Reactor) dispatchOnce() (int, error) {
	r.dispatchMu.Lock()
	defer r.dispatchMu.Unlock()
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	r.tid.Store(int64(gettid()))
	defer r.tid.Store(0)
	return r.poller.dispatch(false)
}

// OnEventThread reports whether the calling thread is the one currently
// dispatching this reactor's loop.
func (r *Reactor) OnEventThread() bool {
	tid := r.tid.Load()
	return tid != 0 && tid == int64(gettid())
}

// CheckNotOnEventThread panics when called from the reactor thread.
// Use it to surface "must not block the loop" contract violations
// early rather than as subtle stalls.
func (r *Reactor) CheckNotOnEventThread() {
	runtimex.Assert(!r.OnEventThread())
}

// Resolver returns the shared DNS resolver, creating it on first use.
func (r *Reactor) Resolver() *Resolver {
	r.resolverMu.Lock()
	defer r.resolverMu.Unlock()
	if r.resolver == nil {
		r.resolver = newResolver(r, r.config)
	}
	return r.resolver
}

// Close tears down the reactor. The loop must have stopped and all
// dependent events must be released first. The wake event and the
// resolver are torn down before the notification context.
func (r *Reactor) Close() error {
	r.resolverMu.Lock()
	r.resolver = nil
	r.resolverMu.Unlock()
	r.wakeEv.Close()
	sockClose(r.wakeFD)
	return r.poller.close()
}
