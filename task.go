// SPDX-License-Identifier: GPL-3.0-or-later

package evhttp

import "sync"

// Task is a completion handle scheduled through [Reactor.Delay].
//
// A task completes at most once. Completion runs the callback (on the
// reactor thread when driven by Delay) and then unblocks any waiter on
// [Task.Done]. Cancelling a pending task prevents the callback from
// running and unblocks waiters.
type Task struct {
	mu        sync.Mutex
	finished  bool
	cancelled bool
	cb        func()
	done      chan struct{}
}

// NewTask creates a task with an optional completion callback.
func NewTask(cb func()) *Task {
	return &Task{cb: cb, done: make(chan struct{})}
}

// Done returns a channel closed once the task completed or was cancelled.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Cancel prevents a pending completion from running the callback.
// Cancelling a completed task has no effect.
func (t *Task) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.finished {
		return
	}
	t.finished = true
	t.cancelled = true
	close(t.done)
}

// complete resolves the task, running the callback unless the task was
// cancelled first.
func (t *Task) complete() {
	t.mu.Lock()
	if t.finished {
		t.mu.Unlock()
		return
	}
	t.finished = true
	cb := t.cb
	t.mu.Unlock()
	if cb != nil {
		cb()
	}
	close(t.done)
}
