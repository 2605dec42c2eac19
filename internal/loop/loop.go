// Package loop provides the serial executor every stateful component
// runs on.
//
// A Loop runs posted functions one at a time, in FIFO order. A function
// posted while another is running (from the same goroutine or any other)
// is queued and runs after the current one returns; nothing ever runs
// nested. This turns reentrancy hazards (a listener callback that
// triggers another mutation) into ordinary queued work.
//
// There is no dedicated goroutine. The goroutine that posts into an idle
// loop drains it; posts that arrive while it drains are picked up by the
// same drain. In single-goroutine tests every Post therefore completes
// before it returns.
package loop

import "sync"

// Loop is a trampolined FIFO executor.
//
// Thread-safety: Post may be called from any goroutine. Posted functions
// must not block waiting for other posted functions.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	running bool
	closed  bool
}

// New creates an idle loop.
func New() *Loop {
	return &Loop{queue: make([]func(), 0, 16)}
}

// Post schedules fn. It reports false if the loop is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	if l.running {
		l.mu.Unlock()
		return true
	}
	l.running = true
	l.mu.Unlock()

	l.drain()
	return true
}

func (l *Loop) drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.running = false
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		// Clear the slot so the closure can be collected.
		l.queue[0] = nil
		l.queue = l.queue[1:]
		if len(l.queue) == 0 {
			l.queue = l.queue[:0:cap(l.queue)]
		}
		l.mu.Unlock()

		fn()
	}
}

// Len returns the number of queued functions.
func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Close rejects further posts. Already-queued functions still run.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
}
