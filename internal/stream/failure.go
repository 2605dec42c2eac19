package stream

import (
	"fmt"
	"log/slog"
	"sync"
)

// failureHub fans captured exceptions out to process-wide listeners.
type failureHub struct {
	mu        sync.Mutex
	next      int64
	listeners *ListenerList
}

var failures = &failureHub{}

// ListenFailures returns a stream that receives every failure passed to
// RecordFailure as an Item(*ErrorItem), until the stream is closed from
// its consumer side or TeardownFailures is called.
func ListenFailures() *Stream {
	failures.mu.Lock()
	defer failures.mu.Unlock()
	if failures.listeners == nil {
		failures.listeners = NewListenerList()
		failures.listeners.quiet = true
	}
	s := New()
	s.SetLabel("failure listener")
	failures.listeners.Add(s)
	return s
}

// TeardownFailures closes every failure listener.
func TeardownFailures() {
	failures.mu.Lock()
	l := failures.listeners
	failures.listeners = nil
	failures.mu.Unlock()
	if l != nil {
		l.CloseAll()
	}
}

// RecordFailure assigns a failure id, logs the failure and delivers it
// to every failure listener. It returns the recorded item.
func RecordFailure(err error, attrs ...any) *ErrorItem {
	item := Capture(err)

	failures.mu.Lock()
	failures.next++
	if item.FailureID == "" {
		item.FailureID = fmt.Sprintf("fail-%d", failures.next)
	}
	l := failures.listeners
	failures.mu.Unlock()

	args := append([]any{"error_type", item.ErrorType, "failure_id", item.FailureID, "error", item.ErrorMessage}, attrs...)
	slog.Warn("failure recorded", args...)

	if l != nil {
		_ = l.Receive(Item(item))
	}
	return item
}
