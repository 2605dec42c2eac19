package remote

import (
	"sync"
	"time"

	"github.com/roach88/streamtable/internal/clock"
	"github.com/roach88/streamtable/internal/stream"
)

// DefaultBufferTimeout is how long a request may wait for a connection.
const DefaultBufferTimeout = 5 * time.Second

// PendingRequest is a request waiting for a connection, with the stream
// its responses go to.
type PendingRequest struct {
	Message Message
	Output  *stream.Stream
}

// MessageBuffer holds outgoing requests while disconnected. A timer
// starts with the first request pushed into an empty buffer; if it fires
// before TakeAll, every pending request fails with timed_out.
//
// Thread-safety: safe for concurrent use. Outputs are failed without the
// lock held.
type MessageBuffer struct {
	clock   clock.Clock
	timeout time.Duration

	mu      sync.Mutex
	pending []PendingRequest
	timer   clock.Timer
	// gen invalidates a timer that fires after it was stopped.
	gen int
}

// NewMessageBuffer creates an empty buffer. A zero timeout uses
// DefaultBufferTimeout.
func NewMessageBuffer(clk clock.Clock, timeout time.Duration) *MessageBuffer {
	if timeout <= 0 {
		timeout = DefaultBufferTimeout
	}
	if clk == nil {
		clk = clock.System()
	}
	return &MessageBuffer{clock: clk, timeout: timeout}
}

// Push queues msg, to be answered on output.
func (b *MessageBuffer) Push(msg Message, output *stream.Stream) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.pending = append(b.pending, PendingRequest{Message: msg, Output: output})
	if b.timer == nil {
		gen := b.gen
		b.timer = b.clock.AfterFunc(b.timeout, func() { b.onTimeout(gen) })
	}
}

// Len returns the number of queued requests.
func (b *MessageBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

func (b *MessageBuffer) onTimeout(gen int) {
	b.mu.Lock()
	if gen != b.gen {
		b.mu.Unlock()
		return
	}
	pending := b.takeLocked()
	b.mu.Unlock()

	failure := stream.NewError(stream.ErrTimedOut, "no connection after %s", b.timeout)
	for _, p := range pending {
		_ = p.Output.CloseWithError(failure)
	}
}

// TakeAll empties the buffer and returns its requests in push order.
func (b *MessageBuffer) TakeAll() []PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.takeLocked()
}

// CloseAllWithError empties the buffer, failing every request.
func (b *MessageBuffer) CloseAllWithError(failure *stream.ErrorItem) {
	b.mu.Lock()
	pending := b.takeLocked()
	b.mu.Unlock()

	for _, p := range pending {
		_ = p.Output.CloseWithError(failure)
	}
}

func (b *MessageBuffer) takeLocked() []PendingRequest {
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
		b.gen++
	}
	pending := b.pending
	b.pending = nil
	return pending
}
