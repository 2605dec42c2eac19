package stream

import (
	"fmt"
	"sync"

	"github.com/roach88/streamtable/internal/clock"
	"github.com/roach88/streamtable/internal/schema"
)

// Receiver consumes events. Returning ErrBackpressureStop tells the
// sender the receiver has lost interest.
type Receiver interface {
	Receive(evt Event) error
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(evt Event) error

// Receive implements Receiver.
func (f ReceiverFunc) Receive(evt Event) error { return f(evt) }

var ids clock.Sequence

// Stream is an ordered single-consumer event pipe.
//
// Thread-safety: state is guarded by a mutex and events are delivered
// without it held, so a receiver may send into other streams (or this
// one's producer may be on another goroutine). A stream still has a
// single producer; concurrent sends from several goroutines have no
// defined order.
type Stream struct {
	id    int64
	label string

	mu                 sync.Mutex
	validator          Validator
	receiver           Receiver
	backlog            []Event
	flushing           bool
	closedByUpstream   bool
	closedByDownstream bool
}

// New creates an empty stream with no consumer.
func New() *Stream {
	id := ids.Next()
	s := &Stream{id: id, label: fmt.Sprintf("stream#%d", id)}
	s.validator.Label = s.label
	return s
}

// ID returns the process-unique stream id.
func (s *Stream) ID() int64 { return s.id }

// SetLabel names the stream in protocol errors and logs.
func (s *Stream) SetLabel(label string) *Stream {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.label = fmt.Sprintf("%s#%d", label, s.id)
	s.validator.Label = s.label
	return s
}

func (s *Stream) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.label
}

// Receive sends one event. It implements Receiver, so streams can be
// chained with SendTo.
func (s *Stream) Receive(evt Event) error {
	s.mu.Lock()
	if s.closedByDownstream {
		s.mu.Unlock()
		return ErrBackpressureStop
	}
	if s.closedByUpstream {
		s.mu.Unlock()
		if evt.Type == TypeClose {
			return &ProtocolError{Stream: s.label, Message: "duplicate close"}
		}
		return ErrBackpressureStop
	}
	if err := s.validator.Check(evt); err != nil {
		s.mu.Unlock()
		return err
	}
	if evt.Type == TypeClose {
		s.closedByUpstream = true
	}
	if s.receiver == nil || s.flushing {
		s.backlog = append(s.backlog, evt)
		s.mu.Unlock()
		return nil
	}
	r := s.receiver
	if evt.Type == TypeClose {
		s.receiver = nil
	}
	s.mu.Unlock()

	return s.deliver(r, evt)
}

// deliver hands evt to r. A backpressure stop from r closes this stream
// from downstream and is absorbed.
func (s *Stream) deliver(r Receiver, evt Event) error {
	err := r.Receive(evt)
	if IsBackpressureStop(err) {
		s.CloseByDownstream()
		return nil
	}
	return err
}

// SendTo attaches the consumer and flushes the backlog to it in order.
// Attaching a second consumer is a usage error.
func (s *Stream) SendTo(r Receiver) error {
	s.mu.Lock()
	if s.receiver != nil || s.flushing {
		s.mu.Unlock()
		return &UsageError{Message: s.label + " already has a receiver"}
	}
	if s.closedByDownstream {
		s.mu.Unlock()
		return &UsageError{Message: s.label + " was closed by its consumer"}
	}
	if s.closedByUpstream && len(s.backlog) == 0 {
		s.mu.Unlock()
		return &UsageError{Message: s.label + " is already closed"}
	}
	s.receiver = r
	s.flushing = true

	for {
		if len(s.backlog) == 0 || s.closedByDownstream {
			s.flushing = false
			s.backlog = nil
			if s.closedByUpstream {
				s.receiver = nil
			}
			s.mu.Unlock()
			return nil
		}
		evt := s.backlog[0]
		s.backlog[0] = Event{}
		s.backlog = s.backlog[1:]
		s.mu.Unlock()

		if err := s.deliver(r, evt); err != nil {
			s.mu.Lock()
			s.flushing = false
			s.mu.Unlock()
			return err
		}
		s.mu.Lock()
	}
}

// SendToFunc is SendTo with a function receiver.
func (s *Stream) SendToFunc(f func(Event) error) error {
	return s.SendTo(ReceiverFunc(f))
}

// CloseByDownstream marks the consumer as gone. Pending backlog is
// dropped and every later send returns ErrBackpressureStop.
func (s *Stream) CloseByDownstream() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closedByDownstream = true
	s.backlog = nil
	s.receiver = nil
}

// IsClosed reports whether either side has closed.
func (s *Stream) IsClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedByUpstream || s.closedByDownstream
}

// ClosedByDownstream reports whether the consumer has gone away.
func (s *Stream) ClosedByDownstream() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closedByDownstream
}

// HasReceiver reports whether a consumer is attached.
func (s *Stream) HasReceiver() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.receiver != nil
}

// Put sends an Item.
func (s *Stream) Put(item any) error { return s.Receive(Item(item)) }

// PutSchema sends a Schema descriptor.
func (s *Stream) PutSchema(d schema.Decl) error { return s.Receive(SchemaOf(d)) }

// PutError sends a Fail built from err.
func (s *Stream) PutError(err error) error { return s.Receive(Fail(Capture(err))) }

// Done sends Done.
func (s *Stream) Done() error { return s.Receive(Done()) }

// Close sends Close.
func (s *Stream) Close() error { return s.Receive(Close()) }

// Finish sends Done then Close.
func (s *Stream) Finish() error {
	if err := s.Done(); err != nil {
		return err
	}
	return s.Close()
}

// CloseWithError sends Fail then Close.
func (s *Stream) CloseWithError(err error) error {
	if e := s.PutError(err); e != nil {
		return e
	}
	return s.Close()
}
