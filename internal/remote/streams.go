package remote

import (
	"fmt"
	"sync"

	"github.com/roach88/streamtable/internal/stream"
)

// recentlyClosedLimit bounds how many retired ids an ActiveStreamSet
// remembers.
const recentlyClosedLimit = 1024

// ActiveStreamSet tracks the open streams of one side of a connection
// by id, so events arriving off the wire can be routed to them.
//
// Every event passed to ReceiveMessage is checked by a per-stream
// Validator. A stream is retired when it receives Close, when its
// consumer goes away, or when CloseStream is called; messages for
// recently retired ids are dropped, since a close may cross in flight
// with the peer's last few events.
//
// Thread-safety: safe for concurrent use. Events are delivered without
// the lock held.
type ActiveStreamSet struct {
	label string

	mu      sync.Mutex
	streams map[string]*activeStream
	closed  map[string]struct{}
	order   []string
}

type activeStream struct {
	s         *stream.Stream
	validator stream.Validator
}

// NewActiveStreamSet creates an empty set. label names it in protocol
// errors.
func NewActiveStreamSet(label string) *ActiveStreamSet {
	return &ActiveStreamSet{
		label:   label,
		streams: make(map[string]*activeStream),
		closed:  make(map[string]struct{}),
	}
}

// StartStream registers a new stream under id.
func (a *ActiveStreamSet) StartStream(id string) (*stream.Stream, error) {
	s := stream.New().SetLabel(a.label + "/" + id)
	if err := a.AddStream(id, s); err != nil {
		return nil, err
	}
	return s, nil
}

// AddStream registers s under id. An id already in use is a protocol
// error.
func (a *ActiveStreamSet) AddStream(id string, s *stream.Stream) error {
	if s == nil {
		return &stream.UsageError{Message: "AddStream: missing stream"}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.streams[id]; ok {
		return &stream.ProtocolError{Stream: a.label, Message: "already have stream with id " + id}
	}
	as := &activeStream{s: s}
	as.validator.Label = fmt.Sprintf("%s/%s", a.label, id)
	a.streams[id] = as
	return nil
}

// IsStreamOpen reports whether id is registered.
func (a *ActiveStreamSet) IsStreamOpen(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.streams[id]
	return ok
}

// WasRecentlyClosed reports whether id was retired recently.
func (a *ActiveStreamSet) WasRecentlyClosed(id string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, ok := a.closed[id]
	return ok
}

// Len returns the number of open streams.
func (a *ActiveStreamSet) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.streams)
}

// ReceiveMessage routes evt to the stream registered under id.
//
// Unknown ids that were recently retired are ignored; an id that was
// never registered, or an illegal event sequence, is a protocol error.
// If the stream's consumer has gone away the stream is retired and
// ErrBackpressureStop is returned so the caller can tell the peer to
// stop.
func (a *ActiveStreamSet) ReceiveMessage(id string, evt stream.Event) error {
	a.mu.Lock()
	as, ok := a.streams[id]
	if !ok {
		_, recent := a.closed[id]
		a.mu.Unlock()
		if recent {
			return nil
		}
		return &stream.ProtocolError{Stream: a.label, Message: "no stream with id " + id, Event: &evt}
	}
	if err := as.validator.Check(evt); err != nil {
		a.mu.Unlock()
		return err
	}
	if evt.Type == stream.TypeClose {
		a.retireLocked(id)
	}
	a.mu.Unlock()

	err := as.s.Receive(evt)
	switch {
	case err == nil:
		return nil
	case stream.IsBackpressureStop(err):
		a.Release(id)
		return stream.ErrBackpressureStop
	default:
		stream.RecordFailure(err, "stream", id)
		return nil
	}
}

// Release forgets id without touching its stream, e.g. once the stream
// has delivered its own Close.
func (a *ActiveStreamSet) Release(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.streams[id]; ok {
		a.retireLocked(id)
	}
}

// CloseStream retires id and closes its stream from the consumer side,
// which stops whatever produces into it.
func (a *ActiveStreamSet) CloseStream(id string) {
	a.mu.Lock()
	as, ok := a.streams[id]
	if ok {
		a.retireLocked(id)
	}
	a.mu.Unlock()
	if ok {
		as.s.CloseByDownstream()
	}
}

// CloseAll retires every stream and closes each from the consumer side.
func (a *ActiveStreamSet) CloseAll() {
	for _, as := range a.takeAll() {
		as.s.CloseByDownstream()
	}
}

// FailAll retires every stream, sending each failure then Close. Streams
// already closed by either side are skipped.
func (a *ActiveStreamSet) FailAll(failure *stream.ErrorItem) {
	for _, as := range a.takeAll() {
		if as.validator.Closed() {
			continue
		}
		if err := as.s.Receive(stream.Fail(failure)); err != nil {
			continue
		}
		_ = as.s.Close()
	}
}

func (a *ActiveStreamSet) takeAll() []*activeStream {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*activeStream, 0, len(a.streams))
	for id, as := range a.streams {
		out = append(out, as)
		a.retireLocked(id)
	}
	return out
}

func (a *ActiveStreamSet) retireLocked(id string) {
	delete(a.streams, id)
	if _, ok := a.closed[id]; ok {
		return
	}
	a.closed[id] = struct{}{}
	a.order = append(a.order, id)
	if len(a.order) > recentlyClosedLimit {
		delete(a.closed, a.order[0])
		a.order[0] = ""
		a.order = a.order[1:]
	}
}
