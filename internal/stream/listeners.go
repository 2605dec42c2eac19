package stream

import "sync"

// ListenerList fans events out to a dynamic set of streams. A listener
// whose stream returns ErrBackpressureStop (or is already closed) is
// dropped silently; any other send error is recorded as a failure and
// the listener is dropped.
//
// Each listener may carry Data, used by tables to remember per-listener
// options such as the deletion index.
//
// Thread-safety: safe for concurrent use. Events are delivered without
// the lock held.
type ListenerList struct {
	mu      sync.Mutex
	entries []*Listener
	quiet   bool
}

// Listener is one registered stream.
type Listener struct {
	Stream *Stream
	Data   any
}

// NewListenerList creates an empty list.
func NewListenerList() *ListenerList {
	return &ListenerList{}
}

// Add registers s.
func (l *ListenerList) Add(s *Stream) *Listener {
	return l.AddWith(s, nil)
}

// AddWith registers s together with per-listener data.
func (l *ListenerList) AddWith(s *Stream, data any) *Listener {
	entry := &Listener{Stream: s, Data: data}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = append(l.entries, entry)
	return entry
}

// Len returns the number of live listeners.
func (l *ListenerList) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *ListenerList) snapshot() []*Listener {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Listener, len(l.entries))
	copy(out, l.entries)
	return out
}

func (l *ListenerList) remove(dead map[*Listener]bool) {
	if len(dead) == 0 {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	kept := l.entries[:0]
	for _, e := range l.entries {
		if !dead[e] {
			kept = append(kept, e)
		}
	}
	for i := len(kept); i < len(l.entries); i++ {
		l.entries[i] = nil
	}
	l.entries = kept
}

// Receive delivers evt to every listener. It implements Receiver and
// never returns an error.
func (l *ListenerList) Receive(evt Event) error {
	l.ReceiveEach(func(*Listener) (Event, bool) { return evt, true })
	return nil
}

// ReceiveEach delivers a per-listener event. fn returns false to skip a
// listener.
func (l *ListenerList) ReceiveEach(fn func(*Listener) (Event, bool)) {
	var dead map[*Listener]bool
	for _, e := range l.snapshot() {
		evt, ok := fn(e)
		if !ok {
			continue
		}
		err := e.Stream.Receive(evt)
		if err != nil && !IsBackpressureStop(err) && !l.quiet {
			RecordFailure(err, "stream", e.Stream.String())
		}
		if err != nil || evt.Type == TypeClose || e.Stream.IsClosed() {
			if dead == nil {
				dead = make(map[*Listener]bool)
			}
			dead[e] = true
		}
	}
	l.remove(dead)
}

// CloseAll sends Close to every listener and empties the list.
func (l *ListenerList) CloseAll() {
	l.mu.Lock()
	entries := l.entries
	l.entries = nil
	l.mu.Unlock()
	for _, e := range entries {
		_ = e.Stream.Close()
	}
}
