package cache

import (
	"sync"
	"time"

	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/table"
	"github.com/roach88/streamtable/internal/value"
)

// CacheItem is one cached request.
type CacheItem struct {
	cache       *FunctionCache
	fingerprint string
	params      value.Object
	expireAt    time.Time

	mu        sync.Mutex
	refs      int
	gen       int
	log       []stream.Event
	upstream  *stream.Stream
	listeners []*itemListener
	pumping   bool
	evicted   bool
}

type itemListener struct {
	s *stream.Stream
	// sent counts the log entries already delivered.
	sent    int
	restart bool
	// release drops the reference the listener holds.
	release bool
}

var _ table.Record = (*CacheItem)(nil)

// Attr implements table.Record.
func (it *CacheItem) Attr(name string) (value.Value, bool) {
	switch name {
	case "fingerprint":
		return value.String(it.fingerprint), true
	case "func":
		v, ok := it.params["func"]
		return v, ok
	default:
		return nil, false
	}
}

// SetAttr implements table.Record. Cache items have no mutable
// attributes.
func (it *CacheItem) SetAttr(string, value.Value) {}

// Fingerprint returns the canonical key of the request.
func (it *CacheItem) Fingerprint() string { return it.fingerprint }

// Params returns the request parameters.
func (it *CacheItem) Params() value.Object { return it.params }

// ExpireAt returns the expiry time, zero if the item never expires.
func (it *CacheItem) ExpireAt() time.Time { return it.expireAt }

// Refs returns the live reference count.
func (it *CacheItem) Refs() int {
	it.mu.Lock()
	defer it.mu.Unlock()
	return it.refs
}

// Log returns a copy of the events recorded since the last refresh.
func (it *CacheItem) Log() []stream.Event {
	it.mu.Lock()
	defer it.mu.Unlock()
	out := make([]stream.Event, len(it.log))
	copy(out, it.log)
	return out
}

func (it *CacheItem) expired(now time.Time) bool {
	return !it.expireAt.IsZero() && !now.Before(it.expireAt)
}

func (it *CacheItem) acquire() {
	it.mu.Lock()
	it.refs++
	it.mu.Unlock()
}

// Release drops one reference. The last release evicts the item.
func (it *CacheItem) Release() {
	it.cache.release(it)
}

// SetResultStream swaps in a fresh upstream. Any prior upstream is
// closed from downstream, the log is cleared and existing listeners
// receive Restart before any event of s.
func (it *CacheItem) SetResultStream(s *stream.Stream) error {
	it.mu.Lock()
	prev := it.upstream
	it.gen++
	gen := it.gen
	it.upstream = s
	it.log = nil
	for _, l := range it.listeners {
		l.sent = 0
		l.restart = prev != nil
	}
	it.mu.Unlock()

	if prev != nil {
		prev.CloseByDownstream()
	}
	it.pump()

	return s.SendToFunc(func(evt stream.Event) error {
		it.mu.Lock()
		if gen != it.gen || it.evicted {
			it.mu.Unlock()
			return stream.ErrBackpressureStop
		}
		it.log = append(it.log, evt)
		it.mu.Unlock()
		it.pump()
		return nil
	})
}

// AddListener replays the log into s and then keeps it updated.
func (it *CacheItem) AddListener(s *stream.Stream) {
	it.addListener(s, false)
}

func (it *CacheItem) addListener(s *stream.Stream, release bool) {
	it.mu.Lock()
	it.listeners = append(it.listeners, &itemListener{s: s, release: release})
	it.mu.Unlock()
	it.pump()
}

// pump delivers pending log entries to listeners. Only one goroutine
// pumps at a time; others append and leave the delivery to it.
func (it *CacheItem) pump() {
	it.mu.Lock()
	if it.pumping {
		it.mu.Unlock()
		return
	}
	it.pumping = true

	for {
		l, evt, ok := it.nextLocked()
		if !ok {
			it.pumping = false
			it.mu.Unlock()
			return
		}
		it.mu.Unlock()

		err := l.s.Receive(evt)
		if err != nil && !stream.IsBackpressureStop(err) {
			stream.RecordFailure(err, "cache_item", it.fingerprint)
		}
		if err != nil || evt.Type == stream.TypeClose || l.s.IsClosed() {
			it.dropListener(l)
		}

		it.mu.Lock()
	}
}

func (it *CacheItem) nextLocked() (*itemListener, stream.Event, bool) {
	for _, l := range it.listeners {
		if l.restart {
			l.restart = false
			return l, stream.Restart(), true
		}
		if l.sent < len(it.log) {
			evt := it.log[l.sent]
			l.sent++
			return l, evt, true
		}
	}
	return nil, stream.Event{}, false
}

func (it *CacheItem) dropListener(l *itemListener) {
	it.mu.Lock()
	found := false
	for i, cur := range it.listeners {
		if cur == l {
			it.listeners = append(it.listeners[:i], it.listeners[i+1:]...)
			found = true
			break
		}
	}
	it.mu.Unlock()
	if found && l.release {
		it.cache.release(it)
	}
}

// evict closes the upstream and every listener.
func (it *CacheItem) evict() {
	it.mu.Lock()
	it.evicted = true
	up := it.upstream
	listeners := it.listeners
	it.listeners = nil
	it.mu.Unlock()

	if up != nil {
		up.CloseByDownstream()
	}
	for _, l := range listeners {
		if !l.s.IsClosed() {
			_ = l.s.Close()
		}
	}
}
