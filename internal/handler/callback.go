package handler

import (
	"sync"

	"github.com/roach88/streamtable/internal/stream"
)

// Emitter pushes items into a callback stream. Emit returns
// stream.ErrBackpressureStop once the consumer has gone away.
type Emitter interface {
	Emit(item any) error
	Finish()
	Fail(err error)
}

// FromCallback adapts a push-style source to a stream. subscribe starts
// the source and returns its teardown, which runs exactly once: when
// the source finishes or fails, or when an Emit finds the consumer
// gone.
func FromCallback(name string, subscribe func(e Emitter) (teardown func())) *stream.Stream {
	s := stream.New().SetLabel(name)
	e := &emitter{s: s}
	teardown := subscribe(e)

	e.mu.Lock()
	e.teardown = teardown
	stopped := e.stopped
	e.mu.Unlock()
	if stopped {
		e.runTeardown()
	}
	return s
}

type emitter struct {
	s *stream.Stream

	mu       sync.Mutex
	teardown func()
	stopped  bool
	tornDown bool
}

func (e *emitter) Emit(item any) error {
	if err := e.s.Put(item); err != nil {
		e.stop()
		return err
	}
	return nil
}

func (e *emitter) Finish() {
	_ = e.s.Finish()
	e.stop()
}

func (e *emitter) Fail(err error) {
	_ = e.s.CloseWithError(err)
	e.stop()
}

func (e *emitter) stop() {
	e.mu.Lock()
	e.stopped = true
	ready := e.teardown != nil
	e.mu.Unlock()
	if ready {
		e.runTeardown()
	}
}

func (e *emitter) runTeardown() {
	e.mu.Lock()
	fn := e.teardown
	if e.tornDown || fn == nil {
		e.mu.Unlock()
		return
	}
	e.tornDown = true
	e.mu.Unlock()
	fn()
}
