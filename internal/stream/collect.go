package stream

import (
	"context"
	"fmt"

	"github.com/roach88/streamtable/internal/schema"
)

// CollectFunc attaches a consumer that gathers events until Done or
// Close, then calls fn once with them.
func (s *Stream) CollectFunc(fn func([]Event)) error {
	var events []Event
	finished := false
	return s.SendToFunc(func(evt Event) error {
		if finished {
			return nil
		}
		events = append(events, evt)
		if evt.Type == TypeDone || evt.Type == TypeClose {
			finished = true
			fn(events)
			events = nil
		}
		return nil
	})
}

// CollectSync returns every event up to Done or Close. It is a usage
// error if the stream has not finished by the time SendTo returns.
func (s *Stream) CollectSync() ([]Event, error) {
	var out []Event
	got := false
	if err := s.CollectFunc(func(events []Event) { out, got = events, true }); err != nil {
		return nil, err
	}
	if !got {
		return nil, &UsageError{Message: s.String() + " did not finish synchronously"}
	}
	return out, nil
}

// ItemsSync returns the Item payloads of a synchronously finished
// stream. A Fail event is returned as its *ErrorItem.
func (s *Stream) ItemsSync() ([]any, error) {
	events, err := s.CollectSync()
	if err != nil {
		return nil, err
	}
	return itemsOf(events)
}

// Collect waits until Done or Close and returns the events seen.
func (s *Stream) Collect(ctx context.Context) ([]Event, error) {
	ch := make(chan []Event, 1)
	if err := s.CollectFunc(func(events []Event) { ch <- events }); err != nil {
		return nil, err
	}
	select {
	case events := <-ch:
		return events, nil
	case <-ctx.Done():
		s.CloseByDownstream()
		return nil, ctx.Err()
	}
}

// Items waits for the stream to finish and returns its Item payloads.
func (s *Stream) Items(ctx context.Context) ([]any, error) {
	events, err := s.Collect(ctx)
	if err != nil {
		return nil, err
	}
	return itemsOf(events)
}

// One waits for the stream to finish and returns its single item. A
// stream answering with Schema{hint:"value"} may carry exactly one item;
// otherwise the first item is returned. No items is an error.
func (s *Stream) One(ctx context.Context) (any, error) {
	events, err := s.Collect(ctx)
	if err != nil {
		return nil, err
	}
	items, err := itemsOf(events)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, fmt.Errorf("%s: stream returned no items", s)
	}
	if len(items) > 1 && hintOf(events) == schema.HintValue {
		return nil, fmt.Errorf("%s: value stream returned %d items", s, len(items))
	}
	return items[0], nil
}

// Wait blocks until Done or Close, returning any failure.
func (s *Stream) Wait(ctx context.Context) error {
	events, err := s.Collect(ctx)
	if err != nil {
		return err
	}
	_, err = itemsOf(events)
	return err
}

func itemsOf(events []Event) ([]any, error) {
	var items []any
	for _, evt := range events {
		switch evt.Type {
		case TypeFail:
			if evt.Err == nil {
				return items, NewError(ErrUnhandledException, "fail event without error")
			}
			return items, evt.Err
		case TypeItem:
			items = append(items, evt.Item)
		}
	}
	return items, nil
}

func hintOf(events []Event) string {
	for _, evt := range events {
		if evt.Type == TypeSchema && evt.Schema != nil {
			return evt.Schema.Hint
		}
	}
	return ""
}
