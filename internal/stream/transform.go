package stream

import "log/slog"

// Map returns a stream carrying fn applied to every Item of s. A nil
// result drops the item; an error becomes a Fail event. Non-item events
// pass through unchanged.
func (s *Stream) Map(fn func(item any) (any, error)) *Stream {
	return s.MapCat(func(item any) ([]any, error) {
		out, err := fn(item)
		if err != nil || out == nil {
			return nil, err
		}
		return []any{out}, nil
	})
}

// MapCat returns a stream carrying the concatenation of fn's results for
// every Item of s.
func (s *Stream) MapCat(fn func(item any) ([]any, error)) *Stream {
	out := New()
	_ = s.SendToFunc(func(evt Event) error {
		if evt.Type != TypeItem {
			return out.Receive(evt)
		}
		items, err := fn(evt.Item)
		if err != nil {
			return out.PutError(err)
		}
		for _, item := range items {
			if err := out.Put(item); err != nil {
				return err
			}
		}
		return nil
	})
	return out
}

// MapEvents returns a stream carrying fn applied to every event.
func (s *Stream) MapEvents(fn func(evt Event) (Event, error)) *Stream {
	out := New()
	_ = s.SendToFunc(func(evt Event) error {
		mapped, err := fn(evt)
		if err != nil {
			return out.PutError(err)
		}
		return out.Receive(mapped)
	})
	return out
}

// Spy returns a stream that passes every event through after handing it
// to fn.
func (s *Stream) Spy(fn func(evt Event)) *Stream {
	out := New()
	_ = s.SendToFunc(func(evt Event) error {
		fn(evt)
		return out.Receive(evt)
	})
	return out
}

// ForEach consumes s, calling fn for every Item. Failures and errors
// returned by fn are logged.
func (s *Stream) ForEach(fn func(item any) error) error {
	label := s.String()
	return s.SendToFunc(func(evt Event) error {
		switch evt.Type {
		case TypeItem:
			if err := fn(evt.Item); err != nil {
				slog.Error("stream item callback failed", "stream", label, "error", err)
			}
		case TypeFail:
			slog.Error("stream failed", "stream", label, "error", evt.Err)
		}
		return nil
	})
}

// FromList returns a finished stream carrying items.
func FromList(items []any) *Stream {
	s := New()
	for _, item := range items {
		_ = s.Put(item)
	}
	_ = s.Finish()
	return s
}

// FromEvents returns a stream with events already queued.
func FromEvents(events ...Event) *Stream {
	s := New()
	for _, evt := range events {
		_ = s.Receive(evt)
	}
	return s
}

// Empty returns a stream that is already done and closed.
func Empty() *Stream {
	s := New()
	_ = s.Finish()
	return s
}

// Null returns a stream whose consumer discards everything.
func Null() *Stream {
	s := New()
	_ = s.SendToFunc(func(Event) error { return nil })
	return s
}
