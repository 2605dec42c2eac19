package stream

// Validator tracks an event sequence and rejects illegal transitions:
//   - nothing may follow Close
//   - after Done (and before StartUpdates) only Close, StartUpdates,
//     Fail or Restart may follow
//   - Schema may not follow the first Item
//
// Restart discards the tracked state, so a fresh Schema, Items and Done
// may follow it.
//
// The zero value is ready to use.
type Validator struct {
	Label string

	sawItem        bool
	done           bool
	startedUpdates bool
	closed         bool
}

// Check validates evt and, if legal, records it.
func (v *Validator) Check(evt Event) error {
	if v.closed {
		return v.fail("event after close", evt)
	}

	if v.done && !v.startedUpdates {
		switch evt.Type {
		case TypeClose, TypeStartUpdates, TypeFail, TypeRestart:
		default:
			return v.fail("only close, start_updates, fail or restart may follow done", evt)
		}
	}

	if evt.Type == TypeSchema && v.sawItem {
		return v.fail("schema after first item", evt)
	}

	switch evt.Type {
	case TypeItem:
		v.sawItem = true
	case TypeDone:
		v.done = true
	case TypeStartUpdates:
		v.startedUpdates = true
	case TypeRestart:
		v.sawItem = false
		v.done = false
		v.startedUpdates = false
	case TypeClose:
		v.closed = true
	}
	return nil
}

// Closed reports whether Close has been checked.
func (v *Validator) Closed() bool {
	return v.closed
}

func (v *Validator) fail(msg string, evt Event) error {
	return &ProtocolError{Stream: v.Label, Message: msg, Event: &evt}
}
