package stream

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/streamtable/internal/schema"
	"github.com/roach88/streamtable/internal/value"
)

// EventType tags an Event. The string form is the wire encoding.
type EventType string

const (
	TypeItem         EventType = "item"
	TypeSchema       EventType = "schema"
	TypeRelated      EventType = "related"
	TypeComment      EventType = "comment"
	TypeDone         EventType = "done"
	TypeClose        EventType = "close"
	TypeStartUpdates EventType = "start_updates"
	TypeRestart      EventType = "restart"
	TypeDelta        EventType = "delta"
	TypeFail         EventType = "fail"
)

// Comment levels.
const (
	LevelInfo = "info"
	LevelWarn = "warn"
)

// Event is one message on a Stream. Which fields are meaningful depends
// on Type. Events are treated as immutable once sent.
type Event struct {
	Type EventType

	// Item is the payload of TypeItem and TypeRelated.
	Item any

	// Schema is the descriptor of TypeSchema.
	Schema *schema.Decl

	// Message, Level and Details describe a TypeComment.
	Message string
	Level   string
	Details any

	// Func and Params describe a TypeDelta: the function to replay on a
	// mirror, with its arguments.
	Func   string
	Params []any

	// Err is the failure carried by TypeFail.
	Err *ErrorItem
}

// Item creates an item event.
func Item(v any) Event { return Event{Type: TypeItem, Item: v} }

// Related creates a related-item event.
func Related(v any) Event { return Event{Type: TypeRelated, Item: v} }

// SchemaOf creates a schema event.
func SchemaOf(d schema.Decl) Event { return Event{Type: TypeSchema, Schema: &d} }

// Comment creates a comment event.
func Comment(message, level string, details any) Event {
	return Event{Type: TypeComment, Message: message, Level: level, Details: details}
}

// Delta creates a delta event replaying fn(params...).
func Delta(fn string, params ...any) Event {
	return Event{Type: TypeDelta, Func: fn, Params: params}
}

// Fail creates a failure event.
func Fail(e *ErrorItem) Event { return Event{Type: TypeFail, Err: e} }

// Done, Close, StartUpdates and Restart carry no payload.
func Done() Event         { return Event{Type: TypeDone} }
func Close() Event        { return Event{Type: TypeClose} }
func StartUpdates() Event { return Event{Type: TypeStartUpdates} }
func Restart() Event      { return Event{Type: TypeRestart} }

func (e Event) String() string {
	switch e.Type {
	case TypeItem, TypeRelated:
		return fmt.Sprintf("%s(%v)", e.Type, e.Item)
	case TypeDelta:
		return fmt.Sprintf("delta(%s %v)", e.Func, e.Params)
	case TypeFail:
		return fmt.Sprintf("fail(%v)", e.Err)
	case TypeComment:
		return fmt.Sprintf("comment(%q)", e.Message)
	default:
		return string(e.Type)
	}
}

type eventJSON struct {
	T       EventType         `json:"t"`
	Item    json.RawMessage   `json:"item,omitempty"`
	Schema  *schema.Decl      `json:"schema,omitempty"`
	Message string            `json:"message,omitempty"`
	Level   string            `json:"level,omitempty"`
	Details json.RawMessage   `json:"details,omitempty"`
	Func    string            `json:"func,omitempty"`
	Params  []json.RawMessage `json:"params,omitempty"`
	Error   *ErrorItem        `json:"error,omitempty"`
}

// MarshalJSON encodes the event in its wire form, e.g.
// {"t":"item","item":{"id":1}}.
func (e Event) MarshalJSON() ([]byte, error) {
	out := eventJSON{
		T:       e.Type,
		Schema:  e.Schema,
		Message: e.Message,
		Level:   e.Level,
		Func:    e.Func,
		Error:   e.Err,
	}
	var err error
	switch e.Type {
	case TypeItem, TypeRelated:
		if out.Item, err = json.Marshal(e.Item); err != nil {
			return nil, fmt.Errorf("encoding item: %w", err)
		}
	case TypeComment:
		if e.Details != nil {
			if out.Details, err = json.Marshal(e.Details); err != nil {
				return nil, fmt.Errorf("encoding comment details: %w", err)
			}
		}
	case TypeDelta:
		out.Params = make([]json.RawMessage, len(e.Params))
		for i, p := range e.Params {
			if out.Params[i], err = json.Marshal(p); err != nil {
				return nil, fmt.Errorf("encoding delta param %d: %w", i, err)
			}
		}
	}
	return json.Marshal(out)
}

// UnmarshalJSON decodes the wire form. Item payloads and delta params
// decode to value.Value.
func (e *Event) UnmarshalJSON(data []byte) error {
	var in eventJSON
	if err := json.Unmarshal(data, &in); err != nil {
		return err
	}
	if in.T == "" {
		return fmt.Errorf("event missing type")
	}

	*e = Event{
		Type:    in.T,
		Schema:  in.Schema,
		Message: in.Message,
		Level:   in.Level,
		Func:    in.Func,
		Err:     in.Error,
	}
	if len(in.Item) > 0 {
		v, err := value.Decode(in.Item)
		if err != nil {
			return fmt.Errorf("decoding item: %w", err)
		}
		e.Item = v
	}
	if len(in.Details) > 0 {
		v, err := value.Decode(in.Details)
		if err != nil {
			return fmt.Errorf("decoding comment details: %w", err)
		}
		e.Details = v
	}
	if in.T == TypeDelta {
		e.Params = make([]any, len(in.Params))
		for i, raw := range in.Params {
			v, err := value.Decode(raw)
			if err != nil {
				return fmt.Errorf("decoding delta param %d: %w", i, err)
			}
			e.Params[i] = v
		}
	}
	return nil
}
