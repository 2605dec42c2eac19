package remote

import (
	"encoding/json"
	"fmt"

	"github.com/roach88/streamtable/internal/stream"
	"github.com/roach88/streamtable/internal/value"
)

// MessageType tags a Message. The string form is the wire encoding.
type MessageType string

const (
	MsgConnectionLevelRequest MessageType = "connection_level_request"
	MsgRequest                MessageType = "request"
	MsgResponse               MessageType = "response"
	MsgCloseRequest           MessageType = "close_request"
	MsgConnectionEstablished  MessageType = "connection_established"
	MsgConnectionLost         MessageType = "connection_lost"
	MsgSetConnectionMetadata  MessageType = "set_connection_metadata"
)

// ReqListenToTable is the only connection-level request type.
const ReqListenToTable = "ListenToTable"

// Message is one transport message. Which fields are meaningful depends
// on Type:
//
//	request                   Req, StreamID
//	connection_level_request  ReqType, Name, Options, StreamID
//	response                  Event, StreamID
//	close_request             StreamID
//	connection_established    -
//	connection_lost           ShouldRetry
//	set_connection_metadata   Sender
//
// connection_established, connection_lost and set_connection_metadata
// are produced by the Transport itself and never cross the wire.
type Message struct {
	Type        MessageType   `json:"t"`
	StreamID    int64         `json:"streamId,omitempty"`
	Req         value.Object  `json:"req,omitempty"`
	ReqType     string        `json:"reqType,omitempty"`
	Name        string        `json:"name,omitempty"`
	Options     value.Object  `json:"options,omitempty"`
	Event       *stream.Event `json:"evt,omitempty"`
	ShouldRetry *bool         `json:"shouldRetry,omitempty"`
	Sender      string        `json:"sender,omitempty"`
}

func (m Message) String() string {
	switch m.Type {
	case MsgRequest:
		return fmt.Sprintf("request#%d(%v)", m.StreamID, m.Req)
	case MsgConnectionLevelRequest:
		return fmt.Sprintf("%s#%d(%s)", m.ReqType, m.StreamID, m.Name)
	case MsgResponse:
		if m.Event == nil {
			return fmt.Sprintf("response#%d", m.StreamID)
		}
		return fmt.Sprintf("response#%d(%s)", m.StreamID, m.Event)
	case MsgCloseRequest:
		return fmt.Sprintf("close_request#%d", m.StreamID)
	default:
		return string(m.Type)
	}
}

// Lost builds a connection_lost message.
func Lost(shouldRetry bool) Message {
	return Message{Type: MsgConnectionLost, ShouldRetry: &shouldRetry}
}

// Established builds a connection_established message.
func Established() Message {
	return Message{Type: MsgConnectionEstablished}
}

// Retry reports whether a connection_lost message allows reconnecting.
// A missing flag means yes.
func (m Message) Retry() bool {
	return m.ShouldRetry == nil || *m.ShouldRetry
}

// Encode returns the wire form of m.
func Encode(m Message) ([]byte, error) {
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("encoding %s message: %w", m.Type, err)
	}
	return data, nil
}

// Decode parses and checks a wire message.
func Decode(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decoding message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Validate checks that the fields Type requires are present.
func (m Message) Validate() error {
	switch m.Type {
	case MsgRequest, MsgCloseRequest:
		if m.StreamID <= 0 {
			return fmt.Errorf("%s message missing streamId", m.Type)
		}
	case MsgConnectionLevelRequest:
		if m.ReqType == "" {
			return fmt.Errorf("%s message missing reqType", m.Type)
		}
	case MsgResponse:
		if m.StreamID <= 0 {
			return fmt.Errorf("%s message missing streamId", m.Type)
		}
		if m.Event == nil {
			return fmt.Errorf("%s message missing evt", m.Type)
		}
	case MsgConnectionEstablished, MsgConnectionLost, MsgSetConnectionMetadata:
	case "":
		return fmt.Errorf("message missing type")
	default:
		return fmt.Errorf("unknown message type %q", m.Type)
	}
	return nil
}
