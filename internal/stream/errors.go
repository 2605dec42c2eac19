package stream

import (
	"errors"
	"fmt"
	"strings"
)

// ErrBackpressureStop is returned by a send on a stream whose consumer
// has gone away. It is a control signal, not a failure: producers stop
// emitting and return cleanly.
var ErrBackpressureStop = errors.New("backpressure stop: downstream closed")

// IsBackpressureStop reports whether err is (or wraps) ErrBackpressureStop.
func IsBackpressureStop(err error) bool {
	return errors.Is(err, ErrBackpressureStop)
}

// ProtocolError reports an illegal event sequence or an unknown stream
// id. It indicates an integration bug and is never converted into a Fail
// event.
type ProtocolError struct {
	Stream  string // debug label of the offending stream
	Message string
	Event   *Event
}

func (e *ProtocolError) Error() string {
	msg := "protocol error"
	if e.Stream != "" {
		msg += " on " + e.Stream
	}
	msg += ": " + e.Message
	if e.Event != nil {
		msg += fmt.Sprintf(" (event %s)", e.Event)
	}
	return msg
}

// IsProtocolError reports whether err is a *ProtocolError.
func IsProtocolError(err error) bool {
	var pe *ProtocolError
	return errors.As(err, &pe)
}

// UsageError reports API misuse, such as attaching a second consumer.
type UsageError struct {
	Message string
}

func (e *UsageError) Error() string {
	return "usage error: " + e.Message
}

// IsUsageError reports whether err is a *UsageError.
func IsUsageError(err error) bool {
	var ue *UsageError
	return errors.As(err, &ue)
}

// Request-level failure types carried in Fail events.
const (
	ErrNotFound           = "not_found"
	ErrTimedOut           = "timed_out"
	ErrBadRequest         = "bad_request"
	ErrUnhandledRequest   = "unhandled_request"
	ErrConnectionClosed   = "connection_closed"
	ErrConnectionFailed   = "connection_failed"
	ErrNoHandler          = "no_handler"
	ErrUnhandledException = "unhandled_exception"
	ErrRateLimited        = "rate_limited"
	ErrIncompleteReply    = "incomplete_reply"
)

// ErrorItem is a request-level failure. It travels inside Fail events
// (and over the wire) and also implements error so it can be returned
// and wrapped like any other Go error.
type ErrorItem struct {
	ErrorType    string         `json:"errorType"`
	ErrorMessage string         `json:"errorMessage,omitempty"`
	FailureID    string         `json:"failureId,omitempty"`
	Stack        string         `json:"stack,omitempty"`
	Cause        *ErrorItem     `json:"cause,omitempty"`
	Info         map[string]any `json:"info,omitempty"`
}

// NewError creates an ErrorItem of the given type.
func NewError(errorType, format string, args ...any) *ErrorItem {
	msg := format
	if len(args) > 0 {
		msg = fmt.Sprintf(format, args...)
	}
	return &ErrorItem{ErrorType: errorType, ErrorMessage: msg}
}

func (e *ErrorItem) Error() string {
	if e.ErrorMessage == "" {
		return "error (" + e.ErrorType + ")"
	}
	return "error (" + e.ErrorType + "): " + e.ErrorMessage
}

// Unwrap exposes the cause chain to errors.Is / errors.As.
func (e *ErrorItem) Unwrap() error {
	if e.Cause == nil {
		return nil
	}
	return e.Cause
}

// AsErrorItem extracts an *ErrorItem from err's chain.
func AsErrorItem(err error) (*ErrorItem, bool) {
	var item *ErrorItem
	if errors.As(err, &item) {
		return item, true
	}
	return nil, false
}

// HasErrorType reports whether err carries an ErrorItem of the given type.
func HasErrorType(err error, errorType string) bool {
	item, ok := AsErrorItem(err)
	return ok && item.ErrorType == errorType
}

// Capture converts any error into an ErrorItem. ErrorItems pass through
// (copied); messages starting with "not found" become not_found;
// everything else is unhandled_exception.
func Capture(err error) *ErrorItem {
	if err == nil {
		return &ErrorItem{ErrorType: ErrUnhandledException, ErrorMessage: "nil error"}
	}
	if item, ok := AsErrorItem(err); ok {
		cp := *item
		if cp.ErrorType == "" {
			cp.ErrorType = ErrUnhandledException
		}
		return &cp
	}
	msg := err.Error()
	if strings.HasPrefix(strings.ToLower(msg), "not found") {
		return &ErrorItem{ErrorType: ErrNotFound, ErrorMessage: msg}
	}
	return &ErrorItem{ErrorType: ErrUnhandledException, ErrorMessage: msg}
}
