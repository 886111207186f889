// Package fault defines the stable error codes shared across components and
// with peer servers. Codes are part of the wire contract: peers match on the
// string value, not on Go types.
package fault

import (
	"errors"
	"fmt"
)

type Code string

const (
	UnknownType        Code = "unknown_type"
	UnsupportedEntity  Code = "unsupported_entity"
	InvalidPayload     Code = "invalid_payload"
	SerializeFailed    Code = "serialize_failed"
	DeserializeFailed  Code = "deserialize_failed"
	NoRootSpots        Code = "no_root_spots"
	TransfersDisabled  Code = "transfers_disabled"
	UnknownServer      Code = "unknown_server"
	UnreachableServer  Code = "unreachable_server"
	WorldNotFound      Code = "world_not_found"
	ConnectionNotFound Code = "connection_not_found"
	TransferNotFound   Code = "transfer_not_found"
	DegradedRunner     Code = "degraded_runner"
)

// Error is the tagged record every cross-component call returns instead of
// raising. Context carries structured detail for logs and wire responses.
type Error struct {
	Code    Code           `json:"error"`
	Message string         `json:"message,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// New builds an Error with just a code.
func New(code Code) *Error {
	return &Error{Code: code}
}

// Errorf builds an Error with a formatted message.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// With attaches one context key. Returns the receiver for chaining.
func (e *Error) With(key string, value any) *Error {
	if e.Context == nil {
		e.Context = make(map[string]any, 2)
	}
	e.Context[key] = value
	return e
}

// CodeOf extracts the code from any error in the chain, or "" if the error
// carries no fault code.
func CodeOf(err error) Code {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}
