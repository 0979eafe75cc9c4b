// Package errors implements portod's closed error-kind enum (spec §7).
//
// Every core operation returns a *Error (or nil), never a bare fmt.Errorf,
// so the RPC router can translate failures to a stable wire error code
// without string-matching messages.
package errors

import (
	"errors"
	"fmt"
)

// Kind is a closed enum of error categories. The exact set is fixed by the
// specification; RPC clients depend on the numeric stability of this list.
type Kind int

const (
	Unknown Kind = iota
	InvalidValue
	InvalidProperty
	InvalidData
	InvalidState
	InvalidCommand
	InvalidPath
	ContainerDoesNotExist
	ContainerAlreadyExists
	Permission
	ResourceNotAvailable
	NotSupported
	VolumeNotFound
	VolumeAlreadyExists
)

var names = map[Kind]string{
	Unknown:                "Unknown",
	InvalidValue:           "InvalidValue",
	InvalidProperty:        "InvalidProperty",
	InvalidData:            "InvalidData",
	InvalidState:           "InvalidState",
	InvalidCommand:         "InvalidCommand",
	InvalidPath:            "InvalidPath",
	ContainerDoesNotExist:  "ContainerDoesNotExist",
	ContainerAlreadyExists: "ContainerAlreadyExists",
	Permission:             "Permission",
	ResourceNotAvailable:   "ResourceNotAvailable",
	NotSupported:           "NotSupported",
	VolumeNotFound:         "VolumeNotFound",
	VolumeAlreadyExists:    "VolumeAlreadyExists",
}

func (k Kind) String() string {
	if s, ok := names[k]; ok {
		return s
	}
	return "Unknown"
}

// Error is the concrete error type returned by every core operation.
type Error struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Cause }

// New builds a *Error with the given kind and formatted message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap builds a *Error around an existing error without losing it.
func Wrap(kind Kind, cause error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf returns the Kind of err if it is (or wraps) a *Error, else Unknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return Unknown
}
