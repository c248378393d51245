// Package fault defines the error kinds shared by every systat component and
// prints causal chains of wrapped errors.
package fault

import (
	"errors"
	"fmt"
	"io"
	"strings"
)

// Kind classifies a failure.
type Kind int

const (
	// Unknown is the zero kind; it is used by errors that only add context.
	Unknown Kind = iota

	// Transport is a connection or socket failure. It is fatal to the
	// affected source only.
	Transport

	// UnsupportedType is returned when wire data carries a type the decoder
	// does not model.
	UnsupportedType

	// MalformedStructure is returned when wire data does not follow the
	// modeled grammar.
	MalformedStructure

	// EmptyReply is returned when a well-formed reply carries no value.
	EmptyReply

	// IO is a failure of a device or file read.
	IO

	// System is an OS-level failure of the dispatch loop itself.
	System
)

var kindNames = map[Kind]string{
	Unknown:            "unknown",
	Transport:          "transport error",
	UnsupportedType:    "unsupported type",
	MalformedStructure: "malformed structure",
	EmptyReply:         "empty reply",
	IO:                 "io error",
	System:             "system error",
}

func (k Kind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// Error implements error so a Kind can be used as errors.Is target:
//
//	errors.Is(err, fault.EmptyReply)
func (k Kind) Error() string {
	return k.String()
}

// Error is a failure of a specific kind with an optional cause.
type Error struct {
	Kind Kind
	Msg  string
	Err  error
}

// New returns an error of the given kind without a cause.
func New(kind Kind, msg string) error {
	return &Error{Kind: kind, Msg: msg}
}

// Errorf is like New but formats the message.
func Errorf(kind Kind, format string, args ...any) error {
	return &Error{Kind: kind, Msg: fmt.Sprintf(format, args...)}
}

// Wrap returns an error of the given kind caused by err. Wrap returns nil if
// err is nil.
func Wrap(kind Kind, err error, msg string) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Msg: msg, Err: err}
}

// Context wraps err with a message, keeping the kind of the cause.
func Context(err error, msg string) error {
	return Wrap(Unknown, err, msg)
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Msg
	}
	return e.Msg + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is the kind of e. Errors of Unknown kind never
// match, so that errors.Is continues down the chain.
func (e *Error) Is(target error) bool {
	kind, ok := target.(Kind)
	return ok && kind != Unknown && kind == e.Kind
}

// KindOf returns the kind of the outermost error in the chain that has one.
func KindOf(err error) Kind {
	for err != nil {
		var fe *Error
		if !errors.As(err, &fe) {
			return Unknown
		}
		if fe.Kind != Unknown {
			return fe.Kind
		}
		err = fe.Err
	}
	return Unknown
}

// Chain returns the message of every layer of err, outermost first.
//
// The message of a layer is its own text without the text of its cause, so
// that errors built with fmt.Errorf("context: %w", cause) contribute
// "context" only.
func Chain(err error) []string {
	var layers []string

	for err != nil {
		cause := errors.Unwrap(err)

		var msg string
		if fe, ok := err.(*Error); ok {
			msg = fe.Msg
		} else {
			msg = err.Error()
			if cause != nil {
				msg = strings.TrimSuffix(msg, cause.Error())
				msg = strings.TrimSuffix(msg, ": ")
			}
		}

		layers = append(layers, msg)
		err = cause
	}

	return layers
}

// Print writes the causal chain of err to w, innermost cause first. Every
// line starts with "!" and is indented by the nesting depth of its layer, the
// outermost layer having depth zero:
//
//	!     connection refused
//	!   dial unix /run/dbus/system_bus_socket
//	! failed to get property
func Print(w io.Writer, err error) {
	layers := Chain(err)
	for depth := len(layers) - 1; depth >= 0; depth-- {
		fmt.Fprintf(w, "!%s%s\n", strings.Repeat(" ", depth*2+1), layers[depth])
	}
}
