// Package dberr defines the typed error taxonomy shared by the store, index, quantizer
// and learning layers.
package dberr

import (
	"errors"
	"fmt"
)

// Kind classifies an error by the precondition or invariant that was violated.
type Kind uint8

const (
	KindUnknown Kind = iota
	KindInvalidDimension
	KindNotFound
	KindQuantizationUntrained
	KindCapacityExceeded
	KindCorruptIndex
	KindInvalidState
	KindInsufficientData
	KindIncompatibleCode
	KindInvalidArgument
	KindDuplicateID
	KindStorage
)

var kindNames = map[Kind]string{
	KindUnknown:               "unknown",
	KindInvalidDimension:      "invalid dimension",
	KindNotFound:              "not found",
	KindQuantizationUntrained: "quantizer untrained",
	KindCapacityExceeded:      "capacity exceeded",
	KindCorruptIndex:          "corrupt index",
	KindInvalidState:          "invalid state",
	KindInsufficientData:      "insufficient data",
	KindIncompatibleCode:      "incompatible quantization code",
	KindInvalidArgument:       "invalid argument",
	KindDuplicateID:           "duplicate id",
	KindStorage:               "storage failure",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

// Sentinel values for errors.Is checks. Any *Error of the same Kind matches its sentinel.
var (
	ErrInvalidDimension      = &Error{Kind: KindInvalidDimension}
	ErrNotFound              = &Error{Kind: KindNotFound}
	ErrQuantizationUntrained = &Error{Kind: KindQuantizationUntrained}
	ErrCapacityExceeded      = &Error{Kind: KindCapacityExceeded}
	ErrCorruptIndex          = &Error{Kind: KindCorruptIndex}
	ErrInvalidState          = &Error{Kind: KindInvalidState}
	ErrInsufficientData      = &Error{Kind: KindInsufficientData}
	ErrIncompatibleCode      = &Error{Kind: KindIncompatibleCode}
	ErrInvalidArgument       = &Error{Kind: KindInvalidArgument}
	ErrDuplicateID           = &Error{Kind: KindDuplicateID}
	ErrStorage               = &Error{Kind: KindStorage}
)

// Error is a classified failure. Op names the operation that failed ("store.insert",
// "session.end"); Err carries the detail. Transient marks retryable I/O failures.
type Error struct {
	Kind      Kind
	Op        string
	Err       error
	Transient bool
}

func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches any *Error with the same Kind, so errors.Is(err, dberr.ErrNotFound) works
// regardless of Op and detail.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && (t.Op == "" || t.Op == e.Op)
}

// E builds a classified error.
func E(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Errorf builds a classified error with a formatted detail message.
func Errorf(kind Kind, op, format string, args ...any) *Error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// Transient builds a retryable storage error.
func Transient(op string, err error) *Error {
	return &Error{Kind: KindStorage, Op: op, Err: err, Transient: true}
}

// Dimension reports an embedding whose length does not match the store dimension.
func Dimension(op string, want, got int) *Error {
	return Errorf(KindInvalidDimension, op, "expected %d, got %d", want, got)
}

// KindOf returns the Kind of the first *Error in err's chain, or KindUnknown.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsTransient reports whether err is a retryable storage failure.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Transient
	}
	return false
}
