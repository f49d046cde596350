package mem

import (
	"errors"
	"fmt"
)

// Kind classifies memory-management failures.
type Kind uint8

const (
	// OutOfMemory means no free run or block of the requested size exists.
	OutOfMemory Kind = iota + 1

	// InvalidAddress means a free/map/unmap target is unaligned or outside
	// the managed region.
	InvalidAddress

	// AllocatorExhausted means a backing allocator needed to grow another
	// layer (a new page table, more heap) had no memory left.
	AllocatorExhausted
)

var (
	// ErrOutOfMemory matches any *Error of kind OutOfMemory.
	ErrOutOfMemory = errors.New("out of memory")

	// ErrInvalidAddress matches any *Error of kind InvalidAddress.
	ErrInvalidAddress = errors.New("invalid address")

	// ErrAllocatorExhausted matches any *Error of kind AllocatorExhausted.
	ErrAllocatorExhausted = errors.New("backing allocator exhausted")
)

func (k Kind) String() string {
	switch k {
	case OutOfMemory:
		return "OutOfMemory"
	case InvalidAddress:
		return "InvalidAddress"
	case AllocatorExhausted:
		return "AllocatorExhausted"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

func (k Kind) sentinel() error {
	switch k {
	case OutOfMemory:
		return ErrOutOfMemory
	case InvalidAddress:
		return ErrInvalidAddress
	case AllocatorExhausted:
		return ErrAllocatorExhausted
	}
	return nil
}

// Error describes a memory-management failure. The core never halts the
// machine itself: Fatal records that the failing layer had no fallback and
// the caller decides whether that means halt (early boot) or propagate.
type Error struct {
	// Module is the component that raised the error (e.g. "pagealloc").
	Module string

	Kind    Kind
	Message string
	Fatal   bool
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Fatal {
		return fmt.Sprintf("[%s] fatal %s: %s", e.Module, e.Kind, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Module, e.Kind, e.Message)
}

// Is matches the sentinel for the error's kind so callers can write
// errors.Is(err, mem.ErrOutOfMemory).
func (e *Error) Is(target error) bool {
	if t, ok := target.(*Error); ok {
		return t.Kind == e.Kind
	}
	return target == e.Kind.sentinel()
}

// Recoverable returns a copy of e with the fatal marker cleared.
func (e *Error) Recoverable() *Error {
	c := *e
	c.Fatal = false
	return &c
}

// Errorf builds a non-fatal *Error.
func Errorf(module string, kind Kind, format string, args ...any) *Error {
	return &Error{Module: module, Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Fatalf builds an *Error carrying the fatal marker.
func Fatalf(module string, kind Kind, format string, args ...any) *Error {
	return &Error{Module: module, Kind: kind, Message: fmt.Sprintf(format, args...), Fatal: true}
}

// IsFatal reports whether any *Error in err's chain carries the fatal marker.
func IsFatal(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Fatal
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
