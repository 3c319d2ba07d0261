package cache

import (
	"errors"
	"fmt"
)

var (
	// ErrResourceExhausted is the kind of a FatalError raised when every buffer
	// is referenced and a new block is requested.
	ErrResourceExhausted = errors.New("blockcache: no free buffers")

	// ErrProtocolViolation is the kind of a FatalError raised when a caller
	// breaks the locking or reference-counting protocol.
	ErrProtocolViolation = errors.New("blockcache: protocol violation")

	// ErrIO is matched by every *IOError returned from Read and Write.
	ErrIO = errors.New("blockcache: device transfer failed")
)

// FatalError is the panic value for broken invariants. It is never returned
// as an ordinary error: the cache panics with it, and a caller that recovers
// is expected to tear down, not continue.
//
// errors.Is(fe, ErrResourceExhausted) or errors.Is(fe, ErrProtocolViolation)
// identifies the kind.
type FatalError struct {
	Kind  error
	Op    string
	Key   Key
	Cause string
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%v: %s dev=%d block=%d: %s", e.Kind, e.Op, e.Key.Dev, e.Key.Block, e.Cause)
}

func (e *FatalError) Unwrap() error { return e.Kind }

// IOError reports a failed device transfer. It is recoverable by the caller
// (retry, fail the syscall) but not by the cache.
//
// The device error is available via errors.Unwrap.
type IOError struct {
	Op  Op
	Key Key
	Err error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("blockcache: %s dev=%d block=%d: %v", e.Op, e.Key.Dev, e.Key.Block, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// Is makes every IOError match ErrIO in addition to its cause.
func (e *IOError) Is(target error) bool { return target == ErrIO }
