package transport

import (
	"errors"
	"fmt"
	"syscall"
)

// Sentinel errors for transport sessions.
var (
	// ErrIdleTimeout faults a streaming session that received nothing
	// for its idle timeout.
	ErrIdleTimeout = errors.New("transport: idle timeout")

	// ErrClosed is returned by operations on a closed or faulted session.
	ErrClosed = errors.New("transport: session closed")

	// ErrNoPeer is returned when a listening side writes before it has
	// learned its peer. The packet is dropped.
	ErrNoPeer = errors.New("transport: peer not yet known")

	// ErrUnknownTransport names a backend that does not exist.
	ErrUnknownTransport = errors.New("transport: unknown backend")

	// ErrUnitTooLarge is returned by SendUnit for more packets than the
	// send queue can ever hold.
	ErrUnitTooLarge = errors.New("transport: unit exceeds send queue")
)

// Error is a transport failure, recording the operation that failed.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string {
	return fmt.Sprintf("transport: %s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// transient reports errors that lose one packet but leave the socket
// usable: an ICMP port unreachable from a peer that is not up yet, or a
// write before the peer is known.
func transient(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, ErrNoPeer)
}
