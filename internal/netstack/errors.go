package netstack

import (
	"errors"
	"fmt"

	"gvisor.dev/gvisor/pkg/tcpip"
)

var (
	// ErrNotInitialized is returned when the global stack is used before
	// Init.
	ErrNotInitialized = errors.New("netstack: stack not initialized")

	// ErrAlreadyInitialized is returned by Init when a stack already exists;
	// exactly one live instance is allowed.
	ErrAlreadyInitialized = errors.New("netstack: stack already initialized")

	// ErrTimeout is returned by every time-bounded operation when the
	// injected clock passes the deadline before the awaited condition holds.
	ErrTimeout = errors.New("netstack: operation timed out")

	// ErrConnectionFailed is returned when a TCP connect reaches a closed or
	// closing state instead of established.
	ErrConnectionFailed = errors.New("netstack: connection failed")

	// ErrClosed is returned for operations on a closed connection.
	ErrClosed = errors.New("netstack: connection closed")

	// ErrInvalidAddress is returned for malformed addresses.
	ErrInvalidAddress = errors.New("netstack: invalid address")

	// ErrDNSFormat is returned for malformed DNS wire data, including
	// compression-pointer chains above the jump limit.
	ErrDNSFormat = errors.New("netstack: malformed dns message")

	// ErrDNSNoAnswer is returned when a well-formed response carries no
	// usable A record.
	ErrDNSNoAnswer = errors.New("netstack: no address in dns response")

	// ErrDHCPFormat is returned for malformed DHCP replies.
	ErrDHCPFormat = errors.New("netstack: malformed dhcp message")
)

// tcpipError adapts the IP/TCP library's error values, which do not
// implement the error interface, into the stack's error chain.
type tcpipError struct {
	op  string
	err tcpip.Error
}

func (e *tcpipError) Error() string {
	return fmt.Sprintf("netstack: %s: %s", e.op, e.err.String())
}

// wrapTCPIP returns nil for a nil library error.
func wrapTCPIP(op string, err tcpip.Error) error {
	if err == nil {
		return nil
	}
	return &tcpipError{op: op, err: err}
}

func isWouldBlock(err tcpip.Error) bool {
	_, ok := err.(*tcpip.ErrWouldBlock)
	return ok
}
