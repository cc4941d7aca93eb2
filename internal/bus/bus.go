// Package bus reads raw sensor responses from the addressable sensor bus.
package bus

import (
	"errors"
	"fmt"
)

// Client performs one synchronous read at address and returns the sensor's
// response text. Failures are returned as *Error.
type Client interface {
	Read(address string) (string, error)
}

var (
	// ErrBus matches every *Error with errors.Is.
	ErrBus = errors.New("bus error")

	ErrMalformedAddress = errors.New("malformed address")
	ErrNoDevice         = errors.New("no device at address")
	ErrNoData           = errors.New("device returned no data")
	ErrSyntax           = errors.New("device rejected command")
	ErrPending          = errors.New("device still processing")
	ErrClosed           = errors.New("bus closed")
)

// Error is a failed read at one address.
type Error struct {
	Address string
	Err     error
}

func (e *Error) Error() string {
	return fmt.Sprintf("bus read at %q: %v", e.Address, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func (e *Error) Is(target error) bool { return target == ErrBus }

func newError(address string, err error) *Error {
	return &Error{Address: address, Err: err}
}
