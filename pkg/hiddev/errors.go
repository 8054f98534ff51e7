package hiddev

import (
	"errors"
	"fmt"
	"syscall"
)

// Errors returned by transport operations may be tested with errors.Is.
var (
	// ErrNotOpen is returned when an operation required an open handle
	// that was absent and could not be lazily opened.
	ErrNotOpen = errors.New("device not open")

	// ErrOpen is returned when handle acquisition itself failed.
	ErrOpen = errors.New("device open failed")

	// ErrNotFound is returned when a lookup by id found no entry.
	ErrNotFound = errors.New("device not found")

	// ErrDataOverlength is returned when a requested payload or length
	// exceeds the device's fixed report capability length.
	ErrDataOverlength = errors.New("data exceeds the maximum report length")
)

// PlatformError wraps a failed OS call. Errno carries the raw status
// code when one could be extracted from the underlying error.
type PlatformError struct {
	Op    string
	Errno syscall.Errno
	Err   error
}

func (e *PlatformError) Error() string {
	if e.Errno != 0 {
		return fmt.Sprintf("%s: platform error 0x%X: %v", e.Op, uintptr(e.Errno), e.Err)
	}
	return fmt.Sprintf("%s: platform error: %v", e.Op, e.Err)
}

func (e *PlatformError) Unwrap() error {
	return e.Err
}

func platformError(op string, err error) error {
	var errno syscall.Errno
	errors.As(err, &errno)
	return &PlatformError{Op: op, Errno: errno, Err: err}
}
