// Package radio implements the half-duplex LoRa transport the leader
// uses to talk to field devices: a mutex-serialized send/recv interface
// plus a real SPI/GPIO binding and an in-memory loopback for tests.
package radio

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Status classifies a radio-layer failure.
type Status int

const (
	StatusOk Status = iota
	StatusTxTimeout
	StatusTooLong
	StatusCrcError
	StatusDriverOperationFailed
	StatusDriverTimeout
	StatusNotFound
	StatusInvalidArgument
)

var statusMessages = map[Status]string{
	StatusOk:                    "ok",
	StatusTxTimeout:             "transmit timed out",
	StatusTooLong:               "frame exceeds 255 bytes",
	StatusCrcError:              "receive crc error",
	StatusDriverOperationFailed: "driver operation failed",
	StatusDriverTimeout:         "driver operation timed out",
	StatusNotFound:              "device not found",
	StatusInvalidArgument:       "invalid argument",
}

func (s Status) String() string {
	if msg, ok := statusMessages[s]; ok {
		return msg
	}
	return fmt.Sprintf("unknown status (%d)", int(s))
}

// Error reports a radio-layer failure, grounded in the same
// status+context+cause shape as the driver layer this package descends
// from.
type Error struct {
	Status  Status
	Context string
	Cause   error
}

func (e *Error) Error() string {
	msg := e.Status.String()
	if e.Cause != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Cause)
	}
	if e.Context != "" {
		return fmt.Sprintf("%s: %s", e.Context, msg)
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Cause
}

func (e *Error) Is(target error) bool {
	other, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Status == other.Status
}

func NewError(status Status, context string) *Error {
	return &Error{Status: status, Context: context}
}

func NewErrorWithCause(status Status, context string, cause error) *Error {
	return &Error{Status: status, Context: context, Cause: cause}
}

// ErrnoToStatus maps a syscall errno onto a radio Status, mirroring
// driver.ErrnoToStatus's table-driven approach.
func ErrnoToStatus(errno unix.Errno) Status {
	switch errno {
	case unix.ENOENT:
		return StatusNotFound
	case unix.EINVAL:
		return StatusInvalidArgument
	case unix.ETIMEDOUT:
		return StatusDriverTimeout
	default:
		return StatusDriverOperationFailed
	}
}

// StatusFromErrno builds an Error directly from an errno, the way
// driver.StatusFromErrno does.
func StatusFromErrno(errno unix.Errno, context string) *Error {
	return &Error{Status: ErrnoToStatus(errno), Context: context, Cause: errno}
}
