package net

import (
	"fmt"
	"strconv"
)

// Source identifies which of the three registrations a notification came
// from. It is the data tag carried through the event loop.
type Source uint32

const (
	TapReadable Source = iota
	RxKick
	TxKick
)

func (s Source) String() string {
	switch s {
	case TapReadable:
		return "tap"
	case RxKick:
		return "rx"
	case TxKick:
		return "tx"
	default:
		return "unknown(" + strconv.FormatUint(uint64(s), 10) + ")"
	}
}

// ErrorKind separates notifications that should never have been delivered
// from collaborators that failed while handling a legitimate one. Both stop
// the device.
type ErrorKind int

const (
	ProtocolViolation ErrorKind = iota
	ResourceFailure
)

func (k ErrorKind) String() string {
	switch k {
	case ProtocolViolation:
		return "protocol violation"
	case ResourceFailure:
		return "resource failure"
	default:
		return "unknown"
	}
}

// DeviceError is the reason the dispatcher tore the device down.
type DeviceError struct {
	Kind   ErrorKind
	Source Source
	Reason string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return e.Reason
	}
	return e.Reason + ": " + e.Err.Error()
}

func (e *DeviceError) Unwrap() error {
	return e.Err
}

// TeardownError is the panic value raised when a registration can not be
// removed during teardown. The loop would keep delivering notifications for a
// device that no longer processes them, so there is nothing to recover to.
type TeardownError struct {
	Source Source
	FD     int
	Err    error
}

func (e *TeardownError) Error() string {
	return fmt.Sprintf("failed to remove %s registration for fd %d: %v", e.Source, e.FD, e.Err)
}

func (e *TeardownError) Unwrap() error {
	return e.Err
}
