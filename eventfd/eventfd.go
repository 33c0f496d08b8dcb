// Package eventfd wraps the Linux eventfd(2) counter used for guest kicks and
// interrupt lines.
package eventfd

import (
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrClosed is returned when operating on an [EventFD] after [EventFD.Close].
var ErrClosed = errors.New("eventfd is closed")

// EventFD is a non-blocking eventfd. The zero value is not usable, use [New].
// Write, Kick and Read may be called from any goroutine.
type EventFD struct {
	fd int
}

// New creates a non-blocking, close-on-exec eventfd with an initial count of
// zero.
func New() (*EventFD, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("create eventfd: %w", err)
	}
	return &EventFD{fd: fd}, nil
}

// Write adds v to the counter. Anything polling the descriptor for readability
// is woken up.
func (e *EventFD) Write(v uint64) error {
	if e.fd < 0 {
		return ErrClosed
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	_, err := unix.Write(e.fd, buf[:])
	return err
}

// Kick is Write(1).
func (e *EventFD) Kick() error {
	return e.Write(1)
}

// Read returns the pending count and resets it to zero. With nothing pending
// the call fails with unix.EAGAIN since the descriptor is non-blocking.
func (e *EventFD) Read() (uint64, error) {
	if e.fd < 0 {
		return 0, ErrClosed
	}
	var buf [8]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		return 0, err
	}
	if n != len(buf) {
		return 0, fmt.Errorf("short eventfd read: %d bytes", n)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

// FD returns the raw descriptor, for registration with a poller.
func (e *EventFD) FD() int {
	return e.fd
}

// Close releases the descriptor. Calling Close more than once is a no-op.
func (e *EventFD) Close() error {
	if e.fd < 0 {
		return nil
	}
	err := unix.Close(e.fd)
	e.fd = -1
	return err
}
