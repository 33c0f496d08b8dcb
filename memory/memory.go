// Package memory provides the guest physical address space backing a virtual
// machine: one contiguous region starting at guest physical address zero.
package memory

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

var (
	// ErrAddressOutOfRange is returned for any access that is not fully
	// contained in guest memory.
	ErrAddressOutOfRange = errors.New("guest address out of range")

	ErrInvalidSize = errors.New("guest memory size must be a non-zero multiple of the page size")
)

// GuestMemory is a view over guest RAM. Accessors never hand out memory beyond
// the region and treat every address as untrusted input from the guest.
type GuestMemory struct {
	buf    []byte
	mapped bool
}

// New maps size bytes of anonymous memory to serve as guest RAM.
func New(size uint64) (*GuestMemory, error) {
	if size == 0 || size%uint64(unix.Getpagesize()) != 0 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}

	buf, err := unix.Mmap(-1, 0, int(size),
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE)
	if err != nil {
		return nil, fmt.Errorf("allocate guest memory: %w", err)
	}

	return &GuestMemory{buf: buf, mapped: true}, nil
}

// FromBytes wraps an existing buffer, mostly useful for tests.
func FromBytes(b []byte) *GuestMemory {
	return &GuestMemory{buf: b}
}

func (m *GuestMemory) Size() uint64 {
	return uint64(len(m.buf))
}

// Slice returns the n bytes at gpa. The slice aliases guest memory.
func (m *GuestMemory) Slice(gpa uint64, n uint64) ([]byte, error) {
	if !m.contains(gpa, n) {
		return nil, fmt.Errorf("%w: %#x+%d", ErrAddressOutOfRange, gpa, n)
	}
	return m.buf[gpa : gpa+n : gpa+n], nil
}

// ReadAt copies len(p) bytes at gpa into p.
func (m *GuestMemory) ReadAt(p []byte, gpa uint64) error {
	b, err := m.Slice(gpa, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(p, b)
	return nil
}

// WriteAt copies p into guest memory at gpa.
func (m *GuestMemory) WriteAt(p []byte, gpa uint64) error {
	b, err := m.Slice(gpa, uint64(len(p)))
	if err != nil {
		return err
	}
	copy(b, p)
	return nil
}

func (m *GuestMemory) contains(gpa uint64, n uint64) bool {
	size := uint64(len(m.buf))
	return gpa <= size && n <= size-gpa
}

// Close unmaps memory created by [New]. Memory from [FromBytes] is left alone.
func (m *GuestMemory) Close() error {
	if !m.mapped || m.buf == nil {
		m.buf = nil
		return nil
	}
	err := unix.Munmap(m.buf)
	m.buf = nil
	m.mapped = false
	return err
}
