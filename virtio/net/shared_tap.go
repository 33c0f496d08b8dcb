package net

import (
	"errors"
	"sync"
)

// ErrTapPoisoned is the panic value raised when the tap guard is acquired
// after an earlier holder panicked. Whatever that holder was doing to the tap
// may be half done, so nobody gets to touch it again.
var ErrTapPoisoned = errors.New("tap guard poisoned by an earlier panic")

// SharedTap serializes access to a [Tap] that the dispatcher and the queue
// processors both hold.
type SharedTap struct {
	mu       sync.Mutex
	tap      Tap
	poisoned bool
}

func NewSharedTap(tap Tap) *SharedTap {
	return &SharedTap{tap: tap}
}

// With runs fn while holding the guard. If fn panics the guard is poisoned and
// the panic continues.
func (s *SharedTap) With(fn func(Tap) error) error {
	s.mu.Lock()
	if s.poisoned {
		s.mu.Unlock()
		panic(ErrTapPoisoned)
	}

	completed := false
	defer func() {
		if !completed {
			s.poisoned = true
		}
		s.mu.Unlock()
	}()

	err := fn(s.tap)
	completed = true
	return err
}

// FD returns the tap descriptor. The guard is released before returning, the
// value is only good for registration with an event loop.
func (s *SharedTap) FD() int {
	var fd int
	_ = s.With(func(t Tap) error {
		fd = t.FD()
		return nil
	})
	return fd
}

func (s *SharedTap) Read(b []byte) (n int, err error) {
	err = s.With(func(t Tap) error {
		n, err = t.Read(b)
		return err
	})
	return n, err
}

func (s *SharedTap) Write(b []byte) (n int, err error) {
	err = s.With(func(t Tap) error {
		n, err = t.Write(b)
		return err
	})
	return n, err
}

// SetOffload forwards to the tap if it supports offloads and is a no-op
// otherwise.
func (s *SharedTap) SetOffload(flags int) error {
	return s.With(func(t Tap) error {
		if o, ok := t.(offloader); ok {
			return o.SetOffload(flags)
		}
		return nil
	})
}

func (s *SharedTap) Close() error {
	return s.With(func(t Tap) error {
		return t.Close()
	})
}

// Poisoned reports whether a holder panicked. It never panics itself.
func (s *SharedTap) Poisoned() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.poisoned
}
