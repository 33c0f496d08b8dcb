package net

import (
	"errors"
	"fmt"

	"github.com/tapvm/vnet/events"
	"golang.org/x/sys/unix"
)

// journal records the order collaborators were called in.
type journal struct {
	calls []string
}

func (j *journal) add(format string, args ...any) {
	j.calls = append(j.calls, fmt.Sprintf(format, args...))
}

type fakeOps struct {
	j       *journal
	added   []events.Events
	removed []events.Events
	// failAdd and failRemove make the call for that descriptor fail.
	failAdd    map[int]error
	failRemove map[int]error
}

func newFakeOps(j *journal) *fakeOps {
	return &fakeOps{j: j, failAdd: map[int]error{}, failRemove: map[int]error{}}
}

func (o *fakeOps) Add(e events.Events) error {
	o.j.add("add %d", e.FD())
	if err := o.failAdd[e.FD()]; err != nil {
		return err
	}
	o.added = append(o.added, e)
	return nil
}

func (o *fakeOps) Modify(e events.Events) error {
	o.j.add("modify %d", e.FD())
	return nil
}

func (o *fakeOps) Remove(e events.Events) error {
	o.j.add("remove %d", e.FD())
	if err := o.failRemove[e.FD()]; err != nil {
		return err
	}
	o.removed = append(o.removed, e)
	return nil
}

func (o *fakeOps) removedFDs() []int {
	var fds []int
	for _, e := range o.removed {
		fds = append(fds, e.FD())
	}
	return fds
}

type fakeProcessor struct {
	j                    *journal
	tapErr, rxErr, txErr error
}

func (p *fakeProcessor) ProcessTap() error {
	p.j.add("process tap")
	return p.tapErr
}

func (p *fakeProcessor) ProcessRxQueue() error {
	p.j.add("process rx")
	return p.rxErr
}

func (p *fakeProcessor) ProcessTxQueue() error {
	p.j.add("process tx")
	return p.txErr
}

type fakeKick struct {
	j       *journal
	name    string
	fd      int
	readErr error
}

func (k *fakeKick) FD() int {
	return k.fd
}

func (k *fakeKick) Read() (uint64, error) {
	k.j.add("drain %s", k.name)
	if k.readErr != nil {
		return 0, k.readErr
	}
	return 1, nil
}

// fakeTap hands out queued frames and records what was written. fd may be a
// real descriptor when the tap has to be polled.
type fakeTap struct {
	fd      int
	frames  [][]byte
	written [][]byte
	readErr error
	offload int
	closed  bool
}

func (t *fakeTap) Read(b []byte) (int, error) {
	if t.readErr != nil {
		return 0, t.readErr
	}
	if len(t.frames) == 0 {
		return 0, unix.EAGAIN
	}
	n := copy(b, t.frames[0])
	t.frames = t.frames[1:]
	return n, nil
}

func (t *fakeTap) Write(b []byte) (int, error) {
	t.written = append(t.written, append([]byte(nil), b...))
	return len(b), nil
}

func (t *fakeTap) FD() int {
	return t.fd
}

func (t *fakeTap) SetOffload(flags int) error {
	t.offload = flags
	return nil
}

func (t *fakeTap) Close() error {
	t.closed = true
	return nil
}

type fakeSignal struct {
	signalled []uint16
	err       error
}

func (s *fakeSignal) SignalUsedQueue(index uint16) error {
	s.signalled = append(s.signalled, index)
	return s.err
}

var errBoom = errors.New("boom")

// frame builds a tap frame: a zeroed virtio_net_hdr followed by payload.
func frame(payload string) []byte {
	return append(make([]byte, 12), payload...)
}

func recoverPanic(fn func()) (v any) {
	defer func() {
		v = recover()
	}()
	fn()
	return nil
}
