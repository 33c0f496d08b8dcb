package queue

import (
	"errors"
	"fmt"

	"github.com/tapvm/vnet/memory"
)

var (
	// ErrQueueNotReady is returned when the queue is used before [Queue.Activate]
	// succeeded.
	ErrQueueNotReady = errors.New("queue is not ready")

	// ErrMisaligned is returned when a ring address does not have the
	// alignment the virtio specification requires.
	ErrMisaligned = errors.New("virtqueue address is misaligned")

	// ErrInvalidAvailIndex is returned when the driver claims to have
	// published more chains than the queue can hold.
	ErrInvalidAvailIndex = errors.New("available ring index moved by more than the queue size")

	// ErrInvalidDescriptorChain is returned for a chain with an out of range
	// index, a loop, or an indirect descriptor.
	ErrInvalidDescriptorChain = errors.New("invalid descriptor chain")
)

// Queue is the device side of one split virtqueue. The transport records the
// size and ring addresses the driver writes and calls [Queue.Activate] once
// the driver is done. A queue is used from a single goroutine at a time.
type Queue struct {
	mem     *memory.GuestMemory
	maxSize uint16

	size        uint16
	ready       bool
	descGPA     uint64
	availGPA    uint64
	usedGPA     uint64
	descriptors []Descriptor
	avail       *AvailableRing
	used        *UsedRing

	// nextAvail is the next available ring slot the device will consume,
	// nextUsed the next used ring slot it will fill. Both run freely.
	nextAvail uint16
	nextUsed  uint16
}

func New(mem *memory.GuestMemory, maxSize uint16) *Queue {
	return &Queue{mem: mem, maxSize: maxSize, size: maxSize}
}

func (q *Queue) MaxSize() uint16 {
	return q.maxSize
}

func (q *Queue) Size() uint16 {
	return q.size
}

func (q *Queue) SetSize(size uint16) {
	q.size = size
}

func (q *Queue) SetDescriptorTable(gpa uint64) {
	q.descGPA = gpa
}

func (q *Queue) SetAvailRing(gpa uint64) {
	q.availGPA = gpa
}

func (q *Queue) SetUsedRing(gpa uint64) {
	q.usedGPA = gpa
}

// Addresses returns the descriptor table, available ring and used ring
// addresses last written by the driver.
func (q *Queue) Addresses() (desc, avail, used uint64) {
	return q.descGPA, q.availGPA, q.usedGPA
}

// SetReady records the driver's QueueReady write. It does not validate
// anything, see [Queue.Activate].
func (q *Queue) SetReady(ready bool) {
	q.ready = ready
}

func (q *Queue) Ready() bool {
	return q.ready
}

// Memory is the guest memory the queue's buffers live in.
func (q *Queue) Memory() *memory.GuestMemory {
	return q.mem
}

// Activate validates the configuration the driver provided and builds the
// views over guest memory.
func (q *Queue) Activate() error {
	if !q.ready {
		return ErrQueueNotReady
	}
	if err := CheckQueueSize(int(q.size), int(q.maxSize)); err != nil {
		return err
	}

	size := int(q.size)
	switch {
	case q.descGPA%descriptorTableAlignment != 0:
		return fmt.Errorf("%w: descriptor table at %#x", ErrMisaligned, q.descGPA)
	case q.availGPA%availableRingAlignment != 0:
		return fmt.Errorf("%w: available ring at %#x", ErrMisaligned, q.availGPA)
	case q.usedGPA%usedRingAlignment != 0:
		return fmt.Errorf("%w: used ring at %#x", ErrMisaligned, q.usedGPA)
	}

	descMem, err := q.mem.Slice(q.descGPA, uint64(descriptorTableSize(size)))
	if err != nil {
		return fmt.Errorf("descriptor table: %w", err)
	}
	availMem, err := q.mem.Slice(q.availGPA, uint64(availableRingSize(size)))
	if err != nil {
		return fmt.Errorf("available ring: %w", err)
	}
	usedMem, err := q.mem.Slice(q.usedGPA, uint64(usedRingSize(size)))
	if err != nil {
		return fmt.Errorf("used ring: %w", err)
	}

	q.descriptors = NewDescriptorTable(size, descMem)
	q.avail = NewAvailableRing(size, availMem)
	q.used = NewUsedRing(size, usedMem)
	q.nextAvail = 0
	q.nextUsed = 0
	return nil
}

// Reset returns the queue to the state after [New].
func (q *Queue) Reset() {
	*q = Queue{mem: q.mem, maxSize: q.maxSize, size: q.maxSize}
}

func (q *Queue) active() bool {
	return q.avail != nil
}

// Next pops the next chain the driver made available. It returns nil when
// there is nothing new.
func (q *Queue) Next() (*Chain, error) {
	if !q.active() {
		return nil, ErrQueueNotReady
	}

	availIndex := *q.avail.Index
	pending := availIndex - q.nextAvail
	if pending == 0 {
		return nil, nil
	}
	if pending > q.size {
		return nil, fmt.Errorf("%w: avail %d, next %d", ErrInvalidAvailIndex, availIndex, q.nextAvail)
	}

	head := q.avail.Ring[q.nextAvail%q.size]
	if head >= q.size {
		return nil, fmt.Errorf("%w: head index %d", ErrInvalidDescriptorChain, head)
	}
	q.nextAvail++

	return &Chain{q: q, head: head, next: head, more: true, ttl: q.size}, nil
}

// AddUsed returns the chain starting at head to the driver, reporting length
// bytes written into its device writable buffers.
func (q *Queue) AddUsed(head uint16, length uint32) error {
	if !q.active() {
		return ErrQueueNotReady
	}
	if head >= q.size {
		return fmt.Errorf("%w: head index %d", ErrInvalidDescriptorChain, head)
	}

	q.used.Ring[q.nextUsed%q.size] = UsedElement{DescriptorIndex: uint32(head), Length: length}
	q.nextUsed++
	*q.used.Index = q.nextUsed
	return nil
}

// DisableNotification asks the driver not to kick while the device is busy
// draining the queue anyway.
func (q *Queue) DisableNotification() error {
	if !q.active() {
		return ErrQueueNotReady
	}
	*q.used.Flags |= UsedRingFlagNoNotify
	return nil
}

// EnableNotification asks the driver to kick again. It reports whether chains
// were published while notifications were off, in which case the caller must
// keep draining because no kick will arrive for them.
func (q *Queue) EnableNotification() (bool, error) {
	if !q.active() {
		return false, ErrQueueNotReady
	}
	*q.used.Flags &^= UsedRingFlagNoNotify
	return *q.avail.Index != q.nextAvail, nil
}

// NeedsNotification reports whether the driver wants an interrupt for used
// buffers.
func (q *Queue) NeedsNotification() bool {
	if !q.active() {
		return false
	}
	return *q.avail.Flags&AvailableRingFlagNoInterrupt == 0
}
