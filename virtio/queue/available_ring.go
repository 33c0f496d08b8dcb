package queue

import (
	"fmt"
	"unsafe"
)

// AvailableRingFlag describes an [AvailableRing].
type AvailableRingFlag uint16

const (
	// AvailableRingFlagNoInterrupt is set by the driver to ask the device not
	// to interrupt it when buffers are used. It is only a hint.
	AvailableRingFlagNoInterrupt AvailableRingFlag = 1 << iota
)

const availableRingAlignment = 2

func availableRingSize(queueSize int) int {
	return 6 + 2*queueSize
}

// AvailableRing is written by the driver to offer descriptor chain heads and
// only read by the device.
//
// Because the size of the ring depends on the queue size there is no static
// Go struct for it, this only holds pointers into guest memory.
type AvailableRing struct {
	Flags *AvailableRingFlag
	// Index is where the driver will put its next entry, modulo the queue
	// size. It runs freely and wraps at 65536.
	Index     *uint16
	Ring      []uint16
	UsedEvent *uint16
}

// NewAvailableRing builds a view over mem, which must be exactly the size the
// ring needs for queueSize.
func NewAvailableRing(queueSize int, mem []byte) *AvailableRing {
	ringSize := availableRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for available ring: %v", len(mem), ringSize))
	}

	return &AvailableRing{
		Flags:     (*AvailableRingFlag)(unsafe.Pointer(&mem[0])),
		Index:     (*uint16)(unsafe.Pointer(&mem[2])),
		Ring:      unsafe.Slice((*uint16)(unsafe.Pointer(&mem[4])), queueSize),
		UsedEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
}
