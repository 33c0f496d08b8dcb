package queue

import (
	"fmt"
	"unsafe"
)

// UsedRingFlag describes a [UsedRing].
type UsedRingFlag uint16

const (
	// UsedRingFlagNoNotify is set by the device to ask the driver not to kick
	// it when buffers are added. The driver still kicks when it runs out.
	UsedRingFlagNoNotify UsedRingFlag = 1 << iota
)

const (
	usedElementSize   = 8
	usedRingAlignment = 4
)

func usedRingSize(queueSize int) int {
	return 6 + usedElementSize*queueSize
}

// UsedElement describes a descriptor chain the device is done with.
type UsedElement struct {
	// DescriptorIndex is the head of the chain, 32 bit for padding reasons.
	DescriptorIndex uint32
	// Length is the number of bytes written into the device writable part
	// of the chain.
	Length uint32
}

// UsedRing is written by the device to return descriptor chains and only
// read by the driver.
type UsedRing struct {
	Flags *UsedRingFlag
	// Index is where the device will put its next entry, modulo the queue
	// size. It runs freely and wraps at 65536.
	Index      *uint16
	Ring       []UsedElement
	AvailEvent *uint16
}

// NewUsedRing builds a view over mem, which must be exactly the size the ring
// needs for queueSize.
func NewUsedRing(queueSize int, mem []byte) *UsedRing {
	ringSize := usedRingSize(queueSize)
	if len(mem) != ringSize {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for used ring: %v", len(mem), ringSize))
	}

	return &UsedRing{
		Flags:      (*UsedRingFlag)(unsafe.Pointer(&mem[0])),
		Index:      (*uint16)(unsafe.Pointer(&mem[2])),
		Ring:       unsafe.Slice((*UsedElement)(unsafe.Pointer(&mem[4])), queueSize),
		AvailEvent: (*uint16)(unsafe.Pointer(&mem[ringSize-2])),
	}
}
