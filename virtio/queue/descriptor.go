package queue

import (
	"fmt"
	"unsafe"
)

// DescriptorFlag describes a [Descriptor].
type DescriptorFlag uint16

const (
	// DescriptorFlagNext marks a chain as continuing via the Next field.
	DescriptorFlagNext DescriptorFlag = 1 << iota
	// DescriptorFlagWrite marks a buffer as device write-only, otherwise it
	// is device read-only.
	DescriptorFlagWrite
	// DescriptorFlagIndirect means the buffer holds a table of descriptors.
	// Not supported, the feature is never offered.
	DescriptorFlagIndirect
)

const (
	descriptorSize           = 16
	descriptorTableAlignment = 16
)

func descriptorTableSize(queueSize int) int {
	return descriptorSize * queueSize
}

// Descriptor is one entry of the descriptor table, laid out exactly as in
// guest memory.
type Descriptor struct {
	// Addr is the guest physical address of the buffer.
	Addr  uint64
	Len   uint32
	Flags DescriptorFlag
	Next  uint16
}

func (d Descriptor) HasNext() bool {
	return d.Flags&DescriptorFlagNext != 0
}

// IsWriteOnly reports whether the device may only write the buffer.
func (d Descriptor) IsWriteOnly() bool {
	return d.Flags&DescriptorFlagWrite != 0
}

func (d Descriptor) IsIndirect() bool {
	return d.Flags&DescriptorFlagIndirect != 0
}

// NewDescriptorTable builds a view over mem, which must be exactly the size
// the table needs for queueSize.
func NewDescriptorTable(queueSize int, mem []byte) []Descriptor {
	if len(mem) != descriptorTableSize(queueSize) {
		panic(fmt.Sprintf("memory size (%v) does not match required size "+
			"for descriptor table: %v", len(mem), descriptorTableSize(queueSize)))
	}
	return unsafe.Slice((*Descriptor)(unsafe.Pointer(&mem[0])), queueSize)
}
