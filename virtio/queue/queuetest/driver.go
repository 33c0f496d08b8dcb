// Package queuetest plays the guest driver side of a split virtqueue so device
// code can be exercised without a guest.
package queuetest

import (
	"fmt"

	"github.com/tapvm/vnet/memory"
	"github.com/tapvm/vnet/virtio/queue"
)

// Buffer is one descriptor of a chain offered by the [Driver]. Readable
// buffers carry Data, writable ones reserve Len bytes for the device.
type Buffer struct {
	Data     []byte
	Len      uint32
	Writable bool
}

func Readable(b []byte) Buffer {
	return Buffer{Data: b, Len: uint32(len(b))}
}

func Writable(n uint32) Buffer {
	return Buffer{Len: n, Writable: true}
}

// Driver lays a queue out at the bottom of guest memory, followed by a simple
// bump allocated buffer area.
type Driver struct {
	Mem      *memory.GuestMemory
	Size     uint16
	DescGPA  uint64
	AvailGPA uint64
	UsedGPA  uint64

	descriptors []queue.Descriptor
	avail       *queue.AvailableRing
	used        *queue.UsedRing

	nextDesc uint16
	lastUsed uint16
	bufBase  uint64
	bufNext  uint64
}

func align(v, a uint64) uint64 {
	return (v + a - 1) &^ (a - 1)
}

// New places a queue of the given size at base.
func New(mem *memory.GuestMemory, size uint16, base uint64) (*Driver, error) {
	d := &Driver{Mem: mem, Size: size}

	n := uint64(size)
	d.DescGPA = align(base, 16)
	d.AvailGPA = align(d.DescGPA+16*n, 2)
	d.UsedGPA = align(d.AvailGPA+6+2*n, 4)
	d.bufBase = align(d.UsedGPA+6+8*n, 4096)
	d.bufNext = d.bufBase

	descMem, err := mem.Slice(d.DescGPA, 16*n)
	if err != nil {
		return nil, err
	}
	availMem, err := mem.Slice(d.AvailGPA, 6+2*n)
	if err != nil {
		return nil, err
	}
	usedMem, err := mem.Slice(d.UsedGPA, 6+8*n)
	if err != nil {
		return nil, err
	}

	d.descriptors = queue.NewDescriptorTable(int(size), descMem)
	d.avail = queue.NewAvailableRing(int(size), availMem)
	d.used = queue.NewUsedRing(int(size), usedMem)
	return d, nil
}

// End is the first guest address not used by this driver so far.
func (d *Driver) End() uint64 {
	return d.bufNext
}

// Configure does what a guest driver does over the transport: size, ring
// addresses, ready, and then activates the device side.
func (d *Driver) Configure(q *queue.Queue) error {
	q.SetSize(d.Size)
	q.SetDescriptorTable(d.DescGPA)
	q.SetAvailRing(d.AvailGPA)
	q.SetUsedRing(d.UsedGPA)
	q.SetReady(true)
	return q.Activate()
}

// AddChain writes a descriptor chain without publishing it and returns its
// head.
func (d *Driver) AddChain(bufs ...Buffer) (uint16, error) {
	if len(bufs) == 0 {
		return 0, fmt.Errorf("empty chain")
	}

	head := d.nextDesc % d.Size
	for i, b := range bufs {
		idx := d.nextDesc % d.Size
		d.nextDesc++

		gpa := d.bufNext
		d.bufNext = align(d.bufNext+uint64(b.Len), 16)
		if b.Data != nil {
			if err := d.Mem.WriteAt(b.Data, gpa); err != nil {
				return 0, err
			}
		}

		desc := queue.Descriptor{Addr: gpa, Len: b.Len}
		if b.Writable {
			desc.Flags |= queue.DescriptorFlagWrite
		}
		if i < len(bufs)-1 {
			desc.Flags |= queue.DescriptorFlagNext
			desc.Next = d.nextDesc % d.Size
		}
		d.descriptors[idx] = desc
	}

	return head, nil
}

// Publish adds the given chain heads to the available ring.
func (d *Driver) Publish(heads ...uint16) {
	for offset, x := range heads {
		// The 16 bit index wraps, which is fine since the ring length is a
		// power of 2.
		insertIndex := int(*d.avail.Index+uint16(offset)) % len(d.avail.Ring)
		d.avail.Ring[insertIndex] = x
	}
	*d.avail.Index += uint16(len(heads))
}

// Offer is AddChain followed by Publish.
func (d *Driver) Offer(bufs ...Buffer) (uint16, error) {
	head, err := d.AddChain(bufs...)
	if err != nil {
		return 0, err
	}
	d.Publish(head)
	return head, nil
}

// Used returns every element the device put into the used ring since the last
// call.
func (d *Driver) Used() []queue.UsedElement {
	var out []queue.UsedElement
	for d.lastUsed != *d.used.Index {
		out = append(out, d.used.Ring[d.lastUsed%uint16(len(d.used.Ring))])
		d.lastUsed++
	}
	return out
}

// ReadChain concatenates up to n bytes of the writable buffers in the chain at
// head.
func (d *Driver) ReadChain(head uint16, n uint32) ([]byte, error) {
	out := make([]byte, 0, n)
	idx := head
	for i := 0; i < int(d.Size) && uint32(len(out)) < n; i++ {
		desc := d.descriptors[idx]
		if desc.IsWriteOnly() {
			take := min(desc.Len, n-uint32(len(out)))
			b, err := d.Mem.Slice(desc.Addr, uint64(take))
			if err != nil {
				return nil, err
			}
			out = append(out, b...)
		}
		if !desc.HasNext() {
			break
		}
		idx = desc.Next
	}
	return out, nil
}

// Descriptor exposes a table entry so tests can corrupt it.
func (d *Driver) Descriptor(i uint16) *queue.Descriptor {
	return &d.descriptors[i]
}

// SetAvailIndex overwrites the available index directly.
func (d *Driver) SetAvailIndex(v uint16) {
	*d.avail.Index = v
}

// SetNoInterrupt toggles the driver's request to not be interrupted.
func (d *Driver) SetNoInterrupt(on bool) {
	if on {
		*d.avail.Flags |= queue.AvailableRingFlagNoInterrupt
	} else {
		*d.avail.Flags &^= queue.AvailableRingFlagNoInterrupt
	}
}

// NotificationsSuppressed reports whether the device asked not to be kicked.
func (d *Driver) NotificationsSuppressed() bool {
	return *d.used.Flags&queue.UsedRingFlagNoNotify != 0
}
