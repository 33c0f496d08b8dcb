// Package mmio routes guest memory-mapped I/O accesses to the device that owns
// the address.
package mmio

import (
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/google/btree"
)

var (
	ErrInvalidRange = errors.New("invalid mmio range")
	ErrOverlap      = errors.New("mmio range overlaps an existing device")
	ErrNoDevice     = errors.New("no device at mmio address")
)

// Range is a window of guest physical addresses.
type Range struct {
	Base uint64
	Size uint64
}

// Last is the highest address inside the range. Only meaningful for a valid
// range.
func (r Range) Last() uint64 {
	return r.Base + r.Size - 1
}

func (r Range) Valid() bool {
	return r.Size != 0 && r.Size-1 <= math.MaxUint64-r.Base
}

func (r Range) Contains(addr uint64) bool {
	return addr >= r.Base && addr <= r.Last()
}

func (r Range) Overlaps(o Range) bool {
	return r.Base <= o.Last() && o.Base <= r.Last()
}

func (r Range) String() string {
	return fmt.Sprintf("[%#x-%#x]", r.Base, r.Last())
}

// DeviceMMIO is implemented by devices that live on the bus. The offset is
// relative to the base of the range the device was registered with.
type DeviceMMIO interface {
	ReadMMIO(offset uint64, data []byte)
	WriteMMIO(offset uint64, data []byte)
}

type busEntry struct {
	r   Range
	dev DeviceMMIO
}

func lessEntry(a, b busEntry) bool {
	return a.r.Base < b.r.Base
}

// Bus keeps registered ranges ordered by base address. It is safe for
// concurrent use, accesses take a read lock.
type Bus struct {
	sync.RWMutex
	devices *btree.BTreeG[busEntry]
}

func NewBus() *Bus {
	return &Bus{
		devices: btree.NewG(8, lessEntry),
	}
}

// Register places dev at r. The range must be non-empty, must not wrap the
// address space and must not overlap anything already on the bus.
func (b *Bus) Register(r Range, dev DeviceMMIO) error {
	if !r.Valid() {
		return fmt.Errorf("%w: base %#x size %#x", ErrInvalidRange, r.Base, r.Size)
	}

	b.Lock()
	defer b.Unlock()

	if e, ok := b.floor(r.Last()); ok && e.r.Overlaps(r) {
		return fmt.Errorf("%w: %v collides with %v", ErrOverlap, r, e.r)
	}

	b.devices.ReplaceOrInsert(busEntry{r: r, dev: dev})
	return nil
}

// Unregister removes whatever device was registered with the given base.
func (b *Bus) Unregister(base uint64) error {
	b.Lock()
	defer b.Unlock()

	if _, ok := b.devices.Delete(busEntry{r: Range{Base: base}}); !ok {
		return fmt.Errorf("%w: %#x", ErrNoDevice, base)
	}
	return nil
}

// Lookup finds the device whose range contains addr.
func (b *Bus) Lookup(addr uint64) (Range, DeviceMMIO, bool) {
	b.RLock()
	defer b.RUnlock()

	e, ok := b.floor(addr)
	if !ok || !e.r.Contains(addr) {
		return Range{}, nil, false
	}
	return e.r, e.dev, true
}

func (b *Bus) Len() int {
	b.RLock()
	defer b.RUnlock()
	return b.devices.Len()
}

// Read dispatches a guest read of len(data) bytes at addr.
func (b *Bus) Read(addr uint64, data []byte) error {
	r, dev, err := b.resolve(addr, len(data))
	if err != nil {
		return err
	}
	dev.ReadMMIO(addr-r.Base, data)
	return nil
}

// Write dispatches a guest write of data at addr.
func (b *Bus) Write(addr uint64, data []byte) error {
	r, dev, err := b.resolve(addr, len(data))
	if err != nil {
		return err
	}
	dev.WriteMMIO(addr-r.Base, data)
	return nil
}

func (b *Bus) resolve(addr uint64, n int) (Range, DeviceMMIO, error) {
	r, dev, ok := b.Lookup(addr)
	if !ok || uint64(n) > r.Last()-addr+1 {
		return Range{}, nil, fmt.Errorf("%w: %#x+%d", ErrNoDevice, addr, n)
	}
	return r, dev, nil
}

// floor returns the entry with the greatest base not above addr. Must be
// called with the lock held.
func (b *Bus) floor(addr uint64) (busEntry, bool) {
	var out busEntry
	found := false
	b.devices.DescendLessOrEqual(busEntry{r: Range{Base: addr}}, func(e busEntry) bool {
		out = e
		found = true
		return false
	})
	return out, found
}
