package virtio

import (
	"sync/atomic"

	"github.com/tapvm/vnet/eventfd"
)

// Interrupt status bits reported through the mmio InterruptStatus register.
const (
	InterruptUsedRing uint32 = 1 << 0
	InterruptConfig   uint32 = 1 << 1
)

// SignalUsedQueue tells the guest that a virtqueue has new used buffers.
type SignalUsedQueue interface {
	SignalUsedQueue(index uint16) error
}

// InterruptLine raises a guest interrupt through an irqfd and keeps the
// interrupt status the guest reads back and acknowledges over mmio.
type InterruptLine struct {
	irqfd  *eventfd.EventFD
	status atomic.Uint32
}

func NewInterruptLine(irqfd *eventfd.EventFD) *InterruptLine {
	return &InterruptLine{irqfd: irqfd}
}

func (i *InterruptLine) SignalUsedQueue(uint16) error {
	i.status.Or(InterruptUsedRing)
	return i.irqfd.Kick()
}

func (i *InterruptLine) SignalConfigChange() error {
	i.status.Or(InterruptConfig)
	return i.irqfd.Kick()
}

func (i *InterruptLine) Status() uint32 {
	return i.status.Load()
}

// Ack clears the bits the guest acknowledged.
func (i *InterruptLine) Ack(bits uint32) {
	i.status.And(^bits)
}

func (i *InterruptLine) Reset() {
	i.status.Store(0)
}

func (i *InterruptLine) FD() int {
	return i.irqfd.FD()
}
