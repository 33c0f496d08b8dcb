package queue

import (
	"fmt"

	"github.com/tapvm/vnet/memory"
)

// Chain walks one descriptor chain popped from the available ring.
type Chain struct {
	q    *Queue
	head uint16
	next uint16
	more bool
	// ttl bounds the walk so a looping chain can not spin forever.
	ttl uint16
}

// Head is the index to hand back to [Queue.AddUsed].
func (c *Chain) Head() uint16 {
	return c.head
}

func (c *Chain) Memory() *memory.GuestMemory {
	return c.q.mem
}

// Next returns the next descriptor in the chain, or false when the chain is
// exhausted.
func (c *Chain) Next() (Descriptor, bool, error) {
	if !c.more {
		return Descriptor{}, false, nil
	}
	if c.ttl == 0 {
		c.more = false
		return Descriptor{}, false, fmt.Errorf("%w: chain at %d is longer than the queue", ErrInvalidDescriptorChain, c.head)
	}
	c.ttl--

	d := c.q.descriptors[c.next]
	if d.IsIndirect() {
		c.more = false
		return Descriptor{}, false, fmt.Errorf("%w: indirect descriptor at %d", ErrInvalidDescriptorChain, c.next)
	}

	if d.HasNext() {
		if d.Next >= c.q.size {
			c.more = false
			return Descriptor{}, false, fmt.Errorf("%w: next index %d", ErrInvalidDescriptorChain, d.Next)
		}
		c.next = d.Next
	} else {
		c.more = false
	}

	return d, true, nil
}
