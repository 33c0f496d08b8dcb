// Package events multiplexes readiness of host file descriptors with epoll(7)
// and hands every readiness notification to the subscriber that registered the
// descriptor.
//
// Subscribers register descriptors through [Ops], tagging each one with a
// 32 bit data value that comes back untouched with every notification. This
// lets a subscriber classify a notification without looking at the
// descriptor.
package events

import (
	"strings"

	"golang.org/x/sys/unix"
)

// EventSet is a set of epoll conditions, used both to request notifications
// and to report what was observed.
type EventSet uint32

const (
	In            EventSet = unix.EPOLLIN
	Out           EventSet = unix.EPOLLOUT
	Error         EventSet = unix.EPOLLERR
	HangUp        EventSet = unix.EPOLLHUP
	ReadHangUp    EventSet = unix.EPOLLRDHUP
	EdgeTriggered EventSet = unix.EPOLLET
)

var eventSetNames = []struct {
	set  EventSet
	name string
}{
	{In, "in"},
	{Out, "out"},
	{Error, "error"},
	{HangUp, "hangup"},
	{ReadHangUp, "readhangup"},
	{EdgeTriggered, "edge"},
}

func (s EventSet) Contains(o EventSet) bool {
	return s&o == o
}

func (s EventSet) String() string {
	if s == 0 {
		return "none"
	}
	var parts []string
	for _, n := range eventSetNames {
		if s&n.set != 0 {
			parts = append(parts, n.name)
		}
	}
	if len(parts) == 0 {
		return "unknown"
	}
	return strings.Join(parts, "|")
}

// Events pairs a descriptor with its data tag and an event set. When passed to
// [Ops] the set is what is requested, when handed to [Subscriber.Process] it is
// what was observed.
type Events struct {
	fd   int32
	data uint32
	set  EventSet
}

// New uses the descriptor itself as the data tag.
func New(fd int, set EventSet) Events {
	return Events{fd: int32(fd), data: uint32(fd), set: set}
}

func WithData(fd int, data uint32, set EventSet) Events {
	return Events{fd: int32(fd), data: data, set: set}
}

// Empty selects a descriptor with no conditions, which is all [Ops.Remove]
// needs.
func Empty(fd int) Events {
	return Events{fd: int32(fd)}
}

func (e Events) FD() int {
	return int(e.fd)
}

func (e Events) Data() uint32 {
	return e.data
}

func (e Events) EventSet() EventSet {
	return e.set
}

// Ops is the registrar handed to a [Subscriber]. It only ever touches
// descriptors owned by that subscriber.
type Ops interface {
	Add(Events) error
	Modify(Events) error
	Remove(Events) error
}

// Subscriber reacts to readiness of the descriptors it registered in Init.
// Process is called once per notification and must not block.
type Subscriber interface {
	Init(ops Ops) error
	Process(events Events, ops Ops)
}
