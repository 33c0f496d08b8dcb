package net

import (
	"errors"
	"sync/atomic"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/tapvm/vnet/events"
)

// QueueProcessor does the actual work for each kind of notification.
// [SimpleHandler] is the production implementation.
type QueueProcessor interface {
	ProcessTap() error
	ProcessRxQueue() error
	ProcessTxQueue() error
}

// KickDescriptor is a counter style descriptor the guest signals through.
// Read drains every pending signal at once.
type KickDescriptor interface {
	FD() int
	Read() (uint64, error)
}

// State is where a [QueueHandler] is in its life.
type State int

const (
	// Inactive until Init registered every descriptor.
	Inactive State = iota
	Operational
	// Stopped is terminal. Later notifications are ignored.
	Stopped
)

func (s State) String() string {
	switch s {
	case Inactive:
		return "inactive"
	case Operational:
		return "operational"
	case Stopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// QueueHandler is the event loop subscriber for one virtio-net device. It
// registers the tap and both kick descriptors, routes each notification to the
// matching [QueueProcessor] method, and removes all three registrations the
// first time anything goes wrong.
//
// The tap is registered edge triggered, so the processors must drain it
// completely on every notification. The kicks are level triggered.
type QueueHandler struct {
	l      *logrus.Logger
	inner  QueueProcessor
	tap    *SharedTap
	rxKick KickDescriptor
	txKick KickDescriptor

	// state is only written by the event loop goroutine
	state   atomic.Int32
	metrics dispatchMetrics
}

// NewQueueHandler takes ownership of the kick descriptors. Interrupt delivery
// is owned by inner.
func NewQueueHandler(l *logrus.Logger, inner QueueProcessor, tap *SharedTap, rxKick, txKick KickDescriptor, r metrics.Registry) *QueueHandler {
	return &QueueHandler{
		l:       l,
		inner:   inner,
		tap:     tap,
		rxKick:  rxKick,
		txKick:  txKick,
		metrics: newDispatchMetrics(r),
	}
}

// State is safe to call from any goroutine.
func (h *QueueHandler) State() State {
	return State(h.state.Load())
}

func (h *QueueHandler) setState(s State) {
	h.state.Store(int32(s))
}

// Init registers the tap edge triggered and both kicks level triggered, each
// tagged with its [Source]. A failed registration leaves the handler stopped
// and is returned, the event loop rolls back whatever was already added.
func (h *QueueHandler) Init(ops events.Ops) error {
	regs := []struct {
		source Source
		fd     int
		set    events.EventSet
	}{
		{TapReadable, h.tap.FD(), events.In | events.EdgeTriggered},
		{RxKick, h.rxKick.FD(), events.In},
		{TxKick, h.txKick.FD(), events.In},
	}

	for _, r := range regs {
		if err := ops.Add(events.WithData(r.fd, uint32(r.source), r.set)); err != nil {
			h.setState(Stopped)
			return &DeviceError{Kind: ResourceFailure, Source: r.source, Reason: "failed to register " + r.source.String(), Err: err}
		}
	}

	h.setState(Operational)
	h.l.WithFields(logrus.Fields{
		"tapFd":    regs[0].fd,
		"rxKickFd": regs[1].fd,
		"txKickFd": regs[2].fd,
	}).Debug("Network device registered with event loop")
	return nil
}

// Process handles one notification. Anything other than a plain readable
// condition, an unknown tag, a failed drain or a failed processor tears the
// device down.
func (h *QueueHandler) Process(ev events.Events, ops events.Ops) {
	if state := h.State(); state != Operational {
		h.l.WithField("state", state).WithField("source", Source(ev.Data())).
			Debug("Ignoring notification for inactive network device")
		return
	}

	source := Source(ev.Data())
	if ev.EventSet() != events.In {
		h.metrics.invalid.Inc(1)
		h.teardown(ops, &DeviceError{
			Kind:   ProtocolViolation,
			Source: source,
			Reason: "unexpected event set " + ev.EventSet().String(),
		})
		return
	}

	switch source {
	case TapReadable:
		h.metrics.events[TapReadable].Inc(1)
		if err := h.inner.ProcessTap(); err != nil {
			h.teardown(ops, &DeviceError{Kind: ResourceFailure, Source: source, Reason: "failed to process tap", Err: err})
		}

	case RxKick:
		h.metrics.events[RxKick].Inc(1)
		if _, err := h.rxKick.Read(); err != nil {
			h.teardown(ops, &DeviceError{Kind: ResourceFailure, Source: source, Reason: "failed to drain rx kick", Err: err})
			return
		}
		if err := h.inner.ProcessRxQueue(); err != nil {
			h.teardown(ops, &DeviceError{Kind: ResourceFailure, Source: source, Reason: "failed to process rx queue", Err: err})
		}

	case TxKick:
		h.metrics.events[TxKick].Inc(1)
		// Unlike rx, a failed drain does not skip the queue. Chains the guest
		// already published are still sent before the device stops.
		var errs []error
		if _, err := h.txKick.Read(); err != nil {
			errs = append(errs, &DeviceError{Kind: ResourceFailure, Source: source, Reason: "failed to drain tx kick", Err: err})
		}
		if err := h.inner.ProcessTxQueue(); err != nil {
			errs = append(errs, &DeviceError{Kind: ResourceFailure, Source: source, Reason: "failed to process tx queue", Err: err})
		}
		if len(errs) > 0 {
			h.teardown(ops, errors.Join(errs...))
		}

	default:
		h.metrics.invalid.Inc(1)
		h.teardown(ops, &DeviceError{Kind: ProtocolViolation, Source: source, Reason: "unknown notification source"})
	}
}

// teardown removes the tap, rx and tx registrations in that order. A removal
// that fails panics with a *TeardownError.
func (h *QueueHandler) teardown(ops events.Ops, reason error) {
	h.l.WithError(reason).Error("Network device stopped")
	h.setState(Stopped)
	h.metrics.teardown.Inc(1)

	h.remove(ops, TapReadable, h.tap.FD())
	h.remove(ops, RxKick, h.rxKick.FD())
	h.remove(ops, TxKick, h.txKick.FD())
}

func (h *QueueHandler) remove(ops events.Ops, source Source, fd int) {
	if err := ops.Remove(events.Empty(fd)); err != nil {
		panic(&TeardownError{Source: source, FD: fd, Err: err})
	}
}
