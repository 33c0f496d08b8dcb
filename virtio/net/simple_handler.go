package net

import (
	"errors"
	"fmt"

	fifo "github.com/eapache/queue"
	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/tapvm/vnet/virtio"
	"github.com/tapvm/vnet/virtio/queue"
	"golang.org/x/sys/unix"
)

// MaxBufferSize is the largest frame moved in either direction: a 64KiB GSO
// frame plus its ethernet and virtio_net headers.
const MaxBufferSize = 65562

const (
	rxQueueIndex = 0
	txQueueIndex = 1
)

// ErrFrameTooLarge is returned when a guest transmit chain does not fit in
// [MaxBufferSize].
var ErrFrameTooLarge = errors.New("frame exceeds maximum buffer size")

// ErrDescriptorDirection is returned when the guest offers a read only buffer
// for receive or a write only buffer for transmit.
var ErrDescriptorDirection = errors.New("descriptor has the wrong direction for its queue")

// SimpleHandler moves frames between the tap and the two queues of a
// virtio-net device. It does not know about event loops, see [QueueHandler].
type SimpleHandler struct {
	l      *logrus.Logger
	rxq    *queue.Queue
	txq    *queue.Queue
	tap    *SharedTap
	notify virtio.SignalUsedQueue

	rxbuf [MaxBufferSize]byte
	txbuf [MaxBufferSize]byte

	// backlog holds frames read from the tap while the guest had no receive
	// buffers, oldest first. Once it is full the tap is left alone until the
	// guest posts buffers.
	backlog    *fifo.Queue
	backlogMax int

	metrics frameMetrics
}

// NewSimpleHandler wires the processors. backlog is the number of frames kept
// while the guest is out of receive buffers and is at least 1.
func NewSimpleHandler(l *logrus.Logger, rxq, txq *queue.Queue, tap *SharedTap, notify virtio.SignalUsedQueue, backlog int, r metrics.Registry) *SimpleHandler {
	if backlog < 1 {
		backlog = 1
	}
	return &SimpleHandler{
		l:          l,
		rxq:        rxq,
		txq:        txq,
		tap:        tap,
		notify:     notify,
		backlog:    fifo.New(),
		backlogMax: backlog,
		metrics:    newFrameMetrics(r),
	}
}

// Backlog is the number of frames waiting for guest receive buffers.
func (h *SimpleHandler) Backlog() int {
	return h.backlog.Length()
}

// ProcessTap moves frames from the tap into guest receive buffers until the
// tap would block, or the guest is out of buffers and the backlog is full.
func (h *SimpleHandler) ProcessTap() error {
	delivered := false

	for {
		for h.backlog.Length() > 0 {
			ok, err := h.deliver(h.backlog.Peek().([]byte))
			if err != nil {
				return err
			}
			if !ok {
				break
			}
			h.backlog.Remove()
			delivered = true
		}

		if h.backlog.Length() >= h.backlogMax {
			break
		}

		n, err := h.tap.Read(h.rxbuf[:])
		if err != nil {
			if errors.Is(err, unix.EAGAIN) {
				break
			}
			if errors.Is(err, unix.EINTR) {
				continue
			}
			return fmt.Errorf("failed to read from tap: %w", err)
		}

		frame := h.rxbuf[:n]
		if err = setNumBuffers(frame); err != nil {
			return err
		}
		h.logFrame("rx", frame)

		if h.backlog.Length() == 0 {
			ok, err := h.deliver(frame)
			if err != nil {
				return err
			}
			if ok {
				delivered = true
				continue
			}
		}

		h.backlog.Add(append([]byte(nil), frame...))
		h.metrics.rxDeferred.Inc(1)
	}

	h.metrics.backlog.Update(int64(h.backlog.Length()))

	if delivered && h.rxq.NeedsNotification() {
		if err := h.notify.SignalUsedQueue(rxQueueIndex); err != nil {
			return fmt.Errorf("failed to signal rx queue: %w", err)
		}
	}
	return nil
}

// deliver copies frame into the next receive chain. It returns false when the
// guest has no buffers, leaving notifications enabled so the guest kicks once
// it posts some.
func (h *SimpleHandler) deliver(frame []byte) (bool, error) {
	for {
		ok, err := h.writeFrameToGuest(frame)
		if err != nil || ok {
			return ok, err
		}

		more, err := h.rxq.EnableNotification()
		if err != nil {
			return false, err
		}
		if !more {
			return false, nil
		}
	}
}

func (h *SimpleHandler) writeFrameToGuest(frame []byte) (bool, error) {
	c, err := h.rxq.Next()
	if err != nil {
		return false, fmt.Errorf("rx queue: %w", err)
	}
	if c == nil {
		return false, nil
	}

	mem := c.Memory()
	count := 0
	for count < len(frame) {
		d, ok, err := c.Next()
		if err != nil {
			return false, fmt.Errorf("rx queue: %w", err)
		}
		if !ok {
			break
		}
		if !d.IsWriteOnly() {
			return false, fmt.Errorf("%w: rx descriptor at %#x", ErrDescriptorDirection, d.Addr)
		}

		n := min(len(frame)-count, int(d.Len))
		if err = mem.WriteAt(frame[count:count+n], d.Addr); err != nil {
			return false, fmt.Errorf("rx queue: %w", err)
		}
		count += n
	}

	if count != len(frame) {
		h.l.WithField("frameLen", len(frame)).WithField("written", count).
			Warn("Receive chain too small, frame truncated")
	}

	if err = h.rxq.AddUsed(c.Head(), uint32(count)); err != nil {
		return false, fmt.Errorf("rx queue: %w", err)
	}

	h.metrics.rxFrames.Inc(1)
	h.metrics.rxBytes.Inc(int64(count))
	return true, nil
}

// ProcessRxQueue handles a kick telling us the guest posted receive buffers.
func (h *SimpleHandler) ProcessRxQueue() error {
	if err := h.rxq.DisableNotification(); err != nil {
		return fmt.Errorf("rx queue: %w", err)
	}
	return h.ProcessTap()
}

// ProcessTxQueue sends every chain the guest made available to the tap.
func (h *SimpleHandler) ProcessTxQueue() error {
	for {
		if err := h.txq.DisableNotification(); err != nil {
			return fmt.Errorf("tx queue: %w", err)
		}

		for {
			c, err := h.txq.Next()
			if err != nil {
				return fmt.Errorf("tx queue: %w", err)
			}
			if c == nil {
				break
			}

			if err = h.sendFrameFromChain(c); err != nil {
				return err
			}

			if err = h.txq.AddUsed(c.Head(), 0); err != nil {
				return fmt.Errorf("tx queue: %w", err)
			}
			if h.txq.NeedsNotification() {
				if err = h.notify.SignalUsedQueue(txQueueIndex); err != nil {
					return fmt.Errorf("failed to signal tx queue: %w", err)
				}
			}
		}

		more, err := h.txq.EnableNotification()
		if err != nil {
			return fmt.Errorf("tx queue: %w", err)
		}
		if !more {
			return nil
		}
	}
}

func (h *SimpleHandler) sendFrameFromChain(c *queue.Chain) error {
	mem := c.Memory()
	count := 0
	for {
		d, ok, err := c.Next()
		if err != nil {
			return fmt.Errorf("tx queue: %w", err)
		}
		if !ok {
			break
		}
		if d.IsWriteOnly() {
			return fmt.Errorf("%w: tx descriptor at %#x", ErrDescriptorDirection, d.Addr)
		}
		if int(d.Len) > len(h.txbuf)-count {
			return fmt.Errorf("%w: chain at %d", ErrFrameTooLarge, c.Head())
		}

		if err = mem.ReadAt(h.txbuf[count:count+int(d.Len)], d.Addr); err != nil {
			return fmt.Errorf("tx queue: %w", err)
		}
		count += int(d.Len)
	}

	frame := h.txbuf[:count]
	h.logFrame("tx", frame)

	if _, err := h.tap.Write(frame); err != nil {
		return fmt.Errorf("failed to write to tap: %w", err)
	}

	h.metrics.txFrames.Inc(1)
	h.metrics.txBytes.Inc(int64(count))
	return nil
}

// setNumBuffers fills in the header field the kernel skips when the tap header
// is 12 bytes. Without mergeable buffers every frame uses one chain.
func setNumBuffers(frame []byte) error {
	var hdr virtio.NetHdr
	if err := hdr.Decode(frame); err != nil {
		return fmt.Errorf("frame from tap: %w", err)
	}
	hdr.NumBuffers = 1
	return hdr.Encode(frame)
}

func (h *SimpleHandler) logFrame(dir string, frame []byte) {
	if !h.l.IsLevelEnabled(logrus.DebugLevel) || len(frame) < virtio.NetHdrSize {
		return
	}

	fields := logrus.Fields{"dir": dir, "len": len(frame)}
	packet := gopacket.NewPacket(frame[virtio.NetHdrSize:], layers.LayerTypeEthernet, gopacket.Lazy)
	if eth, ok := packet.Layer(layers.LayerTypeEthernet).(*layers.Ethernet); ok {
		fields["src"] = eth.SrcMAC.String()
		fields["dst"] = eth.DstMAC.String()
		fields["ethertype"] = eth.EthernetType.String()
	}
	h.l.WithFields(fields).Debug("Frame")
}
