package net

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"sync"

	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/tapvm/vnet/eventfd"
	"github.com/tapvm/vnet/events"
	"github.com/tapvm/vnet/memory"
	"github.com/tapvm/vnet/virtio"
	"github.com/tapvm/vnet/virtio/queue"
)

// virtio-mmio version 2 register layout.
const (
	regMagicValue        = 0x000
	regVersion           = 0x004
	regDeviceID          = 0x008
	regVendorID          = 0x00c
	regDeviceFeatures    = 0x010
	regDeviceFeaturesSel = 0x014
	regDriverFeatures    = 0x020
	regDriverFeaturesSel = 0x024
	regQueueSel          = 0x030
	regQueueNumMax       = 0x034
	regQueueNum          = 0x038
	regQueueReady        = 0x044
	regQueueNotify       = 0x050
	regInterruptStatus   = 0x060
	regInterruptAck      = 0x064
	regStatus            = 0x070
	regQueueDescLow      = 0x080
	regQueueDescHigh     = 0x084
	regQueueDriverLow    = 0x090
	regQueueDriverHigh   = 0x094
	regQueueDeviceLow    = 0x0a0
	regQueueDeviceHigh   = 0x0a4
	regConfigGeneration  = 0x0fc
	regConfig            = 0x100

	mmioMagic    = 0x74726976
	mmioVersion  = 2
	netDeviceID  = 1
	mmioVendorID = 0x554d4551
)

// Device status bits written by the driver.
const (
	StatusAcknowledge      uint32 = 1
	StatusDriver           uint32 = 2
	StatusDriverOK         uint32 = 4
	StatusFeaturesOK       uint32 = 8
	StatusDeviceNeedsReset uint32 = 0x40
	StatusFailed           uint32 = 0x80
)

const (
	netStatusLinkUp = 1
	numQueues       = 2
)

// DefaultFeatures is offered to every guest.
const DefaultFeatures = virtio.FeatureVersion1 |
	virtio.FeatureNetCsum |
	virtio.FeatureNetGuestCsum |
	virtio.FeatureNetMAC |
	virtio.FeatureNetGuestTSO4 |
	virtio.FeatureNetGuestTSO6 |
	virtio.FeatureNetGuestUFO |
	virtio.FeatureNetHostTSO4 |
	virtio.FeatureNetHostTSO6 |
	virtio.FeatureNetHostUFO |
	virtio.FeatureNetStatus

var ErrFeaturesNotAccepted = errors.New("driver did not accept VERSION_1")

// Registrar is the part of the event loop a [Device] needs to start and stop
// its dispatcher.
type Registrar interface {
	AddSubscriber(events.Subscriber) (events.SubscriberID, error)
	RemoveSubscriber(events.SubscriberID)
}

type DeviceConfig struct {
	MAC       net.HardwareAddr
	QueueSize uint16
	// RxBacklog is how many frames are held while the guest has no receive
	// buffers.
	RxBacklog int
	Features  virtio.Feature
}

// Device is a virtio-net device behind the virtio-mmio transport. Guest
// register accesses arrive through ReadMMIO and WriteMMIO, and once the driver
// sets DRIVER_OK a [QueueHandler] is added to the event loop.
type Device struct {
	l        *logrus.Logger
	mu       sync.Mutex
	mem      *memory.GuestMemory
	tap      *SharedTap
	irq      *virtio.InterruptLine
	em       Registrar
	registry metrics.Registry

	rxKick *eventfd.EventFD
	txKick *eventfd.EventFD
	queues [numQueues]*queue.Queue

	features          virtio.Feature
	acked             virtio.Feature
	deviceFeaturesSel uint32
	driverFeaturesSel uint32
	queueSel          uint32
	status            uint32
	configGeneration  uint32
	config            [8]byte
	rxBacklog         int

	handler      *QueueHandler
	subscriberID events.SubscriberID
	activated    bool
}

func NewDevice(l *logrus.Logger, cfg DeviceConfig, mem *memory.GuestMemory, tap *SharedTap, irq *virtio.InterruptLine, em Registrar, r metrics.Registry) (*Device, error) {
	if cfg.QueueSize == 0 {
		cfg.QueueSize = 256
	}
	if err := queue.CheckQueueSize(int(cfg.QueueSize), queue.MaxSize); err != nil {
		return nil, err
	}
	if cfg.Features == 0 {
		cfg.Features = DefaultFeatures
	}
	if len(cfg.MAC) != 6 {
		cfg.Features &^= virtio.FeatureNetMAC
	}

	rxKick, err := eventfd.New()
	if err != nil {
		return nil, fmt.Errorf("rx kick: %w", err)
	}
	txKick, err := eventfd.New()
	if err != nil {
		_ = rxKick.Close()
		return nil, fmt.Errorf("tx kick: %w", err)
	}

	d := &Device{
		l:         l,
		mem:       mem,
		tap:       tap,
		irq:       irq,
		em:        em,
		registry:  r,
		rxKick:    rxKick,
		txKick:    txKick,
		features:  cfg.Features | virtio.FeatureVersion1,
		rxBacklog: cfg.RxBacklog,
	}
	for i := range d.queues {
		d.queues[i] = queue.New(mem, cfg.QueueSize)
	}
	copy(d.config[:6], cfg.MAC)
	binary.LittleEndian.PutUint16(d.config[6:], netStatusLinkUp)

	return d, nil
}

// KickFDs are the descriptors to bind as ioeventfds for the QueueNotify
// register, when the hypervisor supports it.
func (d *Device) KickFDs() (rx, tx int) {
	return d.rxKick.FD(), d.txKick.FD()
}

// Handler is the active dispatcher, or nil before DRIVER_OK.
func (d *Device) Handler() *QueueHandler {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.handler
}

func (d *Device) Status() uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.status
}

func (d *Device) AckedFeatures() virtio.Feature {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.acked
}

func (d *Device) ReadMMIO(offset uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset >= regConfig {
		off := offset - regConfig
		for i := range data {
			if off+uint64(i) < uint64(len(d.config)) {
				data[i] = d.config[off+uint64(i)]
			} else {
				data[i] = 0
			}
		}
		return
	}

	if len(data) != 4 {
		d.l.WithField("offset", offset).WithField("len", len(data)).Warn("Ignoring unaligned virtio-mmio read")
		return
	}

	var v uint32
	switch offset {
	case regMagicValue:
		v = mmioMagic
	case regVersion:
		v = mmioVersion
	case regDeviceID:
		v = netDeviceID
	case regVendorID:
		v = mmioVendorID
	case regDeviceFeatures:
		v = d.features.Page(d.deviceFeaturesSel)
	case regQueueNumMax:
		if q := d.selectedQueue(); q != nil {
			v = uint32(q.MaxSize())
		}
	case regQueueReady:
		if q := d.selectedQueue(); q != nil && q.Ready() {
			v = 1
		}
	case regInterruptStatus:
		v = d.irq.Status()
	case regStatus:
		v = d.status
	case regConfigGeneration:
		v = d.configGeneration
	default:
		d.l.WithField("offset", fmt.Sprintf("%#x", offset)).Debug("Read of unknown virtio-mmio register")
	}
	binary.LittleEndian.PutUint32(data, v)
}

func (d *Device) WriteMMIO(offset uint64, data []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if offset >= regConfig {
		// The MAC is read only once VERSION_1 is negotiated.
		d.l.WithField("offset", offset).Debug("Ignoring write to virtio-net config space")
		return
	}

	if len(data) != 4 {
		d.l.WithField("offset", offset).WithField("len", len(data)).Warn("Ignoring unaligned virtio-mmio write")
		return
	}
	v := binary.LittleEndian.Uint32(data)

	switch offset {
	case regDeviceFeaturesSel:
		d.deviceFeaturesSel = v
	case regDriverFeatures:
		if d.status&StatusFeaturesOK != 0 {
			d.l.Warn("Driver changed features after FEATURES_OK")
			return
		}
		d.acked = d.acked.WithPage(d.driverFeaturesSel, v) & d.features
	case regDriverFeaturesSel:
		d.driverFeaturesSel = v
	case regQueueSel:
		d.queueSel = v
	case regQueueNum:
		d.withQueue(func(q *queue.Queue) { q.SetSize(uint16(v)) })
	case regQueueReady:
		d.withQueue(func(q *queue.Queue) { q.SetReady(v == 1) })
	case regQueueNotify:
		d.notify(v)
	case regInterruptAck:
		d.irq.Ack(v)
	case regStatus:
		d.setStatus(v)
	case regQueueDescLow, regQueueDescHigh:
		d.withQueue(func(q *queue.Queue) {
			desc, _, _ := q.Addresses()
			q.SetDescriptorTable(setHalf(desc, offset == regQueueDescHigh, v))
		})
	case regQueueDriverLow, regQueueDriverHigh:
		d.withQueue(func(q *queue.Queue) {
			_, avail, _ := q.Addresses()
			q.SetAvailRing(setHalf(avail, offset == regQueueDriverHigh, v))
		})
	case regQueueDeviceLow, regQueueDeviceHigh:
		d.withQueue(func(q *queue.Queue) {
			_, _, used := q.Addresses()
			q.SetUsedRing(setHalf(used, offset == regQueueDeviceHigh, v))
		})
	default:
		d.l.WithField("offset", fmt.Sprintf("%#x", offset)).Debug("Write to unknown virtio-mmio register")
	}
}

func setHalf(addr uint64, high bool, v uint32) uint64 {
	if high {
		return addr&0xffffffff | uint64(v)<<32
	}
	return addr&^0xffffffff | uint64(v)
}

func (d *Device) selectedQueue() *queue.Queue {
	if d.queueSel >= numQueues {
		return nil
	}
	return d.queues[d.queueSel]
}

// withQueue applies a driver write to the selected queue. Queue configuration
// is frozen once the device is live.
func (d *Device) withQueue(fn func(q *queue.Queue)) {
	q := d.selectedQueue()
	if q == nil {
		d.l.WithField("queue", d.queueSel).Warn("Driver selected a queue that does not exist")
		return
	}
	if d.activated {
		d.l.WithField("queue", d.queueSel).Warn("Ignoring queue configuration on an active device")
		return
	}
	fn(q)
}

func (d *Device) notify(index uint32) {
	var err error
	switch index {
	case rxQueueIndex:
		err = d.rxKick.Kick()
	case txQueueIndex:
		err = d.txKick.Kick()
	default:
		d.l.WithField("queue", index).Warn("Driver notified a queue that does not exist")
		return
	}
	if err != nil {
		d.l.WithError(err).WithField("queue", index).Error("Failed to kick queue")
	}
}

func (d *Device) setStatus(v uint32) {
	if v == 0 {
		d.reset()
		return
	}

	changed := v &^ d.status
	if changed&StatusFeaturesOK != 0 && !d.acked.Has(virtio.FeatureVersion1) {
		// Leaving FEATURES_OK clear tells the driver the features were refused
		d.l.WithError(ErrFeaturesNotAccepted).WithField("acked", d.acked).Warn("Refusing driver features")
		v &^= StatusFeaturesOK
	}
	d.status = v

	if changed&StatusDriverOK != 0 && !d.activated {
		if err := d.activate(); err != nil {
			d.l.WithError(err).Error("Failed to activate network device")
			d.status |= StatusDeviceNeedsReset
			d.configGeneration++
			if err = d.irq.SignalConfigChange(); err != nil {
				d.l.WithError(err).Error("Failed to signal config change")
			}
		}
	}
}

func (d *Device) activate() error {
	if d.status&StatusFeaturesOK == 0 {
		return fmt.Errorf("DRIVER_OK without FEATURES_OK")
	}

	for i, q := range d.queues {
		if err := q.Activate(); err != nil {
			return fmt.Errorf("queue %d: %w", i, err)
		}
	}

	if err := d.tap.SetOffload(tapOffloads(d.acked)); err != nil {
		return fmt.Errorf("failed to set tap offloads: %w", err)
	}

	inner := NewSimpleHandler(d.l, d.queues[rxQueueIndex], d.queues[txQueueIndex], d.tap, d.irq, d.rxBacklog, d.registry)
	h := NewQueueHandler(d.l, inner, d.tap, d.rxKick, d.txKick, d.registry)

	id, err := d.em.AddSubscriber(h)
	if err != nil {
		return err
	}

	d.handler = h
	d.subscriberID = id
	d.activated = true

	d.l.WithFields(logrus.Fields{
		"features":  d.acked,
		"queueSize": d.queues[0].Size(),
	}).Info("Network device activated")
	return nil
}

// reset stops the dispatcher and forgets everything the driver configured.
func (d *Device) reset() {
	if d.activated {
		d.em.RemoveSubscriber(d.subscriberID)
	}
	for _, q := range d.queues {
		q.Reset()
	}
	d.irq.Reset()
	d.handler = nil
	d.activated = false
	d.status = 0
	d.acked = 0
	d.deviceFeaturesSel = 0
	d.driverFeaturesSel = 0
	d.queueSel = 0
	d.l.Debug("Network device reset")
}

// Close stops the dispatcher and releases the kick descriptors. The tap is
// owned by the caller.
func (d *Device) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.activated {
		d.em.RemoveSubscriber(d.subscriberID)
		d.activated = false
		d.handler = nil
	}
	return errors.Join(d.rxKick.Close(), d.txKick.Close())
}
