package vnet

import (
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tapvm/vnet/cmdline"
	"github.com/tapvm/vnet/config"
	"github.com/tapvm/vnet/events"
	"github.com/tapvm/vnet/mmio"
	"github.com/tapvm/vnet/virtio"
	"github.com/tapvm/vnet/virtio/queue"
	"golang.org/x/sys/unix"
)

const (
	defaultMMIOBase   = 0xd0000000
	defaultMMIOSize   = 0x1000
	defaultIRQ        = 5
	defaultQueueSize  = 256
	defaultRxBacklog  = 64
	defaultMemorySize = 128 << 20
)

// settings is everything Main reads from config to assemble one device.
type settings struct {
	tapDev    string
	tapMTU    int
	tapBridge string

	mac       net.HardwareAddr
	mmio      virtio.MMIOConfig
	deviceID  *uint32
	queueSize uint16
	rxBacklog int

	memorySize uint64

	cmdline         []string
	cmdlineCapacity int

	maxEvents int
	timeout   time.Duration
}

func loadSettings(c *config.C) (*settings, error) {
	s := &settings{
		tapDev:          c.GetString("tap.dev", "vnet0"),
		tapMTU:          c.GetInt("tap.mtu", 0),
		tapBridge:       c.GetString("tap.bridge", ""),
		rxBacklog:       c.GetInt("device.rx_backlog", defaultRxBacklog),
		memorySize:      c.GetByteSize("memory.size", defaultMemorySize),
		cmdline:         c.GetStringSlice("kernel.cmdline", nil),
		cmdlineCapacity: c.GetInt("kernel.cmdline_capacity", cmdline.DefaultCapacity),
		maxEvents:       c.GetInt("events.max_events", events.DefaultMaxEvents),
		timeout:         c.GetDuration("events.timeout", 0),
	}

	if len(s.tapDev) >= unix.IFNAMSIZ {
		return nil, fmt.Errorf("tap.dev %q is longer than %d characters", s.tapDev, unix.IFNAMSIZ-1)
	}
	if s.tapMTU < 0 {
		return nil, fmt.Errorf("tap.mtu can not be negative: %d", s.tapMTU)
	}

	if c.IsSet("device.mac") {
		s.mac = c.GetHardwareAddr("device.mac", nil)
		if s.mac == nil {
			return nil, fmt.Errorf("device.mac is not a valid 6 byte MAC address: %s", c.GetString("device.mac", ""))
		}
	}

	if c.IsSet("device.id") {
		id := c.GetUint32("device.id", 0)
		s.deviceID = &id
	}

	qs := c.GetInt("device.queue_size", defaultQueueSize)
	if err := queue.CheckQueueSize(qs, queue.MaxSize); err != nil {
		return nil, fmt.Errorf("device.queue_size: %w", err)
	}
	s.queueSize = uint16(qs)

	if s.rxBacklog < 1 {
		return nil, fmt.Errorf("device.rx_backlog must be at least 1: %d", s.rxBacklog)
	}

	s.mmio = virtio.MMIOConfig{
		Range: mmio.Range{
			Base: c.GetUint64("device.mmio_base", defaultMMIOBase),
			Size: c.GetUint64("device.mmio_size", defaultMMIOSize),
		},
		GSI: c.GetUint32("device.irq", defaultIRQ),
	}
	if s.mmio.Range.Size != 0 && !s.mmio.Range.Valid() {
		return nil, fmt.Errorf("device mmio window %s wraps the address space", s.mmio.Range)
	}

	if s.memorySize == 0 || s.memorySize%uint64(unix.Getpagesize()) != 0 {
		return nil, fmt.Errorf("memory.size must be a non-zero multiple of %d: %s", unix.Getpagesize(), c.GetString("memory.size", ""))
	}
	if s.mmio.Range.Base < s.memorySize {
		return nil, fmt.Errorf("device mmio window %s overlaps guest memory of %s", s.mmio.Range, virtio.FormatSize(s.memorySize))
	}

	if s.maxEvents < 1 {
		return nil, fmt.Errorf("events.max_events must be at least 1: %d", s.maxEvents)
	}

	return s, nil
}

// kernelCmdline builds the configured kernel parameters. The device fragment
// is appended once the device is on the bus.
func (s *settings) kernelCmdline() (*cmdline.Cmdline, error) {
	cmd, err := cmdline.New(s.cmdlineCapacity)
	if err != nil {
		return nil, err
	}

	for _, v := range s.cmdline {
		if err := cmd.InsertStr(v); err != nil {
			return nil, fmt.Errorf("kernel.cmdline %q: %w", v, err)
		}
	}

	return cmd, nil
}

func (s *settings) logFields() logrus.Fields {
	f := logrus.Fields{
		"tap":        s.tapDev,
		"mmio":       s.mmio.Range.String(),
		"irq":        s.mmio.GSI,
		"queueSize":  s.queueSize,
		"rxBacklog":  s.rxBacklog,
		"memorySize": virtio.FormatSize(s.memorySize),
	}
	if s.mac != nil {
		f["mac"] = s.mac.String()
	}
	if s.tapBridge != "" {
		f["bridge"] = s.tapBridge
	}
	return f
}
