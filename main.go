package vnet

import (
	"github.com/rcrowley/go-metrics"
	"github.com/sirupsen/logrus"
	"github.com/tapvm/vnet/config"
	"github.com/tapvm/vnet/eventfd"
	"github.com/tapvm/vnet/events"
	"github.com/tapvm/vnet/memory"
	"github.com/tapvm/vnet/mmio"
	"github.com/tapvm/vnet/util"
	"github.com/tapvm/vnet/virtio"
	virtionet "github.com/tapvm/vnet/virtio/net"
	"go.yaml.in/yaml/v3"
)

func Main(c *config.C, configTest bool, buildVersion string, logger *logrus.Logger) (retcon *Control, reterr error) {
	l := logger
	l.Formatter = &logrus.TextFormatter{
		FullTimestamp: true,
	}

	// Print the config if in test, the exit comes later
	if configTest {
		b, err := yaml.Marshal(c.Settings)
		if err != nil {
			return nil, err
		}

		// Print the final config
		l.Println(string(b))
	}

	err := configLogger(l, c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to configure the logger", err)
	}

	c.RegisterReloadCallback(func(c *config.C) {
		err := configLogger(l, c)
		if err != nil {
			l.WithError(err).Error("Failed to configure the logger")
		}
	})

	s, err := loadSettings(c)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to load the device config", err)
	}

	cmd, err := s.kernelCmdline()
	if err != nil {
		return nil, util.NewContextualError("Failed to build the kernel command line", nil, err)
	}

	statsStart, err := startStats(l, c, buildVersion, configTest)
	if err != nil {
		return nil, util.ContextualizeIfNeeded("Failed to start stats emitter", err)
	}

	if configTest {
		return nil, nil
	}

	ctrl := &Control{
		l:          l,
		c:          c,
		cmdline:    cmd,
		timeout:    s.timeout,
		statsStart: statsStart,
	}

	// Everything below holds host resources, give them all back if we fail part way
	defer func() {
		if reterr != nil {
			ctrl.release()
		}
	}()

	ctrl.mem, err = memory.New(s.memorySize)
	if err != nil {
		return nil, util.NewContextualError("Failed to allocate guest memory", logrus.Fields{"size": virtio.FormatSize(s.memorySize)}, err)
	}

	ctrl.em, err = events.NewManager(l, s.maxEvents)
	if err != nil {
		return nil, util.NewContextualError("Failed to create the event manager", nil, err)
	}

	tap, err := virtionet.OpenTap(l, s.tapDev)
	if err != nil {
		return nil, util.NewContextualError("Failed to open the tap device", logrus.Fields{"tap": s.tapDev}, err)
	}
	ctrl.tap = virtionet.NewSharedTap(tap)

	err = tap.Configure(s.tapMTU, s.tapBridge)
	if err != nil {
		return nil, util.NewContextualError("Failed to configure the tap device", logrus.Fields{"tap": tap.Name(), "mtu": s.tapMTU, "bridge": s.tapBridge}, err)
	}

	ctrl.irqfd, err = eventfd.New()
	if err != nil {
		return nil, util.NewContextualError("Failed to create the interrupt eventfd", nil, err)
	}

	ctrl.dev, err = virtionet.NewDevice(l, virtionet.DeviceConfig{
		MAC:       s.mac,
		QueueSize: s.queueSize,
		RxBacklog: s.rxBacklog,
	}, ctrl.mem, ctrl.tap, virtio.NewInterruptLine(ctrl.irqfd), ctrl.em, metrics.DefaultRegistry)
	if err != nil {
		return nil, util.NewContextualError("Failed to create the network device", s.logFields(), err)
	}

	ctrl.bus = mmio.NewBus()
	frag, err := virtio.RegisterMMIODevice(s.mmio, ctrl.bus, s.deviceID, ctrl.dev)
	if err != nil {
		return nil, util.NewContextualError("Failed to register the network device", s.logFields(), err)
	}

	err = cmd.InsertStr(frag)
	if err != nil {
		return nil, util.NewContextualError("Failed to add the device to the kernel command line", logrus.Fields{"fragment": frag}, err)
	}

	l.WithFields(s.logFields()).WithField("cmdline", cmd.String()).Info("Network device registered")
	return ctrl, nil
}
