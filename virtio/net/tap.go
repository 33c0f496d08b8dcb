package net

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
	"github.com/tapvm/vnet/virtio"
	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

const tunDevice = "/dev/net/tun"

// Tap is what the queue processors need from the host side of the device.
// Read and Write exchange one frame, prefixed with a virtio_net_hdr, and must
// never block.
type Tap interface {
	io.ReadWriteCloser
	FD() int
}

// offloader is implemented by taps that can be told which offloads the guest
// is able to receive.
type offloader interface {
	SetOffload(flags int) error
}

// HostTap is a Linux tap interface opened in non-blocking mode with a 12 byte
// virtio_net_hdr in front of every frame, matching what a VERSION_1 virtio-net
// driver puts in its buffers.
type HostTap struct {
	fd   int
	name string
	l    *logrus.Logger
}

// OpenTap attaches to, or creates, the tap named name. An empty name lets the
// kernel pick one.
func OpenTap(l *logrus.Logger, name string) (*HostTap, error) {
	fd, err := unix.Open(tunDevice, unix.O_RDWR|unix.O_NONBLOCK|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", tunDevice, err)
	}

	ifr, err := unix.NewIfreq(name)
	if err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("tap name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI | unix.IFF_VNET_HDR)
	if err = unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("TUNSETIFF: %w", err)
	}

	if err = unix.IoctlSetPointerInt(fd, unix.TUNSETVNETHDRSZ, virtio.NetHdrSize); err != nil {
		_ = unix.Close(fd)
		return nil, fmt.Errorf("TUNSETVNETHDRSZ: %w", err)
	}

	t := &HostTap{fd: fd, name: ifr.Name(), l: l}
	// Nothing is offloaded to the guest until it acknowledges the features
	if err = t.SetOffload(0); err != nil {
		l.WithError(err).WithField("tap", t.name).Warn("Failed to clear tap offloads")
	}

	return t, nil
}

// Configure brings the link up through netlink, optionally setting the MTU
// and enslaving it to a bridge.
func (t *HostTap) Configure(mtu int, bridge string) error {
	link, err := netlink.LinkByName(t.name)
	if err != nil {
		return fmt.Errorf("failed to get tap link %s: %w", t.name, err)
	}

	if mtu > 0 {
		if err = netlink.LinkSetMTU(link, mtu); err != nil {
			return fmt.Errorf("failed to set tap mtu %d: %w", mtu, err)
		}
	}

	if bridge != "" {
		br, err := netlink.LinkByName(bridge)
		if err != nil {
			return fmt.Errorf("failed to get bridge %s: %w", bridge, err)
		}
		if err = netlink.LinkSetMaster(link, br); err != nil {
			return fmt.Errorf("failed to attach tap to bridge %s: %w", bridge, err)
		}
	}

	if err = netlink.LinkSetUp(link); err != nil {
		return fmt.Errorf("failed to set tap up: %w", err)
	}

	t.l.WithFields(logrus.Fields{"tap": t.name, "mtu": mtu, "bridge": bridge}).Info("Tap configured")
	return nil
}

// SetOffload takes TUN_F_* flags describing what the guest can receive.
func (t *HostTap) SetOffload(flags int) error {
	return unix.IoctlSetInt(t.fd, unix.TUNSETOFFLOAD, flags)
}

func (t *HostTap) Read(b []byte) (int, error) {
	return unix.Read(t.fd, b)
}

func (t *HostTap) Write(b []byte) (int, error) {
	return unix.Write(t.fd, b)
}

func (t *HostTap) FD() int {
	return t.fd
}

func (t *HostTap) Name() string {
	return t.name
}

func (t *HostTap) Close() error {
	if t.fd < 0 {
		return nil
	}
	err := unix.Close(t.fd)
	t.fd = -1
	return err
}

// tapOffloads maps acknowledged guest receive features onto TUN_F_* flags.
// Segmentation offloads are meaningless without checksum offload.
func tapOffloads(acked virtio.Feature) int {
	if !acked.Has(virtio.FeatureNetGuestCsum) {
		return 0
	}

	flags := unix.TUN_F_CSUM
	if acked.Has(virtio.FeatureNetGuestTSO4) {
		flags |= unix.TUN_F_TSO4
	}
	if acked.Has(virtio.FeatureNetGuestTSO6) {
		flags |= unix.TUN_F_TSO6
	}
	if acked.Has(virtio.FeatureNetGuestUFO) {
		flags |= unix.TUN_F_UFO
	}
	return flags
}
