package virtio

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/tapvm/vnet/cmdline"
	"github.com/tapvm/vnet/mmio"
)

var ErrRegisterMMIODevice = errors.New("failed to register mmio device")

// MMIOConfig is where a virtio-mmio device lives in the guest: its register
// window and the interrupt line it raises.
type MMIOConfig struct {
	Range mmio.Range
	GSI   uint32
}

// RegisterMMIODevice places dev on the bus and returns the kernel command line
// fragment that lets the guest discover it, in the form
// virtio_mmio.device=<size>@0x<base>:<irq>[:<id>].
func RegisterMMIODevice(cfg MMIOConfig, bus *mmio.Bus, id *uint32, dev mmio.DeviceMMIO) (string, error) {
	if cfg.Range.Size == 0 {
		return "", cmdline.ErrMMIOSize
	}

	if err := bus.Register(cfg.Range, dev); err != nil {
		return "", fmt.Errorf("%w: %w", ErrRegisterMMIODevice, err)
	}

	s := fmt.Sprintf("virtio_mmio.device=%s@0x%x:%d", FormatSize(cfg.Range.Size), cfg.Range.Base, cfg.GSI)
	if id != nil {
		s += ":" + strconv.FormatUint(uint64(*id), 10)
	}
	return s, nil
}

// FormatSize renders size with the largest of G, M or K that divides it
// evenly, or as a plain byte count.
func FormatSize(size uint64) string {
	const (
		kib = uint64(1) << 10
		mib = kib << 10
		gib = mib << 10
	)

	switch {
	case size == 0:
		return "0"
	case size%gib == 0:
		return strconv.FormatUint(size/gib, 10) + "G"
	case size%mib == 0:
		return strconv.FormatUint(size/mib, 10) + "M"
	case size%kib == 0:
		return strconv.FormatUint(size/kib, 10) + "K"
	default:
		return strconv.FormatUint(size, 10)
	}
}
