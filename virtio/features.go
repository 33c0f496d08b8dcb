package virtio

import (
	"fmt"
	"math/bits"
	"strings"
)

// Feature is a set of virtio feature bits offered by a device or acknowledged
// by a driver.
type Feature uint64

// Device-independent feature bits.
const (
	// FeatureRingEventIdx enables the used_event and avail_event notification
	// suppression fields. Not offered by this implementation.
	FeatureRingEventIdx Feature = 1 << 29

	// FeatureVersion1 marks a virtio 1.0 compliant, non-legacy device. The
	// mmio transport in this module requires it.
	FeatureVersion1 Feature = 1 << 32
)

// Feature bits for networking devices.
const (
	// FeatureNetCsum means the device accepts frames with a partial checksum
	// from the driver.
	FeatureNetCsum Feature = 1 << 0

	// FeatureNetGuestCsum means the driver accepts frames with a partial
	// checksum from the device.
	FeatureNetGuestCsum Feature = 1 << 1

	// FeatureNetMAC means the config space carries a MAC address.
	FeatureNetMAC Feature = 1 << 5

	FeatureNetGuestTSO4 Feature = 1 << 7
	FeatureNetGuestTSO6 Feature = 1 << 8
	FeatureNetGuestUFO  Feature = 1 << 10
	FeatureNetHostTSO4  Feature = 1 << 11
	FeatureNetHostTSO6  Feature = 1 << 12
	FeatureNetHostUFO   Feature = 1 << 14

	// FeatureNetStatus means the config space carries a link status word.
	FeatureNetStatus Feature = 1 << 16
)

var featureNames = map[Feature]string{
	FeatureRingEventIdx: "ring_event_idx",
	FeatureVersion1:     "version_1",
	FeatureNetCsum:      "csum",
	FeatureNetGuestCsum: "guest_csum",
	FeatureNetMAC:       "mac",
	FeatureNetGuestTSO4: "guest_tso4",
	FeatureNetGuestTSO6: "guest_tso6",
	FeatureNetGuestUFO:  "guest_ufo",
	FeatureNetHostTSO4:  "host_tso4",
	FeatureNetHostTSO6:  "host_tso6",
	FeatureNetHostUFO:   "host_ufo",
	FeatureNetStatus:    "status",
}

func (f Feature) Has(o Feature) bool {
	return f&o == o
}

// Page returns the 32 bit half of the set selected by the transport's feature
// select register.
func (f Feature) Page(sel uint32) uint32 {
	switch sel {
	case 0:
		return uint32(f)
	case 1:
		return uint32(f >> 32)
	default:
		return 0
	}
}

// WithPage replaces the selected 32 bit half.
func (f Feature) WithPage(sel uint32, v uint32) Feature {
	switch sel {
	case 0:
		return f&^Feature(0xffffffff) | Feature(v)
	case 1:
		return f&Feature(0xffffffff) | Feature(v)<<32
	default:
		return f
	}
}

func (f Feature) String() string {
	if f == 0 {
		return "none"
	}
	var parts []string
	for v := uint64(f); v != 0; v &= v - 1 {
		bit := Feature(1) << bits.TrailingZeros64(v)
		if name, ok := featureNames[bit]; ok {
			parts = append(parts, name)
		} else {
			parts = append(parts, fmt.Sprintf("bit%d", bits.TrailingZeros64(v)))
		}
	}
	return strings.Join(parts, "|")
}
