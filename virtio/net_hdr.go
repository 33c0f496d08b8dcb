package virtio

import (
	"encoding/binary"
	"errors"
)

// NetHdrSize is the size of the virtio_net_hdr used when VERSION_1 is
// negotiated, which always includes the num_buffers field.
const NetHdrSize = 12

var ErrNetHdrBufferTooSmall = errors.New("buffer is too small for a virtio_net_hdr")

// NetHdr precedes every frame exchanged with the guest and, because the tap is
// opened with IFF_VNET_HDR, every frame exchanged with the host kernel as well.
type NetHdr struct {
	// Flags, e.g. unix.VIRTIO_NET_HDR_F_NEEDS_CSUM.
	Flags uint8
	// GSOType, e.g. unix.VIRTIO_NET_HDR_GSO_TCPV4.
	GSOType    uint8
	HdrLen     uint16
	GSOSize    uint16
	CsumStart  uint16
	CsumOffset uint16
	NumBuffers uint16
}

func (h *NetHdr) Decode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	h.Flags = data[0]
	h.GSOType = data[1]
	h.HdrLen = binary.LittleEndian.Uint16(data[2:])
	h.GSOSize = binary.LittleEndian.Uint16(data[4:])
	h.CsumStart = binary.LittleEndian.Uint16(data[6:])
	h.CsumOffset = binary.LittleEndian.Uint16(data[8:])
	h.NumBuffers = binary.LittleEndian.Uint16(data[10:])
	return nil
}

func (h *NetHdr) Encode(data []byte) error {
	if len(data) < NetHdrSize {
		return ErrNetHdrBufferTooSmall
	}
	data[0] = h.Flags
	data[1] = h.GSOType
	binary.LittleEndian.PutUint16(data[2:], h.HdrLen)
	binary.LittleEndian.PutUint16(data[4:], h.GSOSize)
	binary.LittleEndian.PutUint16(data[6:], h.CsumStart)
	binary.LittleEndian.PutUint16(data[8:], h.CsumOffset)
	binary.LittleEndian.PutUint16(data[10:], h.NumBuffers)
	return nil
}
