package net

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapvm/vnet/virtio"
	"golang.org/x/sys/unix"
)

func TestSharedTap(t *testing.T) {
	ft := &fakeTap{fd: tapFD, frames: [][]byte{[]byte("hello")}}
	s := NewSharedTap(ft)

	assert.Equal(t, tapFD, s.FD())

	b := make([]byte, 16)
	n, err := s.Read(b)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(b[:n]))

	_, err = s.Read(b)
	assert.ErrorIs(t, err, unix.EAGAIN)

	n, err = s.Write([]byte("out"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, [][]byte{[]byte("out")}, ft.written)

	require.NoError(t, s.SetOffload(unix.TUN_F_CSUM))
	assert.Equal(t, unix.TUN_F_CSUM, ft.offload)

	require.NoError(t, s.Close())
	assert.True(t, ft.closed)
	assert.False(t, s.Poisoned())
}

func TestSharedTap_ErrorsDoNotPoison(t *testing.T) {
	s := NewSharedTap(&fakeTap{fd: tapFD, readErr: unix.EIO})

	_, err := s.Read(make([]byte, 4))
	assert.ErrorIs(t, err, unix.EIO)
	assert.False(t, s.Poisoned())
	assert.Equal(t, tapFD, s.FD())
}

func TestSharedTap_Poisoning(t *testing.T) {
	s := NewSharedTap(&fakeTap{fd: tapFD})

	assert.PanicsWithValue(t, "holder died", func() {
		_ = s.With(func(Tap) error {
			panic("holder died")
		})
	})
	assert.True(t, s.Poisoned())

	assert.PanicsWithValue(t, ErrTapPoisoned, func() { s.FD() })
	assert.PanicsWithValue(t, ErrTapPoisoned, func() { _, _ = s.Read(make([]byte, 4)) })
	assert.PanicsWithValue(t, ErrTapPoisoned, func() { _, _ = s.Write([]byte("x")) })

	// The guard itself is released, only the tap is unreachable
	assert.True(t, s.Poisoned())
}

func TestTapOffloads(t *testing.T) {
	assert.Equal(t, 0, tapOffloads(0))
	assert.Equal(t, 0, tapOffloads(virtio.FeatureNetGuestTSO4), "segmentation needs checksum offload")
	assert.Equal(t, unix.TUN_F_CSUM, tapOffloads(virtio.FeatureNetGuestCsum))
	assert.Equal(t,
		unix.TUN_F_CSUM|unix.TUN_F_TSO4|unix.TUN_F_TSO6|unix.TUN_F_UFO,
		tapOffloads(virtio.FeatureNetGuestCsum|virtio.FeatureNetGuestTSO4|virtio.FeatureNetGuestTSO6|virtio.FeatureNetGuestUFO),
	)
	// Host side offloads never reach the tap
	assert.Equal(t, unix.TUN_F_CSUM, tapOffloads(virtio.FeatureNetGuestCsum|virtio.FeatureNetHostTSO4))
}
