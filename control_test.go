package vnet

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapvm/vnet/cmdline"
	"github.com/tapvm/vnet/eventfd"
	"github.com/tapvm/vnet/events"
	"github.com/tapvm/vnet/memory"
	"github.com/tapvm/vnet/test"
)

type kickSubscriber struct {
	kick *eventfd.EventFD
	seen chan uint64
}

func (s *kickSubscriber) Init(ops events.Ops) error {
	return ops.Add(events.New(s.kick.FD(), events.In))
}

func (s *kickSubscriber) Process(e events.Events, ops events.Ops) {
	v, err := s.kick.Read()
	if err != nil {
		return
	}
	s.seen <- v
}

func TestControl_StartStop(t *testing.T) {
	l := test.NewLogger()
	em, err := events.NewManager(l, events.DefaultMaxEvents)
	require.NoError(t, err)

	kick, err := eventfd.New()
	require.NoError(t, err)

	sub := &kickSubscriber{kick: kick, seen: make(chan uint64, 1)}
	_, err = em.AddSubscriber(sub)
	require.NoError(t, err)

	statsStarted := make(chan struct{})
	ctrl := &Control{
		l:          l,
		em:         em,
		irqfd:      kick,
		mem:        memory.FromBytes(make([]byte, 4096)),
		statsStart: func() { close(statsStarted) },
	}
	assert.Equal(t, kick.FD(), ctrl.InterruptFD())

	ctrl.Start()
	require.NoError(t, kick.Write(3))

	select {
	case v := <-sub.seen:
		assert.Equal(t, uint64(3), v)
	case <-time.After(5 * time.Second):
		t.Fatal("event loop never dispatched the kick")
	}

	select {
	case <-statsStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("stats were never started")
	}

	// Stop must return even though the loop is parked in epoll_wait with no timeout
	stopped := make(chan struct{})
	go func() {
		ctrl.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	assert.Nil(t, ctrl.em)
	assert.Nil(t, ctrl.Memory())
	assert.Equal(t, -1, ctrl.InterruptFD())

	// A second stop is harmless
	ctrl.Stop()
}

func TestControl_ReleaseEmpty(t *testing.T) {
	ctrl := &Control{l: test.NewLogger()}
	ctrl.release()
	assert.Nil(t, ctrl.Device())
	assert.Nil(t, ctrl.Bus())
	assert.Empty(t, ctrl.Cmdline())
}

func TestControl_Cmdline(t *testing.T) {
	cmd, err := cmdline.New(cmdline.DefaultCapacity)
	require.NoError(t, err)
	require.NoError(t, cmd.InsertStr("console=ttyS0 virtio_mmio.device=4K@0xd0000000:5"))

	ctrl := &Control{l: test.NewLogger(), cmdline: cmd}
	assert.Equal(t, "console=ttyS0 virtio_mmio.device=4K@0xd0000000:5", ctrl.Cmdline())
}
