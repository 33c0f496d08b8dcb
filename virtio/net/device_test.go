package net

import (
	"encoding/binary"
	"net"
	"strconv"
	"testing"

	"github.com/rcrowley/go-metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tapvm/vnet/eventfd"
	"github.com/tapvm/vnet/events"
	"github.com/tapvm/vnet/memory"
	"github.com/tapvm/vnet/test"
	"github.com/tapvm/vnet/virtio"
	"github.com/tapvm/vnet/virtio/queue/queuetest"
	"golang.org/x/sys/unix"
)

type fakeRegistrar struct {
	ops     *fakeOps
	added   []events.Subscriber
	removed []events.SubscriberID
	err     error
}

func (r *fakeRegistrar) AddSubscriber(s events.Subscriber) (events.SubscriberID, error) {
	if r.err != nil {
		return 0, r.err
	}
	if err := s.Init(r.ops); err != nil {
		return 0, err
	}
	r.added = append(r.added, s)
	return events.SubscriberID(len(r.added)), nil
}

func (r *fakeRegistrar) RemoveSubscriber(id events.SubscriberID) {
	r.removed = append(r.removed, id)
}

type deviceFixture struct {
	mem   *memory.GuestMemory
	tap   *fakeTap
	irqfd *eventfd.EventFD
	irq   *virtio.InterruptLine
	dev   *Device
	rxDrv *queuetest.Driver
	txDrv *queuetest.Driver
}

var testMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0xaa, 0xbb, 0xcc}

func newDeviceFixture(t *testing.T, em Registrar, tapFD int) *deviceFixture {
	f := &deviceFixture{
		mem: memory.FromBytes(make([]byte, 1<<20)),
		tap: &fakeTap{fd: tapFD},
	}

	var err error
	f.irqfd, err = eventfd.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.irqfd.Close() })
	f.irq = virtio.NewInterruptLine(f.irqfd)

	f.dev, err = NewDevice(test.NewLogger(), DeviceConfig{MAC: testMAC, QueueSize: 16, RxBacklog: 1},
		f.mem, NewSharedTap(f.tap), f.irq, em, metrics.NewRegistry())
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, f.dev.Close()) })

	f.rxDrv, err = queuetest.New(f.mem, testQueueSize, 0)
	require.NoError(t, err)
	f.txDrv, err = queuetest.New(f.mem, testQueueSize, 0x80000)
	require.NoError(t, err)
	return f
}

func (f *deviceFixture) write(off uint64, v uint32) {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	f.dev.WriteMMIO(off, b)
}

func (f *deviceFixture) read(off uint64) uint32 {
	b := make([]byte, 4)
	f.dev.ReadMMIO(off, b)
	return binary.LittleEndian.Uint32(b)
}

func (f *deviceFixture) negotiate(features virtio.Feature) {
	f.write(regStatus, StatusAcknowledge)
	f.write(regStatus, StatusAcknowledge|StatusDriver)
	f.write(regDriverFeaturesSel, 0)
	f.write(regDriverFeatures, features.Page(0))
	f.write(regDriverFeaturesSel, 1)
	f.write(regDriverFeatures, features.Page(1))
	f.write(regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK)
}

func (f *deviceFixture) configureQueue(index uint32, drv *queuetest.Driver) {
	f.write(regQueueSel, index)
	f.write(regQueueNum, uint32(drv.Size))
	f.write(regQueueDescLow, uint32(drv.DescGPA))
	f.write(regQueueDescHigh, uint32(drv.DescGPA>>32))
	f.write(regQueueDriverLow, uint32(drv.AvailGPA))
	f.write(regQueueDriverHigh, uint32(drv.AvailGPA>>32))
	f.write(regQueueDeviceLow, uint32(drv.UsedGPA))
	f.write(regQueueDeviceHigh, uint32(drv.UsedGPA>>32))
	f.write(regQueueReady, 1)
}

// bringUp does what a guest driver does at probe time.
func (f *deviceFixture) bringUp(features virtio.Feature) {
	f.negotiate(features)
	f.configureQueue(rxQueueIndex, f.rxDrv)
	f.configureQueue(txQueueIndex, f.txDrv)
	f.write(regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)
}

func TestDevice_Identity(t *testing.T) {
	f := newDeviceFixture(t, &fakeRegistrar{ops: newFakeOps(&journal{})}, tapFD)

	assert.EqualValues(t, 0x74726976, f.read(regMagicValue))
	assert.EqualValues(t, 2, f.read(regVersion))
	assert.EqualValues(t, 1, f.read(regDeviceID))

	f.write(regQueueSel, 1)
	assert.EqualValues(t, 16, f.read(regQueueNumMax))
	f.write(regQueueSel, 2)
	assert.EqualValues(t, 0, f.read(regQueueNumMax))

	// Registers are 32 bits wide
	b := []byte{0xff, 0xff}
	f.dev.ReadMMIO(regMagicValue, b)
	assert.Equal(t, []byte{0xff, 0xff}, b)
}

func TestDevice_Config(t *testing.T) {
	f := newDeviceFixture(t, &fakeRegistrar{ops: newFakeOps(&journal{})}, tapFD)

	mac := make([]byte, 6)
	f.dev.ReadMMIO(regConfig, mac)
	assert.Equal(t, []byte(testMAC), mac)

	status := make([]byte, 2)
	f.dev.ReadMMIO(regConfig+6, status)
	assert.EqualValues(t, 1, binary.LittleEndian.Uint16(status))

	// Past the end reads as zero
	tail := []byte{0xff, 0xff, 0xff, 0xff}
	f.dev.ReadMMIO(regConfig+6, tail)
	assert.Equal(t, []byte{1, 0, 0, 0}, tail)
}

func TestDevice_FeatureNegotiation(t *testing.T) {
	f := newDeviceFixture(t, &fakeRegistrar{ops: newFakeOps(&journal{})}, tapFD)

	f.write(regDeviceFeaturesSel, 0)
	low := f.read(regDeviceFeatures)
	f.write(regDeviceFeaturesSel, 1)
	high := f.read(regDeviceFeatures)
	offered := virtio.Feature(0).WithPage(0, low).WithPage(1, high)
	assert.Equal(t, DefaultFeatures, offered)

	// Event idx is not offered and gets masked off
	f.negotiate(virtio.FeatureVersion1 | virtio.FeatureNetMAC | virtio.FeatureRingEventIdx)
	assert.Equal(t, virtio.FeatureVersion1|virtio.FeatureNetMAC, f.dev.AckedFeatures())
	assert.NotZero(t, f.read(regStatus)&StatusFeaturesOK)

	// Frozen after FEATURES_OK
	f.write(regDriverFeaturesSel, 0)
	f.write(regDriverFeatures, 0)
	assert.Equal(t, virtio.FeatureVersion1|virtio.FeatureNetMAC, f.dev.AckedFeatures())
}

func TestDevice_RefusesLegacyDriver(t *testing.T) {
	f := newDeviceFixture(t, &fakeRegistrar{ops: newFakeOps(&journal{})}, tapFD)

	f.negotiate(virtio.FeatureNetMAC)
	assert.Zero(t, f.read(regStatus)&StatusFeaturesOK)
	assert.Equal(t, StatusAcknowledge|StatusDriver, f.read(regStatus))
}

func TestDevice_Activate(t *testing.T) {
	j := &journal{}
	reg := &fakeRegistrar{ops: newFakeOps(j)}
	f := newDeviceFixture(t, reg, tapFD)
	assert.Nil(t, f.dev.Handler())

	f.bringUp(virtio.FeatureVersion1 | virtio.FeatureNetGuestCsum | virtio.FeatureNetGuestTSO4)

	require.Len(t, reg.added, 1)
	h := f.dev.Handler()
	require.NotNil(t, h)
	assert.Equal(t, Operational, h.State())
	assert.Zero(t, f.read(regStatus)&StatusDeviceNeedsReset)

	rx, tx := f.dev.KickFDs()
	assert.Equal(t, []string{
		"add 10",
		"add " + strconv.Itoa(rx),
		"add " + strconv.Itoa(tx),
	}, j.calls)
	assert.Equal(t, unix.TUN_F_CSUM|unix.TUN_F_TSO4, f.tap.offload)

	// Queue configuration is frozen while live
	f.write(regQueueSel, 0)
	f.write(regQueueNum, 4)
	assert.EqualValues(t, testQueueSize, f.dev.queues[0].Size())
}

func TestDevice_ActivateFailure(t *testing.T) {
	reg := &fakeRegistrar{ops: newFakeOps(&journal{})}
	f := newDeviceFixture(t, reg, tapFD)

	f.negotiate(virtio.FeatureVersion1)
	// Only rx is set up
	f.configureQueue(rxQueueIndex, f.rxDrv)
	f.write(regStatus, StatusAcknowledge|StatusDriver|StatusFeaturesOK|StatusDriverOK)

	assert.Empty(t, reg.added)
	assert.Nil(t, f.dev.Handler())
	assert.NotZero(t, f.read(regStatus)&StatusDeviceNeedsReset)
	assert.Equal(t, virtio.InterruptConfig, f.read(regInterruptStatus))
	assert.EqualValues(t, 1, f.read(regConfigGeneration))

	f.write(regInterruptAck, virtio.InterruptConfig)
	assert.Zero(t, f.read(regInterruptStatus))
}

func TestDevice_QueueNotify(t *testing.T) {
	f := newDeviceFixture(t, &fakeRegistrar{ops: newFakeOps(&journal{})}, tapFD)

	f.write(regQueueNotify, txQueueIndex)
	f.write(regQueueNotify, txQueueIndex)
	v, err := f.dev.txKick.Read()
	require.NoError(t, err)
	assert.EqualValues(t, 2, v)

	_, err = f.dev.rxKick.Read()
	assert.ErrorIs(t, err, unix.EAGAIN)

	f.write(regQueueNotify, rxQueueIndex)
	v, err = f.dev.rxKick.Read()
	require.NoError(t, err)
	assert.EqualValues(t, 1, v)

	// Unknown queues are ignored
	f.write(regQueueNotify, 5)
}

func TestDevice_Reset(t *testing.T) {
	reg := &fakeRegistrar{ops: newFakeOps(&journal{})}
	f := newDeviceFixture(t, reg, tapFD)
	f.bringUp(virtio.FeatureVersion1)
	require.NotNil(t, f.dev.Handler())

	f.write(regStatus, 0)
	assert.Equal(t, []events.SubscriberID{1}, reg.removed)
	assert.Nil(t, f.dev.Handler())
	assert.Zero(t, f.read(regStatus))
	assert.Zero(t, f.dev.AckedFeatures())
	assert.False(t, f.dev.queues[0].Ready())

	// The driver can start over
	f.bringUp(virtio.FeatureVersion1)
	assert.Len(t, reg.added, 2)
	assert.NotNil(t, f.dev.Handler())
}

func TestDevice_EndToEnd(t *testing.T) {
	m, err := events.NewManager(test.NewLogger(), 8)
	require.NoError(t, err)
	t.Cleanup(func() { assert.NoError(t, m.Close()) })

	// An eventfd stands in for the tap descriptor so readiness can be forced
	tapReady, err := eventfd.New()
	require.NoError(t, err)
	t.Cleanup(func() { _ = tapReady.Close() })

	f := newDeviceFixture(t, m, tapReady.FD())
	f.bringUp(virtio.FeatureVersion1)
	require.NotNil(t, f.dev.Handler())
	assert.Equal(t, 3, m.Registered(f.dev.subscriberID))

	// Guest transmits
	_, err = f.txDrv.Offer(queuetest.Readable(frame("to host")))
	require.NoError(t, err)
	f.write(regQueueNotify, txQueueIndex)

	n, err := m.RunWithTimeout(100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	require.Len(t, f.tap.written, 1)
	assert.Equal(t, frame("to host"), f.tap.written[0])
	assert.Len(t, f.txDrv.Used(), 1)
	assert.Equal(t, virtio.InterruptUsedRing, f.read(regInterruptStatus))
	f.write(regInterruptAck, virtio.InterruptUsedRing)
	_, err = f.irqfd.Read()
	require.NoError(t, err)

	// Host delivers to the guest
	head, err := f.rxDrv.Offer(queuetest.Writable(2048))
	require.NoError(t, err)
	f.tap.frames = append(f.tap.frames, frame("to guest"))
	require.NoError(t, tapReady.Kick())

	n, err = m.RunWithTimeout(100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	used := f.rxDrv.Used()
	require.Len(t, used, 1)
	b, err := f.rxDrv.ReadChain(head, used[0].Length)
	require.NoError(t, err)
	assert.Equal(t, "to guest", received(t, b))
	assert.Equal(t, virtio.InterruptUsedRing, f.read(regInterruptStatus))

	// The tap breaks and the device stops
	f.tap.readErr = unix.EIO
	require.NoError(t, tapReady.Kick())

	n, err = m.RunWithTimeout(100)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, Stopped, f.dev.Handler().State())
	assert.Equal(t, 0, m.Registered(f.dev.subscriberID))

	// Nothing reaches the device anymore
	f.write(regQueueNotify, txQueueIndex)
	n, err = m.RunWithTimeout(0)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}
