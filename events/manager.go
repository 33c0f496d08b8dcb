package events

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tapvm/vnet/eventfd"
	"golang.org/x/sys/unix"
)

const DefaultMaxEvents = 256

var (
	// ErrFDAlreadyRegistered is returned by [Ops.Add] for a descriptor that is
	// already being watched.
	ErrFDAlreadyRegistered = errors.New("fd is already registered")

	// ErrFDNotRegistered is returned by [Ops.Modify] and [Ops.Remove] for a
	// descriptor the calling subscriber does not own.
	ErrFDNotRegistered = errors.New("fd is not registered")

	ErrManagerClosed = errors.New("event manager is closed")
)

// SubscriberID identifies a subscriber added to a [Manager].
type SubscriberID uint64

// wakeID owns the internal wake descriptor, real subscribers start at 1.
const wakeID SubscriberID = 0

// Manager owns an epoll instance and dispatches notifications to subscribers
// one at a time, in the order the kernel reports them.
//
// Subscribers are added and removed under a lock so a device can be activated
// from another goroutine while the loop runs. Process and Init are always
// called with that lock held, which serializes every subscriber callback.
type Manager struct {
	l *logrus.Logger

	mu          sync.Mutex
	epfd        int
	subscribers map[SubscriberID]Subscriber
	fds         map[int32]SubscriberID
	nextID      SubscriberID

	ready []unix.EpollEvent
	wake  *eventfd.EventFD
}

func NewManager(l *logrus.Logger, maxEvents int) (*Manager, error) {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}

	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll create: %w", err)
	}

	m := &Manager{
		l:           l,
		epfd:        epfd,
		subscribers: make(map[SubscriberID]Subscriber),
		fds:         make(map[int32]SubscriberID),
		nextID:      wakeID + 1,
		ready:       make([]unix.EpollEvent, maxEvents),
	}

	m.wake, err = eventfd.New()
	if err != nil {
		_ = unix.Close(epfd)
		return nil, fmt.Errorf("create wake eventfd: %w", err)
	}
	if err = m.ctl(wakeID, unix.EPOLL_CTL_ADD, New(m.wake.FD(), In)); err != nil {
		_ = m.wake.Close()
		_ = unix.Close(epfd)
		return nil, err
	}

	return m, nil
}

// AddSubscriber registers s and calls its Init. If Init fails every descriptor
// it managed to add is removed again and s is forgotten.
func (m *Manager) AddSubscriber(s Subscriber) (SubscriberID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epfd < 0 {
		return 0, ErrManagerClosed
	}

	id := m.nextID
	m.nextID++
	m.subscribers[id] = s

	if err := s.Init(&subscriberOps{m: m, id: id}); err != nil {
		m.removeSubscriber(id)
		return 0, err
	}

	return id, nil
}

// RemoveSubscriber drops every descriptor owned by id and the subscriber
// itself.
func (m *Manager) RemoveSubscriber(id SubscriberID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removeSubscriber(id)
}

func (m *Manager) removeSubscriber(id SubscriberID) {
	for fd, owner := range m.fds {
		if owner != id {
			continue
		}
		if err := m.ctl(id, unix.EPOLL_CTL_DEL, Empty(int(fd))); err != nil {
			m.l.WithError(err).WithField("fd", fd).Warn("Failed to remove fd of departing subscriber")
		}
	}
	delete(m.subscribers, id)
}

// Registered reports how many descriptors id currently owns.
func (m *Manager) Registered(id SubscriberID) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for _, owner := range m.fds {
		if owner == id {
			n++
		}
	}
	return n
}

// RunWithTimeout waits up to timeout milliseconds (-1 blocks) and dispatches
// whatever became ready. It returns the number of notifications handed to
// subscribers. An interrupted wait is not an error.
func (m *Manager) RunWithTimeout(timeout int) (int, error) {
	n, err := unix.EpollWait(m.epfd, m.ready, timeout)
	if err != nil {
		if errors.Is(err, unix.EINTR) {
			return 0, nil
		}
		return 0, fmt.Errorf("epoll wait: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	dispatched := 0
	for i := 0; i < n; i++ {
		ev := m.ready[i]
		id, ok := m.fds[ev.Fd]
		if !ok {
			// Removed by an earlier notification in this batch
			continue
		}

		if id == wakeID {
			_, _ = m.wake.Read()
			continue
		}

		s, ok := m.subscribers[id]
		if !ok {
			continue
		}

		s.Process(
			Events{fd: ev.Fd, data: uint32(ev.Pad), set: EventSet(ev.Events)},
			&subscriberOps{m: m, id: id},
		)
		dispatched++
	}

	return dispatched, nil
}

// Run blocks until at least one descriptor is ready.
func (m *Manager) Run() (int, error) {
	return m.RunWithTimeout(-1)
}

// Loop dispatches until ctx is done or the wait itself fails. The timeout
// bounds how long a cancelled ctx can go unnoticed if [Manager.Wake] is not
// used.
func (m *Manager) Loop(ctx context.Context, timeout time.Duration) error {
	ms := int(timeout.Milliseconds())
	if ms <= 0 {
		ms = -1
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		if _, err := m.RunWithTimeout(ms); err != nil {
			return err
		}
	}
}

// Wake interrupts a blocked wait. Safe to call from any goroutine.
func (m *Manager) Wake() error {
	return m.wake.Kick()
}

// Close forgets all subscribers and releases the epoll instance.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.epfd < 0 {
		return nil
	}

	m.subscribers = make(map[SubscriberID]Subscriber)
	m.fds = make(map[int32]SubscriberID)

	var errs []error
	if err := unix.Close(m.epfd); err != nil {
		errs = append(errs, fmt.Errorf("close epoll fd: %w", err))
	}
	m.epfd = -1

	if err := m.wake.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close wake eventfd: %w", err))
	}

	return errors.Join(errs...)
}

// ctl must be called with mu held, or before the manager is shared.
func (m *Manager) ctl(id SubscriberID, op int, e Events) error {
	if m.epfd < 0 {
		return ErrManagerClosed
	}

	switch op {
	case unix.EPOLL_CTL_ADD:
		if _, ok := m.fds[e.fd]; ok {
			return fmt.Errorf("%w: %d", ErrFDAlreadyRegistered, e.fd)
		}
	default:
		if owner, ok := m.fds[e.fd]; !ok || owner != id {
			return fmt.Errorf("%w: %d", ErrFDNotRegistered, e.fd)
		}
	}

	var ev *unix.EpollEvent
	if op != unix.EPOLL_CTL_DEL {
		ev = &unix.EpollEvent{Events: uint32(e.set), Fd: e.fd, Pad: int32(e.data)}
	}

	if err := unix.EpollCtl(m.epfd, op, int(e.fd), ev); err != nil {
		return fmt.Errorf("epoll ctl op %d fd %d: %w", op, e.fd, err)
	}

	switch op {
	case unix.EPOLL_CTL_ADD:
		m.fds[e.fd] = id
	case unix.EPOLL_CTL_DEL:
		delete(m.fds, e.fd)
	}

	return nil
}

type subscriberOps struct {
	m  *Manager
	id SubscriberID
}

func (o *subscriberOps) Add(e Events) error {
	return o.m.ctl(o.id, unix.EPOLL_CTL_ADD, e)
}

func (o *subscriberOps) Modify(e Events) error {
	return o.m.ctl(o.id, unix.EPOLL_CTL_MOD, e)
}

func (o *subscriberOps) Remove(e Events) error {
	return o.m.ctl(o.id, unix.EPOLL_CTL_DEL, e)
}
