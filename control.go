package vnet

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/tapvm/vnet/cmdline"
	"github.com/tapvm/vnet/config"
	"github.com/tapvm/vnet/eventfd"
	"github.com/tapvm/vnet/events"
	"github.com/tapvm/vnet/memory"
	"github.com/tapvm/vnet/mmio"
	virtionet "github.com/tapvm/vnet/virtio/net"
	"golang.org/x/sync/errgroup"
)

// Control owns everything Main assembled for one network device and runs its
// event loop.
type Control struct {
	l          *logrus.Logger
	c          *config.C
	cancel     context.CancelFunc
	eg         *errgroup.Group
	done       <-chan struct{}
	statsStart func()

	mem     *memory.GuestMemory
	em      *events.Manager
	tap     *virtionet.SharedTap
	irqfd   *eventfd.EventFD
	dev     *virtionet.Device
	bus     *mmio.Bus
	cmdline *cmdline.Cmdline
	timeout time.Duration
}

// Start runs the event loop, this is a nonblocking call. To block use Control.ShutdownBlock()
func (c *Control) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	eg, ctx := errgroup.WithContext(ctx)
	c.cancel = cancel
	c.eg = eg
	c.done = ctx.Done()

	if c.c != nil {
		c.c.CatchHUP(ctx)
	}

	// Call all the delayed funcs that waited patiently for the device to be created.
	if c.statsStart != nil {
		go c.statsStart()
	}

	eg.Go(func() error {
		err := c.em.Loop(ctx, c.timeout)
		if err != nil {
			c.l.WithError(err).Error("Event loop failed")
		}
		return err
	})
}

// Stop signals the event loop to exit, returns after the shutdown is complete
func (c *Control) Stop() {
	if c.cancel != nil {
		c.cancel()
		if err := c.em.Wake(); err != nil {
			c.l.WithError(err).Warn("Failed to wake the event loop")
		}
		if err := c.eg.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.l.WithError(err).Error("Event loop exited with an error")
		}
		c.cancel = nil
	}

	c.release()
	c.l.Info("Goodbye")
}

// ShutdownBlock will listen for and block on term and interrupt signals, calling Control.Stop() once signalled.
// It also returns if the event loop dies on its own.
func (c *Control) ShutdownBlock() {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigChan)

	select {
	case rawSig := <-sigChan:
		c.l.WithField("signal", rawSig.String()).Info("Caught signal, shutting down")
	case <-c.done:
		c.l.Error("Event loop exited, shutting down")
	}

	c.Stop()
}

// release closes whatever has been set up so far. The device goes first so it
// can leave the event loop before the loop is closed.
func (c *Control) release() {
	var errs []error
	if c.dev != nil {
		errs = append(errs, c.dev.Close())
		c.dev = nil
	}
	if c.em != nil {
		errs = append(errs, c.em.Close())
		c.em = nil
	}
	if c.tap != nil {
		errs = append(errs, c.tap.Close())
		c.tap = nil
	}
	if c.irqfd != nil {
		errs = append(errs, c.irqfd.Close())
		c.irqfd = nil
	}
	if c.mem != nil {
		errs = append(errs, c.mem.Close())
		c.mem = nil
	}

	if err := errors.Join(errs...); err != nil {
		c.l.WithError(err).Error("Failed to release device resources")
	}
}

// Bus is where the device registers live, the hypervisor routes guest MMIO exits here.
func (c *Control) Bus() *mmio.Bus {
	return c.bus
}

// Cmdline returns the guest kernel command line including the device fragment.
func (c *Control) Cmdline() string {
	if c.cmdline == nil {
		return ""
	}
	return c.cmdline.String()
}

func (c *Control) Device() *virtionet.Device {
	return c.dev
}

// InterruptFD is the eventfd to bind as an irqfd for the device interrupt line.
func (c *Control) InterruptFD() int {
	if c.irqfd == nil {
		return -1
	}
	return c.irqfd.FD()
}

func (c *Control) Memory() *memory.GuestMemory {
	return c.mem
}

func (c *Control) GetLogger() *logrus.Logger {
	return c.l
}
