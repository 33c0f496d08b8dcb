package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
)

// sd_notify states, see
// https://www.freedesktop.org/software/systemd/man/sd_notify.html
const (
	SdNotifyReady    = "READY=1"
	SdNotifyStopping = "STOPPING=1"
)

// notifyReady tells systemd the device is registered and the event loop is running
func notifyReady(l *logrus.Logger) {
	sdNotify(l, SdNotifyReady)
}

func notifyStopping(l *logrus.Logger) {
	sdNotify(l, SdNotifyStopping)
}

func sdNotify(l *logrus.Logger, state string) {
	sockName := os.Getenv("NOTIFY_SOCKET")
	if sockName == "" {
		l.Debugln("NOTIFY_SOCKET systemd env var not set, not sending", state)
		return
	}

	conn, err := net.DialTimeout("unixgram", sockName, time.Second)
	if err != nil {
		l.WithError(err).Error("failed to connect to systemd notification socket")
		return
	}
	defer conn.Close()

	err = conn.SetWriteDeadline(time.Now().Add(time.Second))
	if err != nil {
		l.WithError(err).Error("failed to set the write deadline for the systemd notification socket")
		return
	}

	if _, err = conn.Write([]byte(state)); err != nil {
		l.WithError(err).WithField("state", state).Error("failed to signal the systemd notification socket")
		return
	}

	l.WithField("state", state).Debugln("notified systemd")
}
