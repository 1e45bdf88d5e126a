package uevent

import (
	"context"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/logger"
	"golang.org/x/sys/unix"
)

const (
	// SubsystemDRM is the kernel subsystem of GPU devices.
	SubsystemDRM = "drm"

	kernelGroup   = 1
	receiveBuffer = 64 * 1024
	pollTimeoutMs = 250
)

// source yields raw uevent messages. Receive returns nil, nil when no
// message arrived before its timeout.
type source interface {
	Receive() ([]byte, error)
	Close() error
}

// Listener wakes a Notifier for every kernel uevent of one subsystem.
type Listener struct {
	subsystem string
	notifier  *Notifier
	open      func() (source, error)
}

// NewListener listens for drm events on the kernel uevent netlink socket.
func NewListener(notifier *Notifier) *Listener {
	return &Listener{
		subsystem: SubsystemDRM,
		notifier:  notifier,
		open:      openNetlink,
	}
}

// Run blocks reading events until ctx is done or the socket fails.
func (l *Listener) Run(ctx context.Context) error {
	src, err := l.open()
	if err != nil {
		return err
	}
	defer src.Close()

	logger.Debug().Str("subsystem", l.subsystem).Msg("Listening for device events")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		msg, err := src.Receive()
		if errors.HasCode(err, ErrOverflow) {
			// The lost events may include ours.
			logger.Warn().Err(err).Msg("Device events were dropped, rescanning")
			l.notifier.Notify()
			continue
		}
		if err != nil {
			return err
		}
		if msg == nil {
			continue
		}

		ev, err := Parse(msg)
		if err != nil {
			logger.Trace().Err(err).Msg("Ignoring uevent")
			continue
		}

		if ev.Subsystem != l.subsystem {
			continue
		}

		logger.Debug().
			Str("action", ev.Action).
			Str("devpath", ev.DevPath).
			Msg("Device event")
		l.notifier.Notify()
	}
}

type netlinkSource struct {
	fd  int
	buf []byte
}

func openNetlink() (source, error) {
	errFactory := errors.New()

	fd, err := unix.Socket(unix.AF_NETLINK, unix.SOCK_RAW|unix.SOCK_CLOEXEC, unix.NETLINK_KOBJECT_UEVENT)
	if err != nil {
		return nil, errFactory.Wrap(ErrSocketFailed, err)
	}

	addr := &unix.SockaddrNetlink{
		Family: unix.AF_NETLINK,
		Groups: kernelGroup,
	}
	if err := unix.Bind(fd, addr); err != nil {
		unix.Close(fd)
		return nil, errFactory.Wrap(ErrSocketFailed, err)
	}

	return &netlinkSource{fd: fd, buf: make([]byte, receiveBuffer)}, nil
}

// Receive polls with a short timeout so Run can notice cancellation.
func (s *netlinkSource) Receive() ([]byte, error) {
	errFactory := errors.New()

	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	count, err := unix.Poll(fds, pollTimeoutMs)
	if err != nil {
		if err == unix.EINTR {
			return nil, nil
		}
		return nil, errFactory.Wrap(ErrReceiveFailed, err)
	}
	if count == 0 {
		return nil, nil
	}

	n, _, err := unix.Recvfrom(s.fd, s.buf, 0)
	if err != nil {
		if err == unix.EAGAIN || err == unix.EINTR {
			return nil, nil
		}
		if err == unix.ENOBUFS {
			return nil, errFactory.Wrap(ErrOverflow, err)
		}
		return nil, errFactory.Wrap(ErrReceiveFailed, err)
	}

	msg := make([]byte, n)
	copy(msg, s.buf[:n])

	return msg, nil
}

func (s *netlinkSource) Close() error {
	return unix.Close(s.fd)
}
