// Package suspend re-applies GPU settings after the system resumes from
// sleep, since firmware resets fan and power state on suspend.
package suspend

import (
	"context"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/logger"
	"github.com/godbus/dbus/v5"
)

const (
	ErrConnectFailed = errors.ErrorCode("suspend_dbus_connect_failed")
	ErrMatchFailed   = errors.ErrorCode("suspend_dbus_match_failed")

	logindPath      = dbus.ObjectPath("/org/freedesktop/login1")
	logindInterface = "org.freedesktop.login1.Manager"
	prepareForSleep = "PrepareForSleep"
	signalBuffer    = 8
)

// Applier re-applies the current configuration.
type Applier interface {
	ApplyCurrentConfig(ctx context.Context) error
}

// Listen subscribes to logind's PrepareForSleep signal on the system bus
// and calls ApplyCurrentConfig on every resume. It returns when ctx is
// done or the bus connection closes.
func Listen(ctx context.Context, applier Applier) error {
	errFactory := errors.New()

	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return errFactory.Wrap(ErrConnectFailed, err)
	}
	defer conn.Close()

	if err := conn.AddMatchSignal(
		dbus.WithMatchObjectPath(logindPath),
		dbus.WithMatchInterface(logindInterface),
		dbus.WithMatchMember(prepareForSleep),
	); err != nil {
		return errFactory.Wrap(ErrMatchFailed, err)
	}

	signals := make(chan *dbus.Signal, signalBuffer)
	conn.Signal(signals)
	defer conn.RemoveSignal(signals)

	logger.Debug().Msg("Listening for suspend events")

	watch(ctx, signals, applier)

	return nil
}

func watch(ctx context.Context, signals <-chan *dbus.Signal, applier Applier) {
	for {
		select {
		case <-ctx.Done():
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			handle(ctx, sig, applier)
		}
	}
}

func handle(ctx context.Context, sig *dbus.Signal, applier Applier) {
	if sig == nil || sig.Name != logindInterface+"."+prepareForSleep || len(sig.Body) == 0 {
		return
	}

	sleeping, ok := sig.Body[0].(bool)
	if !ok {
		return
	}

	if sleeping {
		logger.Info().Msg("System is going to sleep")
		return
	}

	logger.Info().Msg("System resumed, re-applying configuration")
	if err := applier.ApplyCurrentConfig(ctx); err != nil {
		logger.ErrorWithCode(err).Msg("Failed to re-apply configuration after resume")
	}
}
