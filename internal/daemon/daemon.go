// Package daemon wires the handler to its event sources: the control
// socket, device hotplug events, configuration file changes, resume from
// suspend and termination signals.
package daemon

import (
	"context"
	"net"
	"os"
	"os/signal"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctld/internal/config"
	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/handler"
	"codeberg.org/mutker/gpuctld/internal/logger"
	"codeberg.org/mutker/gpuctld/internal/metrics"
	"codeberg.org/mutker/gpuctld/internal/pid"
	"codeberg.org/mutker/gpuctld/internal/server"
	"codeberg.org/mutker/gpuctld/internal/suspend"
	"codeberg.org/mutker/gpuctld/internal/uevent"
)

type Options struct {
	ConfigPath string
	// SocketPath overrides daemon.socket_path from the configuration.
	SocketPath string
	// DebounceCeiling bounds how long a continuous burst of device events
	// can delay a reload. Zero means no bound.
	DebounceCeiling time.Duration
}

// Run starts the daemon and serves the control socket until ctx is done.
// A termination signal ends the process from within Run.
func Run(ctx context.Context, opts Options) error {
	errFactory := errors.New()

	if opts.ConfigPath == "" {
		opts.ConfigPath = config.DefaultPath
	}

	cfg, err := config.LoadOrCreate(opts.ConfigPath)
	if err != nil {
		return err
	}

	if err := logger.Init(cfg.Daemon.LogLevel, logger.IsService()); err != nil {
		return err
	}
	logger.Debug().Str("path", opts.ConfigPath).Msg("Configuration loaded")

	if err := ensureSufficientUptime(ctx, uptimePath, minimumUptime, sleepContext); err != nil {
		return err
	}

	if err := pid.Write(cfg.Daemon.PIDFile); err != nil {
		return err
	}

	h, err := handler.New(ctx, cfg, handler.Options{
		ConfigPath: opts.ConfigPath,
		Recorder:   newRecorder(cfg.Metrics),
	})
	if err != nil {
		pid.Remove(cfg.Daemon.PIDFile)
		return err
	}

	socketPath := cfg.Daemon.SocketPath
	if opts.SocketPath != "" {
		socketPath = opts.SocketPath
	}

	srv, err := server.Listen(socketPath, cfg.Daemon.AdminGroup, h)
	if err != nil {
		h.Cleanup(ctx)
		pid.Remove(cfg.Daemon.PIDFile)
		return errFactory.Wrap(ErrStartup, err)
	}

	cleanup := sync.OnceFunc(func() {
		h.Cleanup(ctx)
		if err := srv.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to remove control socket")
		}
		if err := pid.Remove(cfg.Daemon.PIDFile); err != nil {
			logger.WarnWithCode(err).Msg("Failed to remove PID file")
		}
	})
	defer cleanup()

	signals := make(chan os.Signal, 1)
	signal.Notify(signals, exitSignals...)
	go listenExitSignals(ctx, signals, cleanup, os.Exit)

	notifier := uevent.NewNotifier()
	go func() {
		if err := uevent.NewListener(notifier).Run(ctx); err != nil {
			logger.ErrorWithCode(err).Msg("Device event listener stopped")
		}
	}()
	go listenDeviceEvents(ctx, notifier.C(), h, deviceEventQuietPeriod, opts.DebounceCeiling)

	updates, err := config.NewWatcher(opts.ConfigPath, h.SaveMarker()).Start(ctx)
	if err != nil {
		logger.WarnWithCode(err).Msg("Configuration changes will not be picked up")
	} else {
		go listenConfigChanges(ctx, updates, h)
	}

	go func() {
		if err := suspend.Listen(ctx, h); err != nil {
			logger.WarnWithCode(err).Msg("Settings will not be restored after suspend")
		}
	}()

	logger.Info().Msg("Daemon started")

	return srv.Serve(ctx)
}

// RunEmbedded serves a single client over conn with the default
// configuration, for frontends that start the daemon in-process. It
// returns when the client closes conn or ctx is done.
func RunEmbedded(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	h, err := handler.New(ctx, config.Default(), handler.Options{})
	if err != nil {
		return err
	}
	defer h.Cleanup(ctx)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	return server.HandleStream(ctx, conn, h)
}

func newRecorder(cfg config.Metrics) metrics.Recorder {
	mc := metrics.DefaultConfig()
	mc.Enabled = cfg.Enabled
	if cfg.DBPath != "" {
		mc.DBPath = cfg.DBPath
	}
	if cfg.BatchSize > 0 {
		mc.BatchSize = cfg.BatchSize
	}

	recorder, err := metrics.NewService(mc)
	if err == nil {
		return recorder
	}

	logger.WarnWithCode(err).Msg("Metrics disabled")
	mc.Enabled = false
	recorder, _ = metrics.NewService(mc)

	return recorder
}
