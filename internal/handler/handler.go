// Package handler owns the live daemon state: the current configuration
// and the set of GPU controllers it is applied to.
package handler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"codeberg.org/mutker/gpuctld/internal/config"
	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/fancurve"
	"codeberg.org/mutker/gpuctld/internal/gpu"
	"codeberg.org/mutker/gpuctld/internal/logger"
	"codeberg.org/mutker/gpuctld/internal/metrics"
)

// Discoverer finds the GPUs present on the system.
type Discoverer interface {
	Enumerate() ([]gpu.Controller, error)
	Close() error
}

type Options struct {
	// ConfigPath is where configuration changes made over the control
	// socket are saved. Empty disables saving.
	ConfigPath string
	Discoverer Discoverer
	Recorder   metrics.Recorder
	// Marker is stamped on every save. A new marker is used when nil.
	Marker *config.SaveMarker
}

type device struct {
	controller gpu.Controller
	stop       context.CancelFunc
	done       chan struct{}
}

// Handler is safe for concurrent use.
type Handler struct {
	configPath string
	marker     *config.SaveMarker
	discoverer Discoverer
	recorder   metrics.Recorder

	// commitMu serializes whole-config writers: socket changes from
	// snapshot to save, and hot reloads.
	commitMu sync.Mutex
	cfgMu    sync.RWMutex
	cfg      config.Config

	devMu   sync.RWMutex
	devices map[string]*device
	closed  bool
}

// New enumerates the GPUs and applies cfg to them. Apply failures are
// logged; only a failed enumeration is fatal.
func New(ctx context.Context, cfg config.Config, opts Options) (*Handler, error) {
	errFactory := errors.New()

	if opts.Discoverer == nil {
		opts.Discoverer = gpu.NewEnumerator()
	}
	if opts.Marker == nil {
		opts.Marker = &config.SaveMarker{}
	}
	if opts.Recorder == nil {
		recorder, err := metrics.NewService(metrics.DefaultConfig())
		if err != nil {
			return nil, errFactory.Wrap(ErrInitFailed, err)
		}
		opts.Recorder = recorder
	}

	h := &Handler{
		configPath: opts.ConfigPath,
		marker:     opts.Marker,
		discoverer: opts.Discoverer,
		recorder:   opts.Recorder,
		cfg:        cfg.Clone(),
		devices:    make(map[string]*device),
	}

	controllers, err := h.discoverer.Enumerate()
	if err != nil {
		return nil, errFactory.Wrap(ErrInitFailed, err)
	}
	for _, c := range controllers {
		h.devices[c.Info().ID] = &device{controller: c}
	}

	logger.Info().Int("gpus", len(h.devices)).Msg("Handler initialized")

	if err := h.ApplyCurrentConfig(ctx); err != nil {
		logger.ErrorWithCode(err).Msg("Failed to apply initial configuration")
	}

	return h, nil
}

// Config returns a copy of the current configuration.
func (h *Handler) Config() config.Config {
	h.cfgMu.RLock()
	defer h.cfgMu.RUnlock()

	return h.cfg.Clone()
}

// ReplaceConfig swaps in cfg. It does not touch the hardware. A change
// made over the control socket that is in progress completes first.
func (h *Handler) ReplaceConfig(cfg config.Config) {
	h.commitMu.Lock()
	defer h.commitMu.Unlock()

	h.setConfig(cfg)
}

func (h *Handler) setConfig(cfg config.Config) {
	h.cfgMu.Lock()
	defer h.cfgMu.Unlock()

	h.cfg = cfg.Clone()
}

// SaveMarker is stamped whenever the handler writes the config file.
func (h *Handler) SaveMarker() *config.SaveMarker {
	return h.marker
}

// Devices lists the known GPUs ordered by id.
func (h *Handler) Devices() []gpu.Info {
	h.devMu.RLock()
	defer h.devMu.RUnlock()

	infos := make([]gpu.Info, 0, len(h.devices))
	for _, dev := range h.devices {
		infos = append(infos, dev.controller.Info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].ID < infos[j].ID })

	return infos
}

// DeviceStats returns a snapshot of one GPU.
func (h *Handler) DeviceStats(id string) (gpu.Stats, error) {
	h.devMu.RLock()
	defer h.devMu.RUnlock()

	dev, ok := h.devices[id]
	if !ok {
		return gpu.Stats{}, errors.New().WithData(ErrDeviceNotFound, id)
	}

	return dev.controller.Stats(), nil
}

// FanHistory returns up to limit recorded fan samples for one GPU, newest
// first. It is empty when metrics are disabled.
func (h *Handler) FanHistory(ctx context.Context, id string, limit int) ([]metrics.Sample, error) {
	if err := h.requireDevice(id); err != nil {
		return nil, err
	}

	return h.recorder.Recent(ctx, id, limit)
}

// ApplyCurrentConfig applies the current configuration to every GPU. A
// failing device does not stop the others; all failures are returned
// joined.
func (h *Handler) ApplyCurrentConfig(ctx context.Context) error {
	cfg := h.Config()

	h.devMu.Lock()
	defer h.devMu.Unlock()

	if h.closed {
		return nil
	}

	ids := make([]string, 0, len(h.devices))
	for id := range h.devices {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		gpuCfg, ok := cfg.GPUs[id]
		if err := h.applyDevice(ctx, h.devices[id], gpuCfg, ok); err != nil {
			errs = append(errs, fmt.Errorf("gpu %s: %w", id, err))
		}
	}

	for id := range cfg.GPUs {
		if _, ok := h.devices[id]; !ok {
			logger.Debug().Str("gpu", id).Msg("Configured GPU is not present")
		}
	}

	if len(errs) > 0 {
		return errors.New().Wrap(ErrApplyConfig, errors.Join(errs...))
	}

	logger.Debug().Int("gpus", len(ids)).Msg("Configuration applied")

	return nil
}

// applyDevice is called with devMu held.
func (h *Handler) applyDevice(ctx context.Context, dev *device, gpuCfg config.GPUConfig, configured bool) error {
	h.stopLoop(dev)
	c := dev.controller

	var errs []error

	if !configured || !gpuCfg.FanControlEnabled {
		if err := resetFan(c); err != nil {
			errs = append(errs, err)
		}
	} else {
		settings := config.DefaultFanControlSettings()
		if gpuCfg.FanControlSettings != nil {
			settings = *gpuCfg.FanControlSettings
		}
		if err := h.applyFan(ctx, dev, settings); err != nil {
			errs = append(errs, err)
		}
	}

	if configured && gpuCfg.PowerCap != nil {
		if err := c.SetPowerCap(*gpuCfg.PowerCap); err != nil {
			errs = append(errs, err)
		}
	} else if err := c.ResetPowerCap(); err != nil {
		logger.Debug().Err(err).Str("gpu", c.Info().ID).Msg("Could not reset power cap")
	}

	return errors.Join(errs...)
}

func (h *Handler) applyFan(ctx context.Context, dev *device, settings config.FanControlSettings) error {
	c := dev.controller

	switch settings.Mode {
	case config.FanModeStatic:
		if err := c.ResetFanCurve(); err != nil {
			return err
		}
		pwm := uint8(settings.StaticSpeed * fancurve.MaxPWM)
		logger.Debug().Str("gpu", c.Info().ID).Uint8("pwm", pwm).Msg("Static fan speed")
		return c.SetFanPWM(pwm)

	case config.FanModeCurve:
		hw, err := c.FanCurve()
		switch {
		case err == nil:
			converted, err := fancurve.Convert(settings.Curve, hw)
			if err != nil {
				return err
			}
			if err := c.SetFanCurve(converted); err != nil {
				return err
			}
			h.recordFirmwareCurve(ctx, c, settings.Curve)
			return nil
		case errors.HasCode(err, errors.ErrNotSupported):
			h.startLoop(ctx, dev, settings)
			return nil
		default:
			return err
		}

	default:
		return errors.New().WithData(errors.ErrInvalidConfig, fmt.Sprintf("unknown fan control mode %q", settings.Mode))
	}
}

// recordFirmwareCurve stores the target the firmware will drive the fan
// to at the current temperature.
func (h *Handler) recordFirmwareCurve(ctx context.Context, c gpu.Controller, curve fancurve.UserFanCurve) {
	id := c.Info().ID

	reading, err := c.Temperature()
	if err != nil || reading.Current == nil {
		logger.Debug().Str("gpu", id).Msg("No temperature to record for the firmware curve")
		return
	}

	sample := &metrics.Sample{
		Timestamp:   time.Now(),
		GPUID:       id,
		Temperature: *reading.Current,
		PWM:         fancurve.Evaluate(curve, reading),
		Mode:        string(config.FanModeCurve),
		Firmware:    true,
	}
	if err := h.recorder.Record(ctx, sample); err != nil {
		logger.WarnWithCode(err).Str("gpu", id).Msg("Failed to record metrics")
	}
}

func resetFan(c gpu.Controller) error {
	if err := c.ResetFanCurve(); err != nil {
		return err
	}

	return c.EnableAutoFan()
}

// ReloadGPUs re-enumerates the hardware and applies the current
// configuration to the new device set. If enumeration fails the old set
// is kept.
func (h *Handler) ReloadGPUs(ctx context.Context) {
	controllers, err := h.discoverer.Enumerate()
	if err != nil {
		logger.ErrorWithCode(err).Msg("Failed to reload GPUs")
		return
	}

	h.devMu.Lock()
	if h.closed {
		h.devMu.Unlock()
		for _, c := range controllers {
			c.Close()
		}
		return
	}

	for id, dev := range h.devices {
		h.stopLoop(dev)
		if err := dev.controller.Close(); err != nil {
			logger.Debug().Err(err).Str("gpu", id).Msg("Failed to close controller")
		}
	}

	h.devices = make(map[string]*device, len(controllers))
	for _, c := range controllers {
		h.devices[c.Info().ID] = &device{controller: c}
	}
	count := len(h.devices)
	h.devMu.Unlock()

	logger.Info().Int("gpus", count).Msg("GPUs reloaded")

	if err := h.ApplyCurrentConfig(ctx); err != nil {
		logger.ErrorWithCode(err).Msg("Failed to apply configuration after reload")
	}
}

// Cleanup hands fan and power control back to the driver and releases
// every resource. Later calls do nothing.
func (h *Handler) Cleanup(_ context.Context) {
	h.devMu.Lock()
	defer h.devMu.Unlock()

	if h.closed {
		return
	}
	h.closed = true

	for id, dev := range h.devices {
		h.stopLoop(dev)
		c := dev.controller

		if err := resetFan(c); err != nil {
			logger.ErrorWithCode(err).Str("gpu", id).Msg("Failed to restore automatic fan control")
		}
		if err := c.ResetPowerCap(); err != nil {
			logger.Debug().Err(err).Str("gpu", id).Msg("Could not reset power cap")
		}
		if err := c.Close(); err != nil {
			logger.Debug().Err(err).Str("gpu", id).Msg("Failed to close controller")
		}
	}

	if err := h.discoverer.Close(); err != nil {
		logger.ErrorWithCode(err).Msg("Failed to shut down GPU discovery")
	}
	if err := h.recorder.Close(); err != nil {
		logger.ErrorWithCode(err).Msg("Failed to close metrics")
	}

	logger.Info().Msg("GPU state restored")
}
