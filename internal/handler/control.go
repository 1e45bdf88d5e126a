package handler

import (
	"context"
	"reflect"

	"codeberg.org/mutker/gpuctld/internal/config"
	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/fancurve"
	"codeberg.org/mutker/gpuctld/internal/logger"
)

// FanControl is a requested change to one GPU's fan settings. Zero
// fields keep their current value, except Enabled.
type FanControl struct {
	Enabled         bool
	Mode            config.FanControlMode
	StaticSpeed     *float64
	Curve           fancurve.UserFanCurve
	IntervalMs      int
	ChangeThreshold *int
}

// SetFanControl validates the change, stores and saves it, then applies
// it to the device.
func (h *Handler) SetFanControl(ctx context.Context, id string, req FanControl) error {
	h.commitMu.Lock()
	defer h.commitMu.Unlock()

	if err := h.requireDevice(id); err != nil {
		return err
	}

	if req.Curve != nil {
		if err := fancurve.Validate(req.Curve); err != nil {
			return err
		}
	}

	cfg := h.Config()
	gpuCfg := cfg.GPUs[id]
	settings := config.DefaultFanControlSettings()
	if gpuCfg.FanControlSettings != nil {
		settings = *gpuCfg.FanControlSettings
	}

	gpuCfg.FanControlEnabled = req.Enabled
	if req.Mode != "" {
		settings.Mode = req.Mode
	}
	if req.StaticSpeed != nil {
		settings.StaticSpeed = *req.StaticSpeed
	}
	if req.Curve != nil {
		settings.Curve = req.Curve.Clone()
	}
	if req.IntervalMs > 0 {
		settings.IntervalMs = req.IntervalMs
	}
	if req.ChangeThreshold != nil {
		settings.ChangeThreshold = *req.ChangeThreshold
	}
	gpuCfg.FanControlSettings = &settings
	cfg.GPUs[id] = gpuCfg

	return h.commit(ctx, id, cfg)
}

// SetPowerCap stores and applies a power cap in watts. Nil restores the
// device default.
func (h *Handler) SetPowerCap(ctx context.Context, id string, watts *float64) error {
	h.commitMu.Lock()
	defer h.commitMu.Unlock()

	if err := h.requireDevice(id); err != nil {
		return err
	}

	cfg := h.Config()
	gpuCfg := cfg.GPUs[id]
	if watts != nil {
		value := *watts
		gpuCfg.PowerCap = &value
	} else {
		gpuCfg.PowerCap = nil
	}
	cfg.GPUs[id] = gpuCfg

	return h.commit(ctx, id, cfg)
}

func (h *Handler) requireDevice(id string) error {
	h.devMu.RLock()
	defer h.devMu.RUnlock()

	if _, ok := h.devices[id]; !ok {
		return errors.New().WithData(ErrDeviceNotFound, id)
	}

	return nil
}

// commit validates cfg, applies the entry for id and only then makes it
// current and saves it. On an apply failure the previous entry is
// re-applied and the configuration is left unchanged. The entry is merged
// into the file as it is on disk, so edits not yet picked up by the
// watcher survive. Callers hold commitMu.
func (h *Handler) commit(ctx context.Context, id string, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	previous, hadPrevious := h.Config().GPUs[id]

	h.devMu.Lock()
	dev, ok := h.devices[id]
	if !ok || h.closed {
		h.devMu.Unlock()
		return errors.New().WithData(ErrDeviceNotFound, id)
	}
	err := h.applyDevice(ctx, dev, cfg.GPUs[id], true)
	if err != nil {
		if restoreErr := h.applyDevice(ctx, dev, previous, hadPrevious); restoreErr != nil {
			logger.ErrorWithCode(restoreErr).Str("gpu", id).Msg("Failed to restore previous settings")
		}
	}
	h.devMu.Unlock()
	if err != nil {
		return err
	}

	if h.configPath == "" {
		h.setConfig(cfg)
		return nil
	}

	merged := cfg
	if onDisk, err := config.Load(h.configPath); err == nil {
		onDisk.GPUs[id] = cfg.GPUs[id]
		merged = onDisk
	} else if !errors.HasCode(err, errors.ErrReadConfig) {
		logger.WarnWithCode(err).Msg("Configuration file is invalid, overwriting it")
	}

	h.setConfig(merged)

	// The file carried edits the hardware has not seen yet.
	if !reflect.DeepEqual(merged, cfg) {
		if err := h.ApplyCurrentConfig(ctx); err != nil {
			logger.ErrorWithCode(err).Msg("Failed to apply configuration from file")
		}
	}

	if err := config.Save(h.configPath, merged, h.marker); err != nil {
		return err
	}

	logger.Info().Str("gpu", id).Msg("Configuration saved")

	return nil
}
