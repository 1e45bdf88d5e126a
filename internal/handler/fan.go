package handler

import (
	"context"
	"time"

	"codeberg.org/mutker/gpuctld/internal/config"
	"codeberg.org/mutker/gpuctld/internal/fancurve"
	"codeberg.org/mutker/gpuctld/internal/gpu"
	"codeberg.org/mutker/gpuctld/internal/logger"
	"codeberg.org/mutker/gpuctld/internal/metrics"
)

// fanLoop evaluates the curve against the live temperature once per
// interval and writes the resulting PWM.
type fanLoop struct {
	controller gpu.Controller
	recorder   metrics.Recorder
	curve      fancurve.UserFanCurve
	interval   time.Duration
	threshold  int

	lastTemp int
	applied  bool
}

// startLoop is called with devMu held.
func (h *Handler) startLoop(_ context.Context, dev *device, settings config.FanControlSettings) {
	interval := time.Duration(settings.IntervalMs) * time.Millisecond
	if interval <= 0 {
		interval = config.DefaultFanInterval * time.Millisecond
	}

	loop := &fanLoop{
		controller: dev.controller,
		recorder:   h.recorder,
		curve:      settings.Curve.Clone(),
		interval:   interval,
		threshold:  settings.ChangeThreshold,
	}

	// Loops outlive the request that started them and stop only through
	// stopLoop.
	ctx, cancel := context.WithCancel(context.Background())
	dev.stop = cancel
	dev.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		loop.run(ctx)
	}(dev.done)

	logger.Debug().
		Str("gpu", dev.controller.Info().ID).
		Dur("interval", interval).
		Int("change_threshold", settings.ChangeThreshold).
		Msg("Fan control loop started")
}

// stopLoop cancels the device's loop and waits for it. Called with devMu
// held.
func (h *Handler) stopLoop(dev *device) {
	if dev.stop == nil {
		return
	}

	dev.stop()
	<-dev.done
	dev.stop = nil
	dev.done = nil
}

func (l *fanLoop) run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.tick(ctx)
		}
	}
}

func (l *fanLoop) tick(ctx context.Context) {
	id := l.controller.Info().ID

	reading, err := l.controller.Temperature()
	if err != nil {
		logger.WarnWithCode(err).Str("gpu", id).Msg("Failed to read temperature")
		return
	}
	if reading.Current == nil {
		logger.Warn().Str("gpu", id).Msg("No current temperature reported")
		return
	}

	temp := int(*reading.Current)
	critical := reading.Crit != nil && *reading.Current > *reading.Crit
	if l.applied && !critical && withinHysteresis(temp, l.lastTemp, l.threshold) {
		return
	}

	pwm := fancurve.Evaluate(l.curve, reading)
	if err := l.controller.SetFanPWM(pwm); err != nil {
		logger.ErrorWithCode(err).Str("gpu", id).Msg("Failed to set fan speed")
		return
	}

	if l.applied {
		logger.Debug().Str("gpu", id).Int("temperature", temp).Uint8("pwm", pwm).
			Msgf("Fan speed changed (temperature %d°C -> %d°C)", l.lastTemp, temp)
	}

	l.lastTemp = temp
	l.applied = true

	sample := &metrics.Sample{
		Timestamp:   time.Now(),
		GPUID:       id,
		Temperature: *reading.Current,
		PWM:         pwm,
		Mode:        string(config.FanModeCurve),
	}
	if err := l.recorder.Record(ctx, sample); err != nil {
		logger.WarnWithCode(err).Str("gpu", id).Msg("Failed to record metrics")
	}
}

func withinHysteresis(newValue, currentValue, hysteresis int) bool {
	return abs(newValue-currentValue) <= hysteresis
}

func abs(x int) int {
	if x < 0 {
		return -x
	}

	return x
}
