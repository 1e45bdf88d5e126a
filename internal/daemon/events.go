package daemon

import (
	"context"
	"time"

	"codeberg.org/mutker/gpuctld/internal/logger"
)

// Quiet period after the last device event before GPUs are reloaded.
const deviceEventQuietPeriod = 100 * time.Millisecond

type reloader interface {
	ReloadGPUs(ctx context.Context)
}

// listenDeviceEvents reloads the GPUs once a burst of device events has
// gone quiet. Every wakeup during the quiet period restarts it. A
// non-zero ceiling bounds the total wait from the first event of a burst.
func listenDeviceEvents(ctx context.Context, wake <-chan struct{}, r reloader, quiet, ceiling time.Duration) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-wake:
		}

		if !debounce(ctx, wake, quiet, ceiling) {
			return
		}

		logger.Info().Msg("Device change detected, reloading GPUs")
		r.ReloadGPUs(ctx)
	}
}

// debounce returns once no wakeup has arrived for quiet, or when the
// ceiling expires. It reports false if ctx ended first.
func debounce(ctx context.Context, wake <-chan struct{}, quiet, ceiling time.Duration) bool {
	timer := time.NewTimer(quiet)
	defer timer.Stop()

	var deadline <-chan time.Time
	if ceiling > 0 {
		ceilingTimer := time.NewTimer(ceiling)
		defer ceilingTimer.Stop()
		deadline = ceilingTimer.C
	}

	for {
		select {
		case <-ctx.Done():
			return false
		case <-wake:
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(quiet)
		case <-timer.C:
			return true
		case <-deadline:
			logger.Debug().Msg("Device event burst hit the debounce ceiling")
			return true
		}
	}
}
