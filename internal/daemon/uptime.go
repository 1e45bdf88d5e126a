package daemon

import (
	"context"
	"os"
	"strconv"
	"strings"
	"time"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/logger"
)

const (
	uptimePath = "/proc/uptime"
	// Drivers may still be initializing right after boot.
	minimumUptime = 15 * time.Second
)

type sleeper func(ctx context.Context, d time.Duration) error

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// ensureSufficientUptime waits until the system has been up for at least
// minimum. An unreadable uptime is logged and does not delay startup.
func ensureSufficientUptime(ctx context.Context, path string, minimum time.Duration, sleep sleeper) error {
	uptime, err := readUptime(path)
	if err != nil {
		logger.WarnWithCode(err).Msg("Could not read system uptime")
		return nil
	}

	if uptime >= minimum {
		return nil
	}

	wait := minimum - uptime
	logger.Info().Dur("wait", wait).Msg("Waiting for the system to finish starting up")

	return sleep(ctx, wait)
}

func readUptime(path string) (time.Duration, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(path)
	if err != nil {
		return 0, errFactory.Wrap(ErrUptimeRead, err)
	}

	fields := strings.Fields(string(data))
	if len(fields) == 0 {
		return 0, errFactory.WithData(ErrUptimeRead, "empty uptime file")
	}

	seconds, err := strconv.ParseFloat(fields[0], 64)
	if err != nil {
		return 0, errFactory.Wrap(ErrUptimeRead, err)
	}

	return time.Duration(seconds * float64(time.Second)), nil
}
