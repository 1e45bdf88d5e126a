package daemon

import "codeberg.org/mutker/gpuctld/internal/errors"

const (
	ErrUptimeRead = errors.ErrorCode("uptime_read_failed")
	ErrStartup    = errors.ErrInitFailed
)
