package handler

import "codeberg.org/mutker/gpuctld/internal/errors"

const (
	ErrDeviceNotFound = errors.ErrorCode("handler_device_not_found")
	ErrInitFailed     = errors.ErrInitFailed
	ErrApplyConfig    = errors.ErrApplyConfig
)
