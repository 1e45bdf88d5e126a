package fancurve

import "codeberg.org/mutker/gpuctld/internal/errors"

const (
	ErrPointCountMismatch    = errors.ErrorCode("fancurve_point_count_mismatch")
	ErrNotSupported          = errors.ErrorCode("fancurve_not_supported")
	ErrTemperatureOutOfRange = errors.ErrorCode("fancurve_temperature_out_of_range")
	ErrSpeedOutOfRange       = errors.ErrorCode("fancurve_speed_out_of_range")
	ErrInvalidRatio          = errors.ErrorCode("fancurve_invalid_ratio")
	ErrEmptyCurve            = errors.ErrorCode("fancurve_empty")
)
