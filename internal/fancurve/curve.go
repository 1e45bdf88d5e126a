// Package fancurve turns user fan curves into duty cycles and firmware
// curves. Every function here is pure.
package fancurve

import (
	"fmt"
	"math"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/logger"
)

// MaxPWM is the duty cycle forced above the critical temperature.
const MaxPWM = math.MaxUint8

// Evaluate returns the PWM duty cycle (0-255) for the reading.
//
// The reading must carry a current temperature and the curve must have at
// least one point; both are caller contract violations and panic.
func Evaluate(curve UserFanCurve, reading TemperatureReading) uint8 {
	if reading.Current == nil {
		panic("fancurve: reading has no current temperature")
	}
	current := *reading.Current

	// The kernel shuts the GPU down before this, so it should never trigger.
	if reading.Crit != nil && current > *reading.Crit {
		logger.Warn().
			Float64("temperature", current).
			Float64("critical", *reading.Crit).
			Msg("GPU temperature is beyond critical values")
		return MaxPWM
	}

	temp := int(current)

	var lower, higher *Point
	points := curve.Points()
	for i := range points {
		if points[i].Temperature < temp {
			lower = &points[i]
			continue
		}
		higher = &points[i]
		break
	}

	var ratio float64
	switch {
	case higher != nil && higher.Temperature == temp:
		ratio = higher.Ratio
	case lower != nil && higher != nil:
		factor := float64(temp-lower.Temperature) / float64(higher.Temperature-lower.Temperature)
		ratio = lower.Ratio + (higher.Ratio-lower.Ratio)*factor
	case lower != nil:
		ratio = lower.Ratio
	case higher != nil:
		ratio = higher.Ratio
	default:
		panic("fancurve: could not find fan speed on an empty curve")
	}

	return toPWM(ratio)
}

func toPWM(ratio float64) uint8 {
	v := float64(MaxPWM) * ratio
	switch {
	case v <= 0 || math.IsNaN(v):
		return 0
	case v >= MaxPWM:
		return MaxPWM
	}

	return uint8(v)
}

// RatioToPercent converts a ratio to an integer percent, truncating. The
// product is taken in single precision so that ratios written with two
// decimals, such as 0.29, are not truncated one percent low.
func RatioToPercent(ratio float64) int {
	return int(float32(ratio) * 100)
}

// Convert lowers the user curve into the firmware representation described
// by hw. The user curve must have exactly as many points as hw and every
// point must fall within hw's allowed ranges.
func Convert(curve UserFanCurve, hw HardwareFanCurve) (HardwareFanCurve, error) {
	errFactory := errors.New()

	if len(hw.Points) != len(curve) {
		return HardwareFanCurve{}, errFactory.WithMessage(ErrPointCountMismatch,
			fmt.Sprintf("the GPU only supports %d curve points, given %d", len(hw.Points), len(curve)))
	}

	if hw.AllowedRanges == nil {
		return HardwareFanCurve{}, errFactory.WithMessage(ErrNotSupported,
			"the GPU does not allow fan curve modifications")
	}
	ranges := *hw.AllowedRanges

	points := make([]HardwarePoint, 0, len(curve))
	for _, p := range curve.Points() {
		percent := RatioToPercent(p.Ratio)

		if !ranges.Temperature.Contains(p.Temperature) {
			return HardwareFanCurve{}, errFactory.WithMessage(ErrTemperatureOutOfRange,
				fmt.Sprintf("temperature %d°C is outside of the allowed range %d°C to %d°C",
					p.Temperature, ranges.Temperature.Min, ranges.Temperature.Max))
		}

		if !ranges.Speed.Contains(percent) {
			return HardwareFanCurve{}, errFactory.WithMessage(ErrSpeedOutOfRange,
				fmt.Sprintf("speed %d%% is outside of the allowed range %d%% to %d%%",
					percent, ranges.Speed.Min, ranges.Speed.Max))
		}

		points = append(points, HardwarePoint{Temperature: p.Temperature, Speed: percent})
	}

	return HardwareFanCurve{
		Points:        points,
		AllowedRanges: &ranges,
	}, nil
}

// Validate checks that the curve has points and that every ratio is within
// [0, 1].
func Validate(curve UserFanCurve) error {
	errFactory := errors.New()

	if len(curve) == 0 {
		return errFactory.WithMessage(ErrEmptyCurve, "the fan curve must have at least one point")
	}

	for _, p := range curve.Points() {
		if p.Ratio < 0 || p.Ratio > 1 || math.IsNaN(p.Ratio) {
			return errFactory.WithMessage(ErrInvalidRatio,
				fmt.Sprintf("fan speed at %d°C is %v, must be between 0 and 1", p.Temperature, p.Ratio))
		}
	}

	return nil
}
