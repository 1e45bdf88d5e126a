package fancurve

import (
	"fmt"
	"sort"
)

// UserFanCurve maps a temperature in °C to a fan speed ratio in [0, 1].
// Curves are replaced wholesale, never mutated in place.
type UserFanCurve map[int]float64

// Point is a single (temperature, ratio) pair of a UserFanCurve.
type Point struct {
	Temperature int
	Ratio       float64
}

// Points returns the curve's points sorted by temperature.
func (c UserFanCurve) Points() []Point {
	points := make([]Point, 0, len(c))
	for temp, ratio := range c {
		points = append(points, Point{Temperature: temp, Ratio: ratio})
	}
	sort.Slice(points, func(i, j int) bool {
		return points[i].Temperature < points[j].Temperature
	})

	return points
}

// Clone returns an independent copy of the curve.
func (c UserFanCurve) Clone() UserFanCurve {
	if c == nil {
		return nil
	}
	out := make(UserFanCurve, len(c))
	for temp, ratio := range c {
		out[temp] = ratio
	}

	return out
}

// Default returns the built-in baseline curve.
func Default() UserFanCurve {
	return UserFanCurve{
		40: 0.30,
		50: 0.35,
		60: 0.50,
		70: 0.75,
		80: 1.00,
	}
}

// TemperatureReading is a single sensor sample. Values are in °C.
type TemperatureReading struct {
	Current  *float64 `cbor:"current,omitempty"`
	Crit     *float64 `cbor:"crit,omitempty"`
	CritHyst *float64 `cbor:"crit_hyst,omitempty"`
}

// Celsius is a convenience for building readings.
func Celsius(v float64) *float64 {
	return &v
}

// Range is an inclusive integer interval.
type Range struct {
	Min int `cbor:"min" yaml:"min"`
	Max int `cbor:"max" yaml:"max"`
}

// Contains reports whether v lies within the range, bounds included.
func (r Range) Contains(v int) bool {
	return v >= r.Min && v <= r.Max
}

func (r Range) String() string {
	return fmt.Sprintf("%d..=%d", r.Min, r.Max)
}

// AllowedRanges bounds every coordinate of a hardware curve point.
type AllowedRanges struct {
	Temperature Range `cbor:"temperature"`
	Speed       Range `cbor:"speed"`
}

// HardwarePoint is a firmware curve point. Speed is in percent.
type HardwarePoint struct {
	Temperature int `cbor:"temperature"`
	Speed       int `cbor:"speed"`
}

// HardwareFanCurve is the firmware's fixed-cardinality curve. A nil
// AllowedRanges means the firmware does not accept custom curves.
type HardwareFanCurve struct {
	Points        []HardwarePoint `cbor:"points"`
	AllowedRanges *AllowedRanges  `cbor:"allowed_ranges,omitempty"`
}
