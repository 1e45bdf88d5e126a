package gpu

import (
	"fmt"
	"strconv"
	"strings"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/fancurve"
)

// The amdgpu firmware fan curve file looks like:
//
//	OD_FAN_CURVE:
//	0: 25C 30%
//	1: 45C 40%
//	OD_RANGE:
//	FAN_CURVE(hotspot temp): 25C 100C
//	FAN_CURVE(fan speed): 30% 100%
//
// OD_RANGE is absent when the firmware does not accept changes.
const (
	pmfwCurveHeader = "OD_FAN_CURVE:"
	pmfwRangeHeader = "OD_RANGE:"
	pmfwTempRange   = "FAN_CURVE(hotspot temp):"
	pmfwSpeedRange  = "FAN_CURVE(fan speed):"

	pmfwCommit = "c\n"
	pmfwReset  = "r\n"
)

// ParsePMFWCurve parses the contents of gpu_od/fan_ctrl/fan_curve.
func ParsePMFWCurve(data string) (fancurve.HardwareFanCurve, error) {
	errFactory := errors.New()

	curve := fancurve.HardwareFanCurve{}
	var tempRange, speedRange *fancurve.Range

	section := ""
	for _, raw := range strings.Split(data, "\n") {
		line := strings.TrimSpace(raw)
		if line == "" {
			continue
		}

		switch line {
		case pmfwCurveHeader, pmfwRangeHeader:
			section = line
			continue
		}

		switch section {
		case pmfwCurveHeader:
			point, err := parsePMFWPoint(line)
			if err != nil {
				return fancurve.HardwareFanCurve{}, errFactory.Wrap(ErrFanCurveFormat, err)
			}
			curve.Points = append(curve.Points, point)
		case pmfwRangeHeader:
			r, err := parsePMFWRange(line)
			if err != nil {
				return fancurve.HardwareFanCurve{}, errFactory.Wrap(ErrFanCurveFormat, err)
			}
			switch {
			case strings.HasPrefix(line, pmfwTempRange):
				tempRange = &r
			case strings.HasPrefix(line, pmfwSpeedRange):
				speedRange = &r
			}
		default:
			return fancurve.HardwareFanCurve{}, errFactory.WithData(ErrFanCurveFormat, fmt.Sprintf("unexpected line %q", line))
		}
	}

	if section == "" {
		return fancurve.HardwareFanCurve{}, errFactory.WithData(ErrFanCurveFormat, "missing "+pmfwCurveHeader)
	}

	if tempRange != nil && speedRange != nil {
		curve.AllowedRanges = &fancurve.AllowedRanges{
			Temperature: *tempRange,
			Speed:       *speedRange,
		}
	}

	return curve, nil
}

// "1: 45C 40%"
func parsePMFWPoint(line string) (fancurve.HardwarePoint, error) {
	_, rest, ok := strings.Cut(line, ":")
	if !ok {
		return fancurve.HardwarePoint{}, fmt.Errorf("malformed curve point %q", line)
	}

	fields := strings.Fields(rest)
	if len(fields) != 2 {
		return fancurve.HardwarePoint{}, fmt.Errorf("malformed curve point %q", line)
	}

	temp, err := parseUnit(fields[0], "C")
	if err != nil {
		return fancurve.HardwarePoint{}, err
	}
	speed, err := parseUnit(fields[1], "%")
	if err != nil {
		return fancurve.HardwarePoint{}, err
	}

	return fancurve.HardwarePoint{Temperature: temp, Speed: speed}, nil
}

// "FAN_CURVE(fan speed): 30% 100%"
func parsePMFWRange(line string) (fancurve.Range, error) {
	idx := strings.LastIndex(line, ":")
	if idx < 0 {
		return fancurve.Range{}, fmt.Errorf("malformed range %q", line)
	}

	fields := strings.Fields(line[idx+1:])
	if len(fields) != 2 {
		return fancurve.Range{}, fmt.Errorf("malformed range %q", line)
	}

	unit := "C"
	if strings.HasPrefix(line, pmfwSpeedRange) {
		unit = "%"
	}

	lo, err := parseUnit(fields[0], unit)
	if err != nil {
		return fancurve.Range{}, err
	}
	hi, err := parseUnit(fields[1], unit)
	if err != nil {
		return fancurve.Range{}, err
	}

	return fancurve.Range{Min: lo, Max: hi}, nil
}

func parseUnit(field, unit string) (int, error) {
	value, ok := strings.CutSuffix(field, unit)
	if !ok {
		return 0, fmt.Errorf("value %q lacks unit %s", field, unit)
	}

	return strconv.Atoi(value)
}

// PMFWCommands returns the writes that program curve into the firmware,
// ending with the commit command.
func PMFWCommands(curve fancurve.HardwareFanCurve) []string {
	commands := make([]string, 0, len(curve.Points)+1)
	for i, point := range curve.Points {
		commands = append(commands, fmt.Sprintf("%d %d %d\n", i, point.Temperature, point.Speed))
	}

	return append(commands, pmfwCommit)
}
