package gpu

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/fancurve"
	"codeberg.org/mutker/gpuctld/internal/logger"
)

const (
	milliDegrees        = 1000
	microWattsPerWatt   = 1_000_000
	pwmEnableManual     = "1"
	pwmEnableAuto       = "2"
	pmfwFanCurveRelPath = "gpu_od/fan_ctrl/fan_curve"
)

// amdController drives an amdgpu device through its sysfs attributes.
type amdController struct {
	info       Info
	devicePath string
	hwmon      string
	mu         sync.Mutex
}

func newAMDController(info Info, devicePath string) (*amdController, error) {
	errFactory := errors.New()

	hwmon := findHwmon(devicePath)
	if hwmon == "" {
		return nil, errFactory.WithData(ErrInitFailed, fmt.Sprintf("%s: no hwmon directory", info.ID))
	}

	if name, err := readSysfsString(filepath.Join(hwmon, "name")); err == nil {
		info.Name = name
	}

	return &amdController{
		info:       info,
		devicePath: devicePath,
		hwmon:      hwmon,
	}, nil
}

func (c *amdController) Info() Info {
	return c.info
}

func (c *amdController) Temperature() (fancurve.TemperatureReading, error) {
	errFactory := errors.New()

	current, err := readSysfsInt(filepath.Join(c.hwmon, "temp1_input"))
	if err != nil {
		return fancurve.TemperatureReading{}, errFactory.Wrap(ErrTemperatureReadFailed, err)
	}

	reading := fancurve.TemperatureReading{
		Current: fancurve.Celsius(float64(current) / milliDegrees),
	}
	if crit, err := readSysfsInt(filepath.Join(c.hwmon, "temp1_crit")); err == nil {
		reading.Crit = fancurve.Celsius(float64(crit) / milliDegrees)
	}
	if hyst, err := readSysfsInt(filepath.Join(c.hwmon, "temp1_crit_hyst")); err == nil {
		reading.CritHyst = fancurve.Celsius(float64(hyst) / milliDegrees)
	}

	return reading, nil
}

func (c *amdController) SetFanPWM(pwm uint8) error {
	errFactory := errors.New()
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeSysfs(filepath.Join(c.hwmon, "pwm1_enable"), pwmEnableManual); err != nil {
		return errFactory.Wrap(ErrFanControlFailed, err)
	}
	if err := writeSysfs(filepath.Join(c.hwmon, "pwm1"), strconv.Itoa(int(pwm))); err != nil {
		return errFactory.Wrap(ErrSetFanSpeed, err)
	}

	return nil
}

func (c *amdController) EnableAutoFan() error {
	errFactory := errors.New()
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeSysfs(filepath.Join(c.hwmon, "pwm1_enable"), pwmEnableAuto); err != nil {
		return errFactory.Wrap(ErrEnableAutoFan, err)
	}

	return nil
}

func (c *amdController) fanCurvePath() string {
	return filepath.Join(c.devicePath, pmfwFanCurveRelPath)
}

func (c *amdController) FanCurve() (fancurve.HardwareFanCurve, error) {
	errFactory := errors.New()

	data, err := os.ReadFile(c.fanCurvePath())
	if os.IsNotExist(err) {
		return fancurve.HardwareFanCurve{}, errFactory.WithData(errors.ErrNotSupported, "firmware fan curve")
	}
	if err != nil {
		return fancurve.HardwareFanCurve{}, errFactory.Wrap(ErrFanCurveRead, err)
	}

	return ParsePMFWCurve(string(data))
}

func (c *amdController) SetFanCurve(curve fancurve.HardwareFanCurve) error {
	errFactory := errors.New()
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := writeSysfs(c.fanCurvePath(), PMFWCommands(curve)...); err != nil {
		return errFactory.Wrap(ErrFanCurveWrite, err)
	}

	logger.Debug().Str("gpu", c.info.ID).Int("points", len(curve.Points)).Msg("Firmware fan curve written")

	return nil
}

func (c *amdController) ResetFanCurve() error {
	errFactory := errors.New()
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, err := os.Stat(c.fanCurvePath()); os.IsNotExist(err) {
		return nil
	}
	if err := writeSysfs(c.fanCurvePath(), pmfwReset); err != nil {
		return errFactory.Wrap(ErrFanCurveWrite, err)
	}

	return nil
}

func (c *amdController) PowerLimits() (PowerLimits, error) {
	errFactory := errors.New()

	current, err := readSysfsInt(filepath.Join(c.hwmon, "power1_cap"))
	if err != nil {
		return PowerLimits{}, errFactory.Wrap(ErrPowerLimitFailed, err)
	}

	limits := PowerLimits{Current: microWattsToWatts(current)}
	if v, err := readSysfsInt(filepath.Join(c.hwmon, "power1_cap_min")); err == nil {
		limits.Min = microWattsToWatts(v)
	}
	if v, err := readSysfsInt(filepath.Join(c.hwmon, "power1_cap_max")); err == nil {
		limits.Max = microWattsToWatts(v)
	}
	if v, err := readSysfsInt(filepath.Join(c.hwmon, "power1_cap_default")); err == nil {
		limits.Default = microWattsToWatts(v)
	}

	return limits, nil
}

func (c *amdController) SetPowerCap(watts float64) error {
	errFactory := errors.New()

	limits, err := c.PowerLimits()
	if err != nil {
		return err
	}
	if limits.Max > 0 && (watts < limits.Min || watts > limits.Max) {
		return errFactory.WithData(errors.ErrInvalidArgument,
			fmt.Sprintf("power cap %vW is outside of the allowed range %vW to %vW", watts, limits.Min, limits.Max))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	value := strconv.FormatInt(int64(watts*microWattsPerWatt), 10)
	if err := writeSysfs(filepath.Join(c.hwmon, "power1_cap"), value); err != nil {
		return errFactory.Wrap(ErrSetPowerLimit, err)
	}

	return nil
}

func (c *amdController) ResetPowerCap() error {
	limits, err := c.PowerLimits()
	if err != nil {
		return err
	}
	if limits.Default == 0 || limits.Default == limits.Current {
		return nil
	}

	return c.SetPowerCap(limits.Default)
}

func (c *amdController) Stats() Stats {
	stats := Stats{Info: c.info}

	if reading, err := c.Temperature(); err == nil {
		stats.Temperature = reading
	}
	if pwm, err := readSysfsInt(filepath.Join(c.hwmon, "pwm1")); err == nil && pwm >= 0 && pwm <= fancurve.MaxPWM {
		value := uint8(pwm)
		stats.FanPWM = &value
	}
	if mode, err := readSysfsString(filepath.Join(c.hwmon, "pwm1_enable")); err == nil {
		stats.FanAuto = mode != pwmEnableManual
	}
	if limits, err := c.PowerLimits(); err == nil {
		stats.Power = &limits
	}
	if curve, err := c.FanCurve(); err == nil {
		stats.FanCurve = &curve
	}

	return stats
}

func (c *amdController) Close() error {
	return nil
}

func microWattsToWatts(v int64) float64 {
	return float64(v) / microWattsPerWatt
}
