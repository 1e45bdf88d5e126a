package gpu

import (
	"fmt"
	"math"
	"sync"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/fancurve"
	"codeberg.org/mutker/gpuctld/internal/logger"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

const milliWattsToWatts = 1000

type fanSpeedLimits struct {
	Min, Max int
}

// nvidiaController drives an NVIDIA device through NVML. Fan speeds are
// percentages there, so PWM values are scaled on the way in and out.
type nvidiaController struct {
	info      Info
	device    nvml.Device
	fanCount  int
	fanLimits fanSpeedLimits
	autoMode  bool
	mu        sync.RWMutex
}

func newNVIDIAController(info Info, device nvml.Device) (*nvidiaController, error) {
	errFactory := errors.New()
	c := &nvidiaController{
		info:     info,
		device:   device,
		autoMode: true,
	}

	if name, ret := device.GetName(); IsNVMLSuccess(ret) {
		c.info.Name = name
	} else {
		logger.Warn().Str("gpu", info.ID).Msgf("Failed to get GPU name: %v", nvml.ErrorString(ret))
	}

	count, ret := device.GetNumFans()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
	}
	c.fanCount = count

	minSpeed, maxSpeed, ret := device.GetMinMaxFanSpeed()
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrGetFanLimitsFailed, newNVMLError(ret))
	}
	c.fanLimits = fanSpeedLimits{Min: minSpeed, Max: maxSpeed}

	logger.Debug().Str("gpu", info.ID).Int("fans", c.fanCount).Msg("NVIDIA device initialized")

	return c, nil
}

func (c *nvidiaController) Info() Info {
	return c.info
}

func (c *nvidiaController) Temperature() (fancurve.TemperatureReading, error) {
	errFactory := errors.New()

	temp, ret := c.device.GetTemperature(nvml.TEMPERATURE_GPU)
	if !IsNVMLSuccess(ret) {
		return fancurve.TemperatureReading{}, errFactory.Wrap(ErrTemperatureReadFailed, newNVMLError(ret))
	}

	reading := fancurve.TemperatureReading{Current: fancurve.Celsius(float64(temp))}
	if crit, ret := c.device.GetTemperatureThreshold(nvml.TEMPERATURE_THRESHOLD_SHUTDOWN); IsNVMLSuccess(ret) {
		reading.Crit = fancurve.Celsius(float64(crit))
	}
	if slowdown, ret := c.device.GetTemperatureThreshold(nvml.TEMPERATURE_THRESHOLD_SLOWDOWN); IsNVMLSuccess(ret) {
		reading.CritHyst = fancurve.Celsius(float64(slowdown))
	}

	return reading, nil
}

func (c *nvidiaController) SetFanPWM(pwm uint8) error {
	errFactory := errors.New()
	c.mu.Lock()
	defer c.mu.Unlock()

	speed := clamp(pwmToPercent(pwm), c.fanLimits.Min, c.fanLimits.Max)

	for i := 0; i < c.fanCount; i++ {
		if ret := c.device.SetFanSpeed_v2(i, speed); !IsNVMLSuccess(ret) {
			return errFactory.Wrap(ErrSetFanSpeed, fmt.Errorf("fan %d: %w", i, newNVMLError(ret)))
		}
	}

	c.autoMode = false

	return nil
}

func (c *nvidiaController) EnableAutoFan() error {
	errFactory := errors.New()
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := 0; i < c.fanCount; i++ {
		if ret := c.device.SetDefaultFanSpeed_v2(i); !IsNVMLSuccess(ret) {
			return errFactory.Wrap(ErrEnableAutoFan, fmt.Errorf("fan %d: %w", i, newNVMLError(ret)))
		}
	}

	c.autoMode = true

	return nil
}

func (c *nvidiaController) FanCurve() (fancurve.HardwareFanCurve, error) {
	return fancurve.HardwareFanCurve{}, errors.New().WithData(errors.ErrNotSupported, "firmware fan curve")
}

func (c *nvidiaController) SetFanCurve(fancurve.HardwareFanCurve) error {
	return errors.New().WithData(errors.ErrNotSupported, "firmware fan curve")
}

func (c *nvidiaController) ResetFanCurve() error {
	return nil
}

func (c *nvidiaController) PowerLimits() (PowerLimits, error) {
	errFactory := errors.New()

	minLimit, maxLimit, ret := c.device.GetPowerManagementLimitConstraints()
	if !IsNVMLSuccess(ret) {
		return PowerLimits{}, errFactory.Wrap(ErrPowerLimitsFailed, newNVMLError(ret))
	}

	defaultLimit, ret := c.device.GetPowerManagementDefaultLimit()
	if !IsNVMLSuccess(ret) {
		return PowerLimits{}, errFactory.Wrap(ErrPowerLimitsFailed, newNVMLError(ret))
	}

	current, ret := c.device.GetPowerManagementLimit()
	if !IsNVMLSuccess(ret) {
		return PowerLimits{}, errFactory.Wrap(ErrPowerLimitFailed, newNVMLError(ret))
	}

	return PowerLimits{
		Current: float64(current) / milliWattsToWatts,
		Min:     float64(minLimit) / milliWattsToWatts,
		Max:     float64(maxLimit) / milliWattsToWatts,
		Default: float64(defaultLimit) / milliWattsToWatts,
	}, nil
}

func (c *nvidiaController) SetPowerCap(watts float64) error {
	errFactory := errors.New()

	limits, err := c.PowerLimits()
	if err != nil {
		return err
	}
	if watts < limits.Min || watts > limits.Max {
		return errFactory.WithData(errors.ErrInvalidArgument,
			fmt.Sprintf("power cap %vW is outside of the allowed range %vW to %vW", watts, limits.Min, limits.Max))
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if ret := c.device.SetPowerManagementLimit(wattsToMilliWatts(watts)); !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrSetPowerLimit, newNVMLError(ret))
	}

	return nil
}

func (c *nvidiaController) ResetPowerCap() error {
	limits, err := c.PowerLimits()
	if err != nil {
		return err
	}
	if limits.Current == limits.Default {
		return nil
	}

	return c.SetPowerCap(limits.Default)
}

func (c *nvidiaController) Stats() Stats {
	stats := Stats{Info: c.info}

	if reading, err := c.Temperature(); err == nil {
		stats.Temperature = reading
	}

	c.mu.RLock()
	stats.FanAuto = c.autoMode
	c.mu.RUnlock()

	if c.fanCount > 0 {
		if speed, ret := c.device.GetFanSpeed_v2(0); IsNVMLSuccess(ret) {
			pwm := percentToPWM(int(speed))
			stats.FanPWM = &pwm
		} else {
			logger.Debug().Str("gpu", c.info.ID).Msgf("Failed to get fan speed: %s", nvml.ErrorString(ret))
		}
	}

	if limits, err := c.PowerLimits(); err == nil {
		stats.Power = &limits
	}

	return stats
}

// Close hands the fans back to the driver. NVML itself is shut down by the
// Enumerator that opened it.
func (c *nvidiaController) Close() error {
	c.mu.RLock()
	auto := c.autoMode
	c.mu.RUnlock()

	if auto {
		return nil
	}

	return c.EnableAutoFan()
}

func pwmToPercent(pwm uint8) int {
	return int(pwm) * 100 / fancurve.MaxPWM
}

func percentToPWM(percent int) uint8 {
	return uint8(clamp(percent, 0, 100) * fancurve.MaxPWM / 100)
}

func wattsToMilliWatts(watts float64) uint32 {
	if watts <= 0 {
		return 0
	}

	mw := math.Round(watts * milliWattsToWatts)
	if mw > math.MaxUint32 {
		return math.MaxUint32
	}

	return uint32(mw)
}

func clamp(value, minValue, maxValue int) int {
	if value < minValue {
		return minValue
	}
	if value > maxValue {
		return maxValue
	}

	return value
}
