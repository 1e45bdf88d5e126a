package handler_test

import (
	"context"
	"sync"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/fancurve"
	"codeberg.org/mutker/gpuctld/internal/gpu"
	"codeberg.org/mutker/gpuctld/internal/metrics"
)

type fakeController struct {
	mu sync.Mutex

	info         gpu.Info
	temp         float64
	crit         float64
	pwmWrites    []uint8
	auto         bool
	hwCurve      *fancurve.HardwareFanCurve
	writtenCurve *fancurve.HardwareFanCurve
	curveResets  int
	powerCap     *float64
	powerResets  int
	closed       bool
}

func newFakeController(id string) *fakeController {
	return &fakeController{
		info: gpu.Info{ID: id, Vendor: gpu.VendorAMD, Driver: "amdgpu"},
		temp: 45,
		crit: 100,
		auto: true,
	}
}

func (c *fakeController) Info() gpu.Info {
	return c.info
}

func (c *fakeController) setTemperature(temp float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.temp = temp
}

func (c *fakeController) Temperature() (fancurve.TemperatureReading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return fancurve.TemperatureReading{
		Current: fancurve.Celsius(c.temp),
		Crit:    fancurve.Celsius(c.crit),
	}, nil
}

func (c *fakeController) SetFanPWM(pwm uint8) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pwmWrites = append(c.pwmWrites, pwm)
	c.auto = false
	return nil
}

func (c *fakeController) writes() []uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint8, len(c.pwmWrites))
	copy(out, c.pwmWrites)
	return out
}

func (c *fakeController) isAuto() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auto
}

func (c *fakeController) EnableAutoFan() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.auto = true
	return nil
}

func (c *fakeController) FanCurve() (fancurve.HardwareFanCurve, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hwCurve == nil {
		return fancurve.HardwareFanCurve{}, errors.New().WithData(errors.ErrNotSupported, "firmware fan curve")
	}
	return *c.hwCurve, nil
}

func (c *fakeController) SetFanCurve(curve fancurve.HardwareFanCurve) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writtenCurve = &curve
	return nil
}

func (c *fakeController) ResetFanCurve() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.curveResets++
	return nil
}

func (c *fakeController) PowerLimits() (gpu.PowerLimits, error) {
	return gpu.PowerLimits{Min: 100, Max: 300, Default: 250, Current: 250}, nil
}

func (c *fakeController) SetPowerCap(watts float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if watts < 100 || watts > 300 {
		return errors.New().WithData(errors.ErrInvalidArgument, "power cap out of range")
	}
	c.powerCap = &watts
	return nil
}

func (c *fakeController) ResetPowerCap() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.powerCap = nil
	c.powerResets++
	return nil
}

func (c *fakeController) Stats() gpu.Stats {
	reading, _ := c.Temperature()
	return gpu.Stats{Info: c.info, Temperature: reading, FanAuto: c.isAuto()}
}

func (c *fakeController) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeController) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

type fakeDiscoverer struct {
	mu          sync.Mutex
	controllers []gpu.Controller
	err         error
	calls       int
	closed      bool
}

func (d *fakeDiscoverer) Enumerate() ([]gpu.Controller, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls++
	if d.err != nil {
		return nil, d.err
	}
	return d.controllers, nil
}

func (d *fakeDiscoverer) set(controllers ...gpu.Controller) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.controllers = controllers
}

func (d *fakeDiscoverer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

type fakeRecorder struct {
	mu      sync.Mutex
	samples []metrics.Sample
	closed  bool
}

func (r *fakeRecorder) Record(_ context.Context, sample *metrics.Sample) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.samples = append(r.samples, *sample)
	return nil
}

func (r *fakeRecorder) Recent(_ context.Context, gpuID string, limit int) ([]metrics.Sample, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []metrics.Sample
	for i := len(r.samples) - 1; i >= 0 && len(out) < limit; i-- {
		if r.samples[i].GPUID == gpuID {
			out = append(out, r.samples[i])
		}
	}
	return out, nil
}

func (r *fakeRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.samples)
}

func (r *fakeRecorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}
