package handler_test

import (
	"context"
	"math"
	"path/filepath"
	"testing"
	"time"

	"codeberg.org/mutker/gpuctld/internal/config"
	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/fancurve"
	"codeberg.org/mutker/gpuctld/internal/gpu"
	"codeberg.org/mutker/gpuctld/internal/handler"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	gpuA = "0000:03:00.0"
	gpuB = "0000:04:00.0"

	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

func curveConfig(ids ...string) config.Config {
	cfg := config.Default()
	for _, id := range ids {
		settings := config.DefaultFanControlSettings()
		settings.IntervalMs = 10
		cfg.GPUs[id] = config.GPUConfig{
			FanControlEnabled:  true,
			FanControlSettings: &settings,
		}
	}

	return cfg
}

type fixture struct {
	handler    *handler.Handler
	discoverer *fakeDiscoverer
	recorder   *fakeRecorder
	configPath string
}

func newFixture(t *testing.T, cfg config.Config, controllers ...gpu.Controller) *fixture {
	t.Helper()

	f := &fixture{
		discoverer: &fakeDiscoverer{controllers: controllers},
		recorder:   &fakeRecorder{},
		configPath: filepath.Join(t.TempDir(), "config.yaml"),
	}

	h, err := handler.New(context.Background(), cfg, handler.Options{
		ConfigPath: f.configPath,
		Discoverer: f.discoverer,
		Recorder:   f.recorder,
	})
	require.NoError(t, err)
	t.Cleanup(func() { h.Cleanup(context.Background()) })

	f.handler = h

	return f
}

func firmwareCurve() *fancurve.HardwareFanCurve {
	return &fancurve.HardwareFanCurve{
		Points: make([]fancurve.HardwarePoint, 5),
		AllowedRanges: &fancurve.AllowedRanges{
			Temperature: fancurve.Range{Min: 25, Max: 100},
			Speed:       fancurve.Range{Min: 20, Max: 100},
		},
	}
}

func TestNewFailsWhenEnumerationFails(t *testing.T) {
	_, err := handler.New(context.Background(), config.Default(), handler.Options{
		Discoverer: &fakeDiscoverer{err: assert.AnError},
		Recorder:   &fakeRecorder{},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, handler.ErrInitFailed))
}

func TestSoftwareCurveLoop(t *testing.T) {
	c := newFakeController(gpuA)
	f := newFixture(t, curveConfig(gpuA), c)

	// 45°C on the default curve.
	require.Eventually(t, func() bool {
		writes := c.writes()
		return len(writes) > 0 && writes[0] == 82
	}, waitFor, tick)
	assert.False(t, c.isAuto())
	assert.Positive(t, f.recorder.count())
}

func TestSoftwareCurveHysteresis(t *testing.T) {
	c := newFakeController(gpuA)
	cfg := curveConfig(gpuA)
	cfg.GPUs[gpuA].FanControlSettings.ChangeThreshold = 5
	newFixture(t, cfg, c)

	require.Eventually(t, func() bool { return len(c.writes()) == 1 }, waitFor, tick)

	c.setTemperature(48)
	time.Sleep(50 * time.Millisecond)
	assert.Len(t, c.writes(), 1, "changes within the threshold are ignored")

	c.setTemperature(60)
	require.Eventually(t, func() bool {
		writes := c.writes()
		return len(writes) == 2 && writes[1] == 127
	}, waitFor, tick)
}

func TestCriticalTemperatureBypassesHysteresis(t *testing.T) {
	c := newFakeController(gpuA)
	cfg := curveConfig(gpuA)
	cfg.GPUs[gpuA].FanControlSettings.ChangeThreshold = 100
	newFixture(t, cfg, c)

	require.Eventually(t, func() bool { return len(c.writes()) == 1 }, waitFor, tick)

	c.setTemperature(101)
	require.Eventually(t, func() bool {
		writes := c.writes()
		return len(writes) >= 2 && writes[len(writes)-1] == fancurve.MaxPWM
	}, waitFor, tick)
}

func TestFirmwareCurve(t *testing.T) {
	c := newFakeController(gpuA)
	c.hwCurve = firmwareCurve()
	f := newFixture(t, curveConfig(gpuA), c)

	history, err := f.handler.FanHistory(context.Background(), gpuA, 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.True(t, history[0].Firmware)
	assert.Equal(t, uint8(82), history[0].PWM)
	assert.Equal(t, 45.0, history[0].Temperature)

	c.mu.Lock()
	defer c.mu.Unlock()

	require.NotNil(t, c.writtenCurve)
	assert.Equal(t, []fancurve.HardwarePoint{
		{Temperature: 40, Speed: 30},
		{Temperature: 50, Speed: 35},
		{Temperature: 60, Speed: 50},
		{Temperature: 70, Speed: 75},
		{Temperature: 80, Speed: 100},
	}, c.writtenCurve.Points)
	assert.Empty(t, c.pwmWrites)
}

func TestApplyContinuesPastFailingDevice(t *testing.T) {
	bad := newFakeController(gpuA)
	bad.hwCurve = firmwareCurve()
	bad.hwCurve.AllowedRanges.Speed = fancurve.Range{Min: 50, Max: 100}
	good := newFakeController(gpuB)

	f := newFixture(t, curveConfig(gpuA, gpuB), bad, good)

	err := f.handler.ApplyCurrentConfig(context.Background())
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, handler.ErrApplyConfig))
	assert.True(t, errors.HasCode(err, fancurve.ErrSpeedOutOfRange))
	assert.Contains(t, err.Error(), gpuA)
	assert.Contains(t, err.Error(), "speed 30% is outside of the allowed range 50% to 100%")

	require.Eventually(t, func() bool { return len(good.writes()) > 0 }, waitFor, tick)
}

func TestStaticMode(t *testing.T) {
	c := newFakeController(gpuA)
	cfg := curveConfig(gpuA)
	cfg.GPUs[gpuA].FanControlSettings.Mode = config.FanModeStatic
	cfg.GPUs[gpuA].FanControlSettings.StaticSpeed = 0.5

	newFixture(t, cfg, c)

	assert.Equal(t, []uint8{127}, c.writes())
}

func TestUnconfiguredDeviceIsLeftAutomatic(t *testing.T) {
	c := newFakeController(gpuA)
	c.auto = false

	newFixture(t, config.Default(), c)

	assert.True(t, c.isAuto())
	assert.Empty(t, c.writes())

	c.mu.Lock()
	defer c.mu.Unlock()
	assert.Equal(t, 1, c.powerResets)
}

func TestPowerCap(t *testing.T) {
	c := newFakeController(gpuA)
	cfg := config.Default()
	power := 200.0
	cfg.GPUs[gpuA] = config.GPUConfig{PowerCap: &power}

	newFixture(t, cfg, c)

	c.mu.Lock()
	defer c.mu.Unlock()
	require.NotNil(t, c.powerCap)
	assert.InDelta(t, 200.0, *c.powerCap, 0.001)
}

func TestConfigIsCopied(t *testing.T) {
	f := newFixture(t, curveConfig(gpuA), newFakeController(gpuA))

	cfg := f.handler.Config()
	cfg.GPUs[gpuA].FanControlSettings.Curve[40] = 0.9
	cfg.Daemon.LogLevel = "trace"

	again := f.handler.Config()
	assert.InDelta(t, 0.3, again.GPUs[gpuA].FanControlSettings.Curve[40], 0.0001)
	assert.Equal(t, config.DefaultLogLevel, again.Daemon.LogLevel)

	f.handler.ReplaceConfig(cfg)
	assert.Equal(t, "trace", f.handler.Config().Daemon.LogLevel)
}

func TestSetFanControlSavesConfig(t *testing.T) {
	c := newFakeController(gpuA)
	f := newFixture(t, config.Default(), c)

	speed := 0.4
	err := f.handler.SetFanControl(context.Background(), gpuA, handler.FanControl{
		Enabled:     true,
		Mode:        config.FanModeStatic,
		StaticSpeed: &speed,
	})
	require.NoError(t, err)

	assert.Equal(t, []uint8{102}, c.writes())
	assert.True(t, f.handler.SaveMarker().Within(config.DefaultEchoWindow))

	saved, err := config.Load(f.configPath)
	require.NoError(t, err)
	require.Contains(t, saved.GPUs, gpuA)
	assert.True(t, saved.GPUs[gpuA].FanControlEnabled)
	assert.Equal(t, config.FanModeStatic, saved.GPUs[gpuA].FanControlSettings.Mode)
	assert.Equal(t, f.handler.Config(), saved)
}

func TestSetFanControlRejectsInvalidCurve(t *testing.T) {
	f := newFixture(t, config.Default(), newFakeController(gpuA))

	err := f.handler.SetFanControl(context.Background(), gpuA, handler.FanControl{
		Enabled: true,
		Mode:    config.FanModeCurve,
		Curve:   fancurve.UserFanCurve{40: 0.5, 60: 1.2},
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, fancurve.ErrInvalidRatio))
	assert.NotContains(t, f.handler.Config().GPUs, gpuA)
}

func TestSetFanControlRejectsNaNStaticSpeed(t *testing.T) {
	c := newFakeController(gpuA)
	f := newFixture(t, config.Default(), c)

	speed := math.NaN()
	err := f.handler.SetFanControl(context.Background(), gpuA, handler.FanControl{
		Enabled:     true,
		Mode:        config.FanModeStatic,
		StaticSpeed: &speed,
	})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, errors.ErrInvalidConfig))
	assert.Empty(t, c.writes())
	assert.NotContains(t, f.handler.Config().GPUs, gpuA)
}

func TestSetFanControlKeepsConfigOnApplyFailure(t *testing.T) {
	c := newFakeController(gpuA)
	c.hwCurve = firmwareCurve()
	c.hwCurve.Points = c.hwCurve.Points[:3]
	f := newFixture(t, config.Default(), c)

	err := f.handler.SetFanControl(context.Background(), gpuA, handler.FanControl{Enabled: true})
	require.Error(t, err)
	assert.True(t, errors.HasCode(err, fancurve.ErrPointCountMismatch))
	assert.NotContains(t, f.handler.Config().GPUs, gpuA)
	assert.True(t, c.isAuto())
}

func TestSetFanControlUnknownDevice(t *testing.T) {
	f := newFixture(t, config.Default(), newFakeController(gpuA))

	err := f.handler.SetFanControl(context.Background(), "0000:99:00.0", handler.FanControl{Enabled: true})
	assert.True(t, errors.HasCode(err, handler.ErrDeviceNotFound))

	_, err = f.handler.DeviceStats("0000:99:00.0")
	assert.True(t, errors.HasCode(err, handler.ErrDeviceNotFound))
}

func TestSetPowerCap(t *testing.T) {
	c := newFakeController(gpuA)
	f := newFixture(t, config.Default(), c)

	watts := 180.0
	require.NoError(t, f.handler.SetPowerCap(context.Background(), gpuA, &watts))
	require.NotNil(t, f.handler.Config().GPUs[gpuA].PowerCap)

	tooHigh := 500.0
	err := f.handler.SetPowerCap(context.Background(), gpuA, &tooHigh)
	require.Error(t, err)
	assert.InDelta(t, 180.0, *f.handler.Config().GPUs[gpuA].PowerCap, 0.001)

	require.NoError(t, f.handler.SetPowerCap(context.Background(), gpuA, nil))
	assert.Nil(t, f.handler.Config().GPUs[gpuA].PowerCap)
}

func TestReloadGPUs(t *testing.T) {
	oldA := newFakeController(gpuA)
	f := newFixture(t, curveConfig(gpuA, gpuB), oldA)
	assert.Equal(t, []gpu.Info{oldA.Info()}, f.handler.Devices())

	newA := newFakeController(gpuA)
	newB := newFakeController(gpuB)
	f.discoverer.set(newB, newA)

	f.handler.ReloadGPUs(context.Background())

	assert.True(t, oldA.isClosed())
	assert.Equal(t, []gpu.Info{newA.Info(), newB.Info()}, f.handler.Devices())
	require.Eventually(t, func() bool {
		return len(newA.writes()) > 0 && len(newB.writes()) > 0
	}, waitFor, tick)
}

func TestReloadGPUsKeepsDevicesOnFailure(t *testing.T) {
	c := newFakeController(gpuA)
	f := newFixture(t, config.Default(), c)

	f.discoverer.mu.Lock()
	f.discoverer.err = assert.AnError
	f.discoverer.mu.Unlock()

	f.handler.ReloadGPUs(context.Background())

	assert.False(t, c.isClosed())
	assert.Len(t, f.handler.Devices(), 1)
}

func TestCleanup(t *testing.T) {
	c := newFakeController(gpuA)
	f := newFixture(t, curveConfig(gpuA), c)
	require.Eventually(t, func() bool { return len(c.writes()) > 0 }, waitFor, tick)

	f.handler.Cleanup(context.Background())

	assert.True(t, c.isAuto())
	assert.True(t, c.isClosed())
	assert.True(t, f.discoverer.closed)
	assert.True(t, f.recorder.closed)

	writes := len(c.writes())
	time.Sleep(30 * time.Millisecond)
	assert.Len(t, c.writes(), writes, "loop stopped")

	// Idempotent, and later applies are ignored.
	f.handler.Cleanup(context.Background())
	assert.NoError(t, f.handler.ApplyCurrentConfig(context.Background()))
	assert.Len(t, c.writes(), writes)
}

func TestDeviceStats(t *testing.T) {
	f := newFixture(t, config.Default(), newFakeController(gpuA))

	stats, err := f.handler.DeviceStats(gpuA)
	require.NoError(t, err)
	assert.Equal(t, gpuA, stats.Info.ID)
	require.NotNil(t, stats.Temperature.Current)
	assert.InDelta(t, 45.0, *stats.Temperature.Current, 0.001)
}

func TestFanHistory(t *testing.T) {
	c := newFakeController(gpuA)
	f := newFixture(t, curveConfig(gpuA), c)

	require.Eventually(t, func() bool { return f.recorder.count() > 0 }, waitFor, tick)

	history, err := f.handler.FanHistory(context.Background(), gpuA, 5)
	require.NoError(t, err)
	require.NotEmpty(t, history)
	assert.False(t, history[0].Firmware)
	assert.Equal(t, gpuA, history[0].GPUID)

	_, err = f.handler.FanHistory(context.Background(), gpuB, 5)
	assert.True(t, errors.HasCode(err, handler.ErrDeviceNotFound))
}

type slowController struct {
	*fakeController
	delay time.Duration
}

func (c *slowController) SetPowerCap(watts float64) error {
	time.Sleep(c.delay)
	return c.fakeController.SetPowerCap(watts)
}

func TestSetPowerCapKeepsConcurrentHotReload(t *testing.T) {
	slow := &slowController{fakeController: newFakeController(gpuA), delay: 100 * time.Millisecond}
	f := newFixture(t, config.Default(), slow, newFakeController(gpuB))

	edited := config.Default()
	edited.Daemon.LogLevel = "debug"
	capB := 250.0
	edited.GPUs[gpuB] = config.GPUConfig{PowerCap: &capB}

	done := make(chan error, 1)
	go func() {
		watts := 180.0
		done <- f.handler.SetPowerCap(context.Background(), gpuA, &watts)
	}()

	// A user edit lands on disk and is delivered while the change is
	// still being applied.
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, config.Save(f.configPath, edited, nil))
	f.handler.ReplaceConfig(edited)
	require.NoError(t, <-done)

	current := f.handler.Config()
	assert.Equal(t, "debug", current.Daemon.LogLevel)
	require.NotNil(t, current.GPUs[gpuB].PowerCap)
	assert.Equal(t, 250.0, *current.GPUs[gpuB].PowerCap)

	saved, err := config.Load(f.configPath)
	require.NoError(t, err)
	assert.Equal(t, "debug", saved.Daemon.LogLevel)
	require.NotNil(t, saved.GPUs[gpuB].PowerCap)
	assert.Equal(t, 250.0, *saved.GPUs[gpuB].PowerCap)
	require.NotNil(t, saved.GPUs[gpuA].PowerCap)
	assert.Equal(t, 180.0, *saved.GPUs[gpuA].PowerCap)
}

func TestConcurrentSocketChangesAreBothKept(t *testing.T) {
	slow := &slowController{fakeController: newFakeController(gpuA), delay: 50 * time.Millisecond}
	f := newFixture(t, config.Default(), slow, newFakeController(gpuB))

	done := make(chan error, 1)
	go func() {
		watts := 180.0
		done <- f.handler.SetPowerCap(context.Background(), gpuA, &watts)
	}()

	time.Sleep(10 * time.Millisecond)
	watts := 200.0
	require.NoError(t, f.handler.SetPowerCap(context.Background(), gpuB, &watts))
	require.NoError(t, <-done)

	for _, cfg := range []config.Config{f.handler.Config(), mustLoad(t, f.configPath)} {
		require.NotNil(t, cfg.GPUs[gpuA].PowerCap)
		require.NotNil(t, cfg.GPUs[gpuB].PowerCap)
		assert.Equal(t, 180.0, *cfg.GPUs[gpuA].PowerCap)
		assert.Equal(t, 200.0, *cfg.GPUs[gpuB].PowerCap)
	}
}

func mustLoad(t *testing.T, path string) config.Config {
	t.Helper()

	cfg, err := config.Load(path)
	require.NoError(t, err)
	return cfg
}
