package server_test

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"codeberg.org/mutker/gpuctld/internal/config"
	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/fancurve"
	"codeberg.org/mutker/gpuctld/internal/gpu"
	"codeberg.org/mutker/gpuctld/internal/handler"
	"codeberg.org/mutker/gpuctld/internal/metrics"
	"codeberg.org/mutker/gpuctld/internal/server"
	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testID = "0000:03:00.0"

type fakeHandler struct {
	mu       sync.Mutex
	fan      map[string]handler.FanControl
	power    map[string]*float64
	reloads  int
	fanError error
	limits   []int
}

func newFakeHandler() *fakeHandler {
	return &fakeHandler{
		fan:   make(map[string]handler.FanControl),
		power: make(map[string]*float64),
	}
}

func (h *fakeHandler) Devices() []gpu.Info {
	return []gpu.Info{{ID: testID, Vendor: gpu.VendorAMD, Driver: "amdgpu", Card: "card1"}}
}

func (h *fakeHandler) DeviceStats(id string) (gpu.Stats, error) {
	if id != testID {
		return gpu.Stats{}, errors.New().WithData(handler.ErrDeviceNotFound, id)
	}
	pwm := uint8(127)
	return gpu.Stats{
		Info:        h.Devices()[0],
		Temperature: fancurve.TemperatureReading{Current: fancurve.Celsius(55)},
		FanPWM:      &pwm,
	}, nil
}

func (h *fakeHandler) SetFanControl(_ context.Context, id string, req handler.FanControl) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.fanError != nil {
		return h.fanError
	}
	h.fan[id] = req
	return nil
}

func (h *fakeHandler) SetPowerCap(_ context.Context, id string, watts *float64) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.power[id] = watts
	return nil
}

func (h *fakeHandler) ReloadGPUs(context.Context) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.reloads++
}

func (h *fakeHandler) FanHistory(_ context.Context, id string, limit int) ([]metrics.Sample, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if id != testID {
		return nil, errors.New().WithData(handler.ErrDeviceNotFound, id)
	}
	h.limits = append(h.limits, limit)
	return []metrics.Sample{
		{GPUID: id, Temperature: 61, PWM: 140, Mode: "curve", Firmware: true},
		{GPUID: id, Temperature: 58, PWM: 120, Mode: "curve"},
	}, nil
}

type client struct {
	enc *cbor.Encoder
	dec *cbor.Decoder
}

func (c *client) call(t *testing.T, req map[string]any) server.Response {
	t.Helper()

	require.NoError(t, c.enc.Encode(req))
	var resp server.Response
	require.NoError(t, c.dec.Decode(&resp))
	return resp
}

func startStream(t *testing.T, h server.Handler) (*client, <-chan error) {
	t.Helper()

	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() {
		defer serverConn.Close()
		done <- server.HandleStream(context.Background(), serverConn, h)
	}()
	t.Cleanup(func() { clientConn.Close() })

	return &client{enc: cbor.NewEncoder(clientConn), dec: cbor.NewDecoder(clientConn)}, done
}

func TestHandleStreamRoundTrip(t *testing.T) {
	h := newFakeHandler()
	c, _ := startStream(t, h)

	resp := c.call(t, map[string]any{"action": server.ActionPing})
	assert.True(t, resp.OK)
	assert.Empty(t, resp.Error)
	assert.Empty(t, resp.Data)

	resp = c.call(t, map[string]any{"action": server.ActionListDevices})
	require.True(t, resp.OK, resp.Error)
	var devices []gpu.Info
	require.NoError(t, cbor.Unmarshal(resp.Data, &devices))
	require.Len(t, devices, 1)
	assert.Equal(t, testID, devices[0].ID)
	assert.Equal(t, gpu.VendorAMD, devices[0].Vendor)

	resp = c.call(t, map[string]any{"action": server.ActionDeviceStats, "id": testID})
	require.True(t, resp.OK, resp.Error)
	var stats gpu.Stats
	require.NoError(t, cbor.Unmarshal(resp.Data, &stats))
	require.NotNil(t, stats.Temperature.Current)
	assert.Equal(t, 55.0, *stats.Temperature.Current)
	require.NotNil(t, stats.FanPWM)
	assert.Equal(t, uint8(127), *stats.FanPWM)
}

func TestHandleStreamSetFanControl(t *testing.T) {
	h := newFakeHandler()
	c, _ := startStream(t, h)

	resp := c.call(t, map[string]any{
		"action":           server.ActionSetFanControl,
		"id":               testID,
		"enabled":          true,
		"mode":             "curve",
		"curve":            map[int]float64{30: 0.2, 70: 0.8},
		"interval_ms":      250,
		"change_threshold": 3,
	})
	require.True(t, resp.OK, resp.Error)

	h.mu.Lock()
	got := h.fan[testID]
	h.mu.Unlock()

	assert.True(t, got.Enabled)
	assert.Equal(t, config.FanModeCurve, got.Mode)
	assert.Equal(t, fancurve.UserFanCurve{30: 0.2, 70: 0.8}, got.Curve)
	assert.Equal(t, 250, got.IntervalMs)
	require.NotNil(t, got.ChangeThreshold)
	assert.Equal(t, 3, *got.ChangeThreshold)
	assert.Nil(t, got.StaticSpeed)
}

func TestHandleStreamReturnsDomainErrors(t *testing.T) {
	h := newFakeHandler()
	h.fanError = fancurve.Validate(fancurve.UserFanCurve{40: 1.5})
	require.Error(t, h.fanError)
	c, _ := startStream(t, h)

	resp := c.call(t, map[string]any{"action": server.ActionSetFanControl, "id": testID, "enabled": true})
	assert.False(t, resp.OK)
	assert.Equal(t, h.fanError.Error(), resp.Error)

	resp = c.call(t, map[string]any{"action": server.ActionDeviceStats, "id": "0000:09:00.0"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "0000:09:00.0")
}

func TestHandleStreamPowerCapAndReload(t *testing.T) {
	h := newFakeHandler()
	c, _ := startStream(t, h)

	resp := c.call(t, map[string]any{"action": server.ActionSetPowerCap, "id": testID, "watts": 180.5})
	require.True(t, resp.OK, resp.Error)

	resp = c.call(t, map[string]any{"action": server.ActionReloadGPUs})
	require.True(t, resp.OK, resp.Error)

	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotNil(t, h.power[testID])
	assert.Equal(t, 180.5, *h.power[testID])
	assert.Equal(t, 1, h.reloads)
}

func TestHandleStreamFanHistory(t *testing.T) {
	h := newFakeHandler()
	c, _ := startStream(t, h)

	resp := c.call(t, map[string]any{"action": server.ActionFanHistory, "id": testID})
	require.True(t, resp.OK, resp.Error)
	var samples []metrics.Sample
	require.NoError(t, cbor.Unmarshal(resp.Data, &samples))
	require.Len(t, samples, 2)
	assert.True(t, samples[0].Firmware)
	assert.Equal(t, uint8(140), samples[0].PWM)
	assert.False(t, samples[1].Firmware)

	resp = c.call(t, map[string]any{"action": server.ActionFanHistory, "id": testID, "limit": 5})
	require.True(t, resp.OK, resp.Error)

	resp = c.call(t, map[string]any{"action": server.ActionFanHistory, "id": "0000:09:00.0"})
	assert.False(t, resp.OK)
	assert.Contains(t, resp.Error, "0000:09:00.0")

	h.mu.Lock()
	defer h.mu.Unlock()
	assert.Equal(t, []int{60, 5}, h.limits)
}

func TestHandleStreamRejectsBadRequests(t *testing.T) {
	c, _ := startStream(t, newFakeHandler())

	resp := c.call(t, map[string]any{"action": "format_disk"})
	assert.False(t, resp.OK)
	assert.Equal(t, `unknown action "format_disk"`, resp.Error)

	resp = c.call(t, map[string]any{"id": testID})
	assert.False(t, resp.OK)
	assert.Equal(t, "missing required field: action", resp.Error)

	resp = c.call(t, map[string]any{"action": server.ActionSetPowerCap, "id": testID, "watts": "lots"})
	assert.False(t, resp.OK)
	assert.NotEmpty(t, resp.Error)
}

func TestHandleStreamEndsAtEOF(t *testing.T) {
	serverConn, clientConn := net.Pipe()
	done := make(chan error, 1)
	go func() { done <- server.HandleStream(context.Background(), serverConn, newFakeHandler()) }()

	require.NoError(t, clientConn.Close())

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("stream did not end at EOF")
	}
}

func TestServeUnixSocket(t *testing.T) {
	path := filepath.Join(t.TempDir(), "gpuctld.sock")
	require.NoError(t, os.WriteFile(path, []byte("stale"), 0o600))

	srv, err := server.Listen(path, "", newFakeHandler())
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o660), info.Mode().Perm())
	assert.NotZero(t, info.Mode()&os.ModeSocket)

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() { served <- srv.Serve(ctx) }()

	conn, err := net.Dial("unix", path)
	require.NoError(t, err)
	c := &client{enc: cbor.NewEncoder(conn), dec: cbor.NewDecoder(conn)}
	assert.True(t, c.call(t, map[string]any{"action": server.ActionPing}).OK)
	assert.True(t, c.call(t, map[string]any{"action": server.ActionPing}).OK)

	cancel()
	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	conn.Close()

	require.NoError(t, srv.Close())
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}
