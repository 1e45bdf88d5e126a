package server

import (
	"codeberg.org/mutker/gpuctld/internal/config"
	"codeberg.org/mutker/gpuctld/internal/fancurve"
	"codeberg.org/mutker/gpuctld/internal/handler"
	"github.com/fxamacker/cbor/v2"
)

// Actions understood by the control socket.
const (
	ActionPing          = "ping"
	ActionListDevices   = "list_devices"
	ActionDeviceStats   = "device_stats"
	ActionSetFanControl = "set_fan_control"
	ActionSetPowerCap   = "set_power_cap"
	ActionReloadGPUs    = "reload_gpus"
	ActionFanHistory    = "fan_history"

	defaultHistoryLimit = 60
)

// Response is the envelope written for every request. Data holds the
// action's CBOR encoded result, if it has one.
type Response struct {
	OK    bool            `cbor:"ok"`
	Error string          `cbor:"error,omitempty"`
	Data  cbor.RawMessage `cbor:"data,omitempty"`
}

type header struct {
	Action string `cbor:"action"`
}

type deviceRequest struct {
	ID string `cbor:"id"`
}

// FanHistoryRequest asks for the newest recorded fan samples of a GPU. A
// zero Limit returns the default number of samples.
type FanHistoryRequest struct {
	ID    string `cbor:"id"`
	Limit int    `cbor:"limit,omitempty"`
}

// FanControlRequest carries the fields of a set_fan_control request.
type FanControlRequest struct {
	ID              string                `cbor:"id"`
	Enabled         bool                  `cbor:"enabled"`
	Mode            string                `cbor:"mode,omitempty"`
	StaticSpeed     *float64              `cbor:"static_speed,omitempty"`
	Curve           fancurve.UserFanCurve `cbor:"curve,omitempty"`
	IntervalMs      int                   `cbor:"interval_ms,omitempty"`
	ChangeThreshold *int                  `cbor:"change_threshold,omitempty"`
}

func (r FanControlRequest) toHandler() handler.FanControl {
	return handler.FanControl{
		Enabled:         r.Enabled,
		Mode:            config.FanControlMode(r.Mode),
		StaticSpeed:     r.StaticSpeed,
		Curve:           r.Curve,
		IntervalMs:      r.IntervalMs,
		ChangeThreshold: r.ChangeThreshold,
	}
}

// PowerCapRequest sets or, with a nil Watts, resets a power cap.
type PowerCapRequest struct {
	ID    string   `cbor:"id"`
	Watts *float64 `cbor:"watts,omitempty"`
}
