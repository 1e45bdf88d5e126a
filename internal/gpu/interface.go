package gpu

import "codeberg.org/mutker/gpuctld/internal/fancurve"

// Controller manages a single GPU's fan and power state.
type Controller interface {
	Info() Info

	// Temperature management
	Temperature() (fancurve.TemperatureReading, error)

	// Fan control
	SetFanPWM(pwm uint8) error
	EnableAutoFan() error
	// FanCurve returns the firmware fan curve. Devices without one return
	// an error carrying errors.ErrNotSupported.
	FanCurve() (fancurve.HardwareFanCurve, error)
	SetFanCurve(curve fancurve.HardwareFanCurve) error
	ResetFanCurve() error

	// Power management
	PowerLimits() (PowerLimits, error)
	SetPowerCap(watts float64) error
	ResetPowerCap() error

	Stats() Stats
	Close() error
}

type Vendor string

const (
	VendorAMD    Vendor = "amd"
	VendorNVIDIA Vendor = "nvidia"
)

// Info identifies a device. ID is the PCI slot name, which is also the
// key used in the configuration file.
type Info struct {
	ID     string `cbor:"id"`
	Vendor Vendor `cbor:"vendor"`
	Driver string `cbor:"driver"`
	Card   string `cbor:"card,omitempty"`
	Name   string `cbor:"name,omitempty"`
}

// PowerLimits is in watts.
type PowerLimits struct {
	Current float64 `cbor:"current"`
	Min     float64 `cbor:"min"`
	Max     float64 `cbor:"max"`
	Default float64 `cbor:"default"`
}

// Stats is a best-effort snapshot. Fields that could not be read are nil.
type Stats struct {
	Info        Info                        `cbor:"info"`
	Temperature fancurve.TemperatureReading `cbor:"temperature"`
	FanPWM      *uint8                      `cbor:"fan_pwm,omitempty"`
	FanAuto     bool                        `cbor:"fan_auto"`
	Power       *PowerLimits                `cbor:"power,omitempty"`
	FanCurve    *fancurve.HardwareFanCurve  `cbor:"fan_curve,omitempty"`
}
