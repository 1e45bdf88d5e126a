package metrics

import (
	"context"
	"time"
)

// Recorder stores fan control samples.
type Recorder interface {
	Record(ctx context.Context, sample *Sample) error
	// Recent returns up to limit samples for gpuID, newest first.
	Recent(ctx context.Context, gpuID string, limit int) ([]Sample, error)
	Close() error
}

// Repository defines the interface for metrics data storage
type Repository interface {
	Record(sample *Sample) error
	Recent(gpuID string, limit int) ([]Sample, error)
	Close() error
}

// Sample is one tick of a device's fan control loop.
type Sample struct {
	Timestamp   time.Time `cbor:"timestamp"`
	GPUID       string    `cbor:"gpu_id"`
	Temperature float64   `cbor:"temperature"`
	PWM         uint8     `cbor:"pwm"`
	Mode        string    `cbor:"mode"`
	// Firmware is set when the fan curve is handled by the firmware and
	// PWM is the curve's target rather than a value the daemon wrote.
	Firmware bool `cbor:"firmware"`
}
