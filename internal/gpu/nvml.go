package gpu

import (
	"sync"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"github.com/NVIDIA/go-nvml/pkg/nvml"
)

// nvmlController abstracts NVML operations for testing
type nvmlController interface {
	Initialize() error
	Shutdown() error
	GetDeviceByPCIBusID(busID string) (nvml.Device, error)
}

type nvmlWrapper struct {
	mu          sync.Mutex
	initialized bool
}

func (w *nvmlWrapper) Initialize() error {
	errFactory := errors.New()
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.initialized {
		return nil
	}

	ret := nvml.Init()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrInitFailed, newNVMLError(ret))
	}

	w.initialized = true

	return nil
}

func (w *nvmlWrapper) Shutdown() error {
	errFactory := errors.New()
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.initialized {
		return nil
	}

	ret := nvml.Shutdown()
	if !IsNVMLSuccess(ret) {
		return errFactory.Wrap(ErrShutdownFailed, newNVMLError(ret))
	}

	w.initialized = false

	return nil
}

func (w *nvmlWrapper) GetDeviceByPCIBusID(busID string) (nvml.Device, error) {
	errFactory := errors.New()
	w.mu.Lock()
	initialized := w.initialized
	w.mu.Unlock()

	if !initialized {
		return nil, errFactory.New(ErrNotInitialized)
	}

	device, ret := nvml.DeviceGetHandleByPciBusId(busID)
	if !IsNVMLSuccess(ret) {
		return nil, errFactory.Wrap(ErrDeviceNotFound, newNVMLError(ret))
	}

	return device, nil
}
