package gpu

import (
	"os"
	"path/filepath"
	"sort"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"codeberg.org/mutker/gpuctld/internal/logger"
)

const (
	driverAMDGPU = "amdgpu"
	driverNVIDIA = "nvidia"
)

// Enumerator builds controllers for the GPUs found under /sys/class/drm.
// Devices are matched on their kernel driver name only.
type Enumerator struct {
	sysRoot string
	nvml    nvmlController
}

// NewEnumerator returns an Enumerator for the running system.
func NewEnumerator() *Enumerator {
	return &Enumerator{
		sysRoot: "/sys",
		nvml:    &nvmlWrapper{},
	}
}

func newEnumeratorFrom(sysRoot string, nv nvmlController) *Enumerator {
	return &Enumerator{sysRoot: sysRoot, nvml: nv}
}

// Enumerate returns one controller per supported card, ordered by PCI slot.
// A device that fails to initialize is logged and skipped.
func (e *Enumerator) Enumerate() ([]Controller, error) {
	errFactory := errors.New()

	drmBase := filepath.Join(e.sysRoot, "class", "drm")
	entries, err := os.ReadDir(drmBase)
	if err != nil {
		return nil, errFactory.Wrap(ErrEnumerate, err)
	}

	seen := make(map[string]bool)
	controllers := make([]Controller, 0, len(entries))

	for _, entry := range entries {
		card := entry.Name()
		if !isCardDevice(card) {
			continue
		}

		devicePath := filepath.Join(drmBase, card, "device")
		slot := readPCISlot(devicePath)
		if slot == "" || seen[slot] {
			continue
		}

		info := Info{
			ID:     slot,
			Driver: readDriverName(devicePath),
			Card:   card,
		}

		controller, err := e.open(info, devicePath)
		if err != nil {
			logger.WarnWithCode(err).Str("gpu", slot).Str("driver", info.Driver).Msg("Skipping GPU")
			continue
		}
		if controller == nil {
			logger.Debug().Str("gpu", slot).Str("driver", info.Driver).Msg("Unsupported GPU driver")
			continue
		}

		seen[slot] = true
		controllers = append(controllers, controller)
		logger.Info().Str("gpu", slot).Str("driver", info.Driver).Str("name", controller.Info().Name).Msg("Detected GPU")
	}

	sort.Slice(controllers, func(i, j int) bool {
		return controllers[i].Info().ID < controllers[j].Info().ID
	})

	return controllers, nil
}

func (e *Enumerator) open(info Info, devicePath string) (Controller, error) {
	switch info.Driver {
	case driverAMDGPU:
		info.Vendor = VendorAMD
		c, err := newAMDController(info, devicePath)
		if err != nil {
			return nil, err
		}
		return c, nil
	case driverNVIDIA:
		if e.nvml == nil {
			return nil, errors.New().New(ErrNotInitialized)
		}
		if err := e.nvml.Initialize(); err != nil {
			return nil, err
		}
		device, err := e.nvml.GetDeviceByPCIBusID(info.ID)
		if err != nil {
			return nil, err
		}
		info.Vendor = VendorNVIDIA
		c, err := newNVIDIAController(info, device)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, nil
	}
}

// Close shuts NVML down if it was started.
func (e *Enumerator) Close() error {
	if e.nvml == nil {
		return nil
	}

	return e.nvml.Shutdown()
}
