package gpu

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// isCardDevice matches card0, card1, ... but not connectors such as
// card0-DP-1 or render nodes.
func isCardDevice(name string) bool {
	suffix, ok := strings.CutPrefix(name, "card")
	if !ok || suffix == "" {
		return false
	}
	for _, c := range suffix {
		if c < '0' || c > '9' {
			return false
		}
	}

	return true
}

// readDriverName returns the basename of the device's driver symlink.
func readDriverName(devicePath string) string {
	link, err := os.Readlink(filepath.Join(devicePath, "driver"))
	if err != nil {
		return ""
	}

	return filepath.Base(link)
}

// readPCISlot returns PCI_SLOT_NAME from the device's uevent file.
func readPCISlot(devicePath string) string {
	data, err := os.ReadFile(filepath.Join(devicePath, "uevent"))
	if err != nil {
		return ""
	}

	for _, line := range strings.Split(string(data), "\n") {
		if value, ok := strings.CutPrefix(line, "PCI_SLOT_NAME="); ok {
			return strings.TrimSpace(value)
		}
	}

	return ""
}

// findHwmon returns the first hwmon directory below the device.
func findHwmon(devicePath string) string {
	base := filepath.Join(devicePath, "hwmon")
	entries, err := os.ReadDir(base)
	if err != nil {
		return ""
	}

	for _, entry := range entries {
		if strings.HasPrefix(entry.Name(), "hwmon") {
			return filepath.Join(base, entry.Name())
		}
	}

	return ""
}

func readSysfsString(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	return strings.TrimSpace(string(data)), nil
}

func readSysfsInt(path string) (int64, error) {
	value, err := readSysfsString(path)
	if err != nil {
		return 0, err
	}

	return strconv.ParseInt(value, 10, 64)
}

// writeSysfs writes each command with its own write call, as sysfs
// attributes handle one command per write.
func writeSysfs(path string, commands ...string) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC, 0)
	if err != nil {
		return err
	}

	for _, cmd := range commands {
		if _, err := f.WriteString(cmd); err != nil {
			f.Close()
			return err
		}
	}

	return f.Close()
}
