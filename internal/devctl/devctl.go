// Package devctl is the platform surface that suspends and enables
// physical USB devices. The authorization engine only sees the Controller
// interface and never branches on platform.
package devctl

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"secureusb/internal/device"
)

// Controller suspends or enables one device by its sysfs bus path. All
// three operations are idempotent.
type Controller interface {
	// Suspend cuts the device off before any policy decision runs.
	Suspend(busPath string) error
	// EnableFull grants full data and power access.
	EnableFull(busPath string) error
	// EnablePowerOnly keeps data blocked while allowing charge current.
	EnablePowerOnly(busPath string) error
}

// SysfsController drives the kernel's per-device `authorized` attribute
// under /sys/bus/usb/devices. Requires root.
type SysfsController struct {
	// Root is the sysfs USB devices directory; defaults to the real one.
	Root string
}

const defaultSysfsRoot = "/sys/bus/usb/devices"

// NewSysfsController returns a controller over the real sysfs tree.
func NewSysfsController() *SysfsController {
	return &SysfsController{Root: defaultSysfsRoot}
}

func (c *SysfsController) root() string {
	if c.Root != "" {
		return c.Root
	}
	return defaultSysfsRoot
}

// Suspend writes 0 to the device's authorized attribute.
func (c *SysfsController) Suspend(busPath string) error {
	return c.writeAuthorized(busPath, "0")
}

// EnableFull writes 1 to the device's authorized attribute.
func (c *SysfsController) EnableFull(busPath string) error {
	return c.writeAuthorized(busPath, "1")
}

// EnablePowerOnly keeps the device deauthorized and additionally unbinds
// any interfaces a driver already claimed, so power flows but no data
// path exists. Interface unbinding is best-effort: some interfaces do not
// support it.
func (c *SysfsController) EnablePowerOnly(busPath string) error {
	if err := c.writeAuthorized(busPath, "0"); err != nil {
		return err
	}
	c.unbindInterfaces(busPath)
	return nil
}

// AuthorizationStatus reads back the authorized attribute.
func (c *SysfsController) AuthorizationStatus(busPath string) (bool, error) {
	if !device.ValidBusPath(busPath) {
		return false, fmt.Errorf("invalid bus path %q", busPath)
	}
	data, err := os.ReadFile(filepath.Join(c.root(), busPath, "authorized"))
	if err != nil {
		return false, fmt.Errorf("read authorized for %s: %w", busPath, err)
	}
	return strings.TrimSpace(string(data)) == "1", nil
}

// SetDefaultAuthorization writes the kernel's authorized_default attribute
// on every USB host controller: "0" blocks new devices before the daemon
// even sees the uevent, "1" restores normal behavior.
func (c *SysfsController) SetDefaultAuthorization(mode string) error {
	controllers, err := filepath.Glob(filepath.Join(c.root(), "usb*"))
	if err != nil {
		return fmt.Errorf("list usb controllers: %w", err)
	}

	var firstErr error
	for _, ctrl := range controllers {
		attr := filepath.Join(ctrl, "authorized_default")
		if _, err := os.Stat(attr); err != nil {
			continue
		}
		if err := os.WriteFile(attr, []byte(mode), 0o644); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("set authorized_default on %s: %w", filepath.Base(ctrl), err)
		}
	}
	return firstErr
}

func (c *SysfsController) writeAuthorized(busPath, value string) error {
	if !device.ValidBusPath(busPath) {
		return fmt.Errorf("invalid bus path %q", busPath)
	}
	path := filepath.Join(c.root(), busPath, "authorized")
	if err := os.WriteFile(path, []byte(value), 0o644); err != nil {
		return fmt.Errorf("write authorized=%s for %s: %w", value, busPath, err)
	}
	return nil
}

// unbindInterfaces walks the device's interface subdirectories (named like
// 1-4:1.0) and writes each name to its driver's unbind attribute.
func (c *SysfsController) unbindInterfaces(busPath string) {
	deviceDir := filepath.Join(c.root(), busPath)
	items, err := os.ReadDir(deviceDir)
	if err != nil {
		return
	}

	for _, item := range items {
		if !strings.Contains(item.Name(), ":") {
			continue
		}
		unbind := filepath.Join(deviceDir, item.Name(), "driver", "unbind")
		if _, err := os.Stat(unbind); err != nil {
			continue
		}
		os.WriteFile(unbind, []byte(item.Name()), 0o200)
	}
}
