// Package device defines USB device identity as observed at attach time.
package device

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// busPathPattern matches sysfs bus paths like "1-4" or "2-1.3:1.0".
// Anything else is refused before it can be joined into a sysfs path.
var busPathPattern = regexp.MustCompile(`^[\w.:-]+$`)

// Identity describes one physical attach. It is derived entirely from
// enumeration data and never mutated afterwards.
type Identity struct {
	VendorID    uint16 `json:"vendor_id"`
	ProductID   uint16 `json:"product_id"`
	Serial      string `json:"serial,omitempty"`
	BusPath     string `json:"bus_path"`
	VendorName  string `json:"vendor_name,omitempty"`
	ProductName string `json:"product_name,omitempty"`
}

// HasSerial reports whether the device carries a serial number. Devices
// without one cannot be durably whitelisted.
func (id Identity) HasSerial() bool {
	return id.Serial != ""
}

// Label returns a short human-readable description for logs and prompts.
func (id Identity) Label() string {
	name := strings.TrimSpace(id.VendorName + " " + id.ProductName)
	if name == "" {
		name = fmt.Sprintf("%04x:%04x", id.VendorID, id.ProductID)
	}
	return name
}

// ValidBusPath reports whether busPath is safe to use as a sysfs device
// directory name.
func ValidBusPath(busPath string) bool {
	return busPath != "" && !strings.Contains(busPath, "..") && busPathPattern.MatchString(busPath)
}

// ReadIdentity collects an Identity from the device's sysfs directory.
// Missing optional attributes (serial, manufacturer, product) come back
// empty rather than failing.
func ReadIdentity(sysfsRoot, busPath string) (Identity, error) {
	if !ValidBusPath(busPath) {
		return Identity{}, fmt.Errorf("invalid bus path %q", busPath)
	}
	dir := filepath.Join(sysfsRoot, busPath)

	vendorID, err := readHexAttr(dir, "idVendor")
	if err != nil {
		return Identity{}, fmt.Errorf("read idVendor for %s: %w", busPath, err)
	}
	productID, err := readHexAttr(dir, "idProduct")
	if err != nil {
		return Identity{}, fmt.Errorf("read idProduct for %s: %w", busPath, err)
	}

	return Identity{
		VendorID:    vendorID,
		ProductID:   productID,
		Serial:      readAttr(dir, "serial"),
		BusPath:     busPath,
		VendorName:  readAttr(dir, "manufacturer"),
		ProductName: readAttr(dir, "product"),
	}, nil
}

func readAttr(dir, name string) string {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

func readHexAttr(dir, name string) (uint16, error) {
	raw := readAttr(dir, name)
	if raw == "" {
		return 0, fmt.Errorf("attribute %s missing", name)
	}
	v, err := strconv.ParseUint(raw, 16, 16)
	if err != nil {
		return 0, fmt.Errorf("attribute %s=%q: %w", name, raw, err)
	}
	return uint16(v), nil
}
