package device

import (
	"os"
	"path/filepath"
	"testing"
)

func writeSysfsDevice(t *testing.T, root, busPath string, attrs map[string]string) {
	t.Helper()
	dir := filepath.Join(root, busPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for name, value := range attrs {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(value+"\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestReadIdentity(t *testing.T) {
	root := t.TempDir()
	writeSysfsDevice(t, root, "1-4", map[string]string{
		"idVendor":     "046d",
		"idProduct":    "c52b",
		"serial":       "ABC123",
		"manufacturer": "Logitech",
		"product":      "USB Receiver",
	})

	id, err := ReadIdentity(root, "1-4")
	if err != nil {
		t.Fatal(err)
	}
	if id.VendorID != 0x046d || id.ProductID != 0xc52b {
		t.Errorf("ids = %04x:%04x", id.VendorID, id.ProductID)
	}
	if id.Serial != "ABC123" || !id.HasSerial() {
		t.Errorf("serial = %q", id.Serial)
	}
	if id.Label() != "Logitech USB Receiver" {
		t.Errorf("label = %q", id.Label())
	}
}

func TestReadIdentityMissingOptionalAttrs(t *testing.T) {
	root := t.TempDir()
	writeSysfsDevice(t, root, "2-1", map[string]string{
		"idVendor":  "0781",
		"idProduct": "5583",
	})

	id, err := ReadIdentity(root, "2-1")
	if err != nil {
		t.Fatal(err)
	}
	if id.HasSerial() {
		t.Error("serial should be absent")
	}
	if id.Label() != "0781:5583" {
		t.Errorf("label fallback = %q", id.Label())
	}
}

func TestReadIdentityMissingVendorIDFails(t *testing.T) {
	root := t.TempDir()
	writeSysfsDevice(t, root, "3-2", map[string]string{"idProduct": "0001"})

	if _, err := ReadIdentity(root, "3-2"); err == nil {
		t.Error("expected error for missing idVendor")
	}
}

func TestValidBusPath(t *testing.T) {
	for _, ok := range []string{"1-4", "2-1.3", "1-4:1.0", "usb3"} {
		if !ValidBusPath(ok) {
			t.Errorf("%q rejected", ok)
		}
	}
	for _, bad := range []string{"", "../etc", "1-4/../..", "a b", "x/y"} {
		if ValidBusPath(bad) {
			t.Errorf("%q accepted", bad)
		}
	}
}
