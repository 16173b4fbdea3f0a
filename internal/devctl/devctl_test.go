package devctl

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func newFakeSysfs(t *testing.T, busPaths ...string) *SysfsController {
	t.Helper()
	root := t.TempDir()
	for _, bp := range busPaths {
		dir := filepath.Join(root, bp)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "authorized"), []byte("1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return &SysfsController{Root: root}
}

func readAuthorized(t *testing.T, c *SysfsController, busPath string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(c.Root, busPath, "authorized"))
	if err != nil {
		t.Fatal(err)
	}
	return strings.TrimSpace(string(data))
}

func TestSuspendAndEnable(t *testing.T) {
	c := newFakeSysfs(t, "1-4")

	if err := c.Suspend("1-4"); err != nil {
		t.Fatal(err)
	}
	if got := readAuthorized(t, c, "1-4"); got != "0" {
		t.Errorf("after suspend authorized = %s", got)
	}

	if err := c.EnableFull("1-4"); err != nil {
		t.Fatal(err)
	}
	if got := readAuthorized(t, c, "1-4"); got != "1" {
		t.Errorf("after enable authorized = %s", got)
	}

	ok, err := c.AuthorizationStatus("1-4")
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("status should report authorized")
	}
}

func TestSuspendIsIdempotent(t *testing.T) {
	c := newFakeSysfs(t, "1-4")
	if err := c.Suspend("1-4"); err != nil {
		t.Fatal(err)
	}
	if err := c.Suspend("1-4"); err != nil {
		t.Errorf("second suspend: %v", err)
	}
}

func TestSuspendMissingDeviceFails(t *testing.T) {
	c := newFakeSysfs(t)
	if err := c.Suspend("9-9"); err == nil {
		t.Error("expected error for missing device")
	}
}

func TestRejectsInvalidBusPath(t *testing.T) {
	c := newFakeSysfs(t)
	for _, bad := range []string{"../1-4", "a/b", ""} {
		if err := c.Suspend(bad); err == nil {
			t.Errorf("bus path %q accepted", bad)
		}
	}
}

func TestEnablePowerOnlyKeepsDeviceDeauthorized(t *testing.T) {
	c := newFakeSysfs(t, "1-4")

	if err := c.EnablePowerOnly("1-4"); err != nil {
		t.Fatal(err)
	}
	if got := readAuthorized(t, c, "1-4"); got != "0" {
		t.Errorf("power-only left authorized = %s", got)
	}
}

func TestEnablePowerOnlyUnbindsInterfaces(t *testing.T) {
	c := newFakeSysfs(t, "1-4")

	ifaceDriver := filepath.Join(c.Root, "1-4", "1-4:1.0", "driver")
	if err := os.MkdirAll(ifaceDriver, 0o755); err != nil {
		t.Fatal(err)
	}
	unbind := filepath.Join(ifaceDriver, "unbind")
	if err := os.WriteFile(unbind, nil, 0o644); err != nil {
		t.Fatal(err)
	}

	if err := c.EnablePowerOnly("1-4"); err != nil {
		t.Fatal(err)
	}

	data, err := os.ReadFile(unbind)
	if err != nil {
		t.Fatal(err)
	}
	if string(data) != "1-4:1.0" {
		t.Errorf("unbind received %q", data)
	}
}

func TestSetDefaultAuthorization(t *testing.T) {
	c := newFakeSysfs(t)
	for _, ctrl := range []string{"usb1", "usb2"} {
		dir := filepath.Join(c.Root, ctrl)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, "authorized_default"), []byte("1\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	if err := c.SetDefaultAuthorization("0"); err != nil {
		t.Fatal(err)
	}
	for _, ctrl := range []string{"usb1", "usb2"} {
		data, _ := os.ReadFile(filepath.Join(c.Root, ctrl, "authorized_default"))
		if strings.TrimSpace(string(data)) != "0" {
			t.Errorf("%s authorized_default = %q", ctrl, data)
		}
	}
}
