//go:build linux

package monitor

import (
	"path/filepath"
	"sync"

	"github.com/pilebones/go-udev/netlink"

	"secureusb/internal/device"
)

const sysfsUSBRoot = "/sys/bus/usb/devices"

type linuxMonitor struct {
	events chan Event
	stop   chan struct{}

	// seen tracks bus paths with a delivered attach, so repeated uevents
	// for the same physical connection are suppressed until detach.
	mu   sync.Mutex
	seen map[string]struct{}

	sysfsRoot string
}

func newMonitor() Monitor {
	return &linuxMonitor{
		events:    make(chan Event, 16),
		stop:      make(chan struct{}),
		seen:      make(map[string]struct{}),
		sysfsRoot: sysfsUSBRoot,
	}
}

func (m *linuxMonitor) Start() (<-chan Event, error) {
	conn := new(netlink.UEventConn)
	if err := conn.Connect(netlink.UdevEvent); err != nil {
		return nil, err
	}

	queue := make(chan netlink.UEvent)
	errChan := make(chan error)
	quit := conn.Monitor(queue, errChan, nil)

	go func() {
		defer conn.Close()
		for {
			select {
			case <-m.stop:
				close(quit)
				return
			case <-errChan:
				// Transient netlink errors; keep listening.
				continue
			case uevent := <-queue:
				m.handleUEvent(uevent)
			}
		}
	}()

	return m.events, nil
}

func (m *linuxMonitor) Stop() {
	close(m.stop)
}

func (m *linuxMonitor) handleUEvent(uevent netlink.UEvent) {
	if uevent.Env["SUBSYSTEM"] != "usb" || uevent.Env["DEVTYPE"] != "usb_device" {
		return
	}

	busPath := filepath.Base(uevent.Env["DEVPATH"])
	if !device.ValidBusPath(busPath) {
		return
	}

	switch uevent.Action {
	case "add":
		m.handleAdd(busPath)
	case "remove":
		m.handleRemove(busPath)
	}
}

func (m *linuxMonitor) handleAdd(busPath string) {
	m.mu.Lock()
	if _, dup := m.seen[busPath]; dup {
		m.mu.Unlock()
		return
	}
	m.seen[busPath] = struct{}{}
	m.mu.Unlock()

	id, err := device.ReadIdentity(m.sysfsRoot, busPath)
	if err != nil {
		// Hubs and half-enumerated devices lack the id attributes.
		m.mu.Lock()
		delete(m.seen, busPath)
		m.mu.Unlock()
		return
	}

	m.events <- Event{Type: Attach, Identity: id, BusPath: busPath}
}

func (m *linuxMonitor) handleRemove(busPath string) {
	m.mu.Lock()
	_, known := m.seen[busPath]
	delete(m.seen, busPath)
	m.mu.Unlock()

	if !known {
		return
	}
	m.events <- Event{Type: Detach, BusPath: busPath}
}
