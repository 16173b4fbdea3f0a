// Package monitor watches the USB bus and reports attach/detach events
// with device identity metadata.
package monitor

import "secureusb/internal/device"

// EventType distinguishes attach from detach.
type EventType int

const (
	Attach EventType = iota
	Detach
)

// Event is one physical connection change. Detach events carry only the
// bus path of the departed device.
type Event struct {
	Type     EventType
	Identity device.Identity
	BusPath  string
}

// Monitor emits device events until stopped.
type Monitor interface {
	Start() (<-chan Event, error)
	Stop()
}

// New returns the platform monitor implementation.
func New() Monitor {
	return newMonitor()
}
