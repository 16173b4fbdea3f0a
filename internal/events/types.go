package events

import (
	"time"

	"secureusb/internal/device"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Authorization lifecycle
	PromptRequested EventType = "prompt_requested"
	DeviceDecided   EventType = "device_decided"
	DeviceDetached  EventType = "device_detached"
	AuthFailed      EventType = "auth_failed"

	// System health
	StorageDegraded EventType = "storage_degraded"
)

// Severity indicates the urgency of an event.
type Severity int

const (
	SeverityInfo     Severity = 0
	SeverityWarning  Severity = 1
	SeverityCritical Severity = 2
)

func (s Severity) String() string {
	switch s {
	case SeverityInfo:
		return "info"
	case SeverityWarning:
		return "warning"
	case SeverityCritical:
		return "critical"
	default:
		return "unknown"
	}
}

// Event is the payload published through the bus.
type Event struct {
	Type        EventType       `json:"type"`
	Severity    Severity        `json:"severity"`
	Device      device.Identity `json:"device"`
	Outcome     string          `json:"outcome,omitempty"`  // terminal state for DeviceDecided
	Deadline    time.Time       `json:"deadline,omitempty"` // prompt deadline for PromptRequested
	CanRemember bool            `json:"can_remember,omitempty"`
	Message     string          `json:"message,omitempty"`
	Timestamp   time.Time       `json:"timestamp"`
}
