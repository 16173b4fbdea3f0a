//go:build !linux

package monitor

import "errors"

type unsupportedMonitor struct{}

func newMonitor() Monitor { return &unsupportedMonitor{} }

func (m *unsupportedMonitor) Start() (<-chan Event, error) {
	return nil, errors.New("usb monitoring is only supported on linux")
}

func (m *unsupportedMonitor) Stop() {}
