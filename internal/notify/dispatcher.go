// Package notify pushes authorization outcomes to external services via
// Shoutrrr URLs (ntfy, gotify, telegram, email and friends).
package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nicholas-fedor/shoutrrr"
	"go.uber.org/zap"

	"secureusb/internal/config"
	"secureusb/internal/engine"
	"secureusb/internal/events"
)

// Sender abstracts message dispatch so the dispatcher can be tested
// without hitting real services.
type Sender interface {
	Send(shoutrrrURL, message string) error
}

// ShoutrrrSender dispatches via the Shoutrrr library.
type ShoutrrrSender struct{}

func (ShoutrrrSender) Send(url, message string) error {
	return shoutrrr.Send(url, message)
}

// cooldown suppresses repeat notifications for the same device on the
// same service while the user is presumably still looking at the first.
const cooldown = 30 * time.Second

// Dispatcher subscribes to the event bus, filters outcomes against the
// notification policy and dispatches via Shoutrrr.
type Dispatcher struct {
	cfg    config.Notify
	bus    *events.Bus
	sender Sender
	logger *zap.Logger

	// recent tracks the last dispatch time per (url, serial).
	mu     sync.Mutex
	recent map[string]time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDispatcher creates a dispatcher wired to the given bus. A nil sender
// gets the real Shoutrrr one.
func NewDispatcher(cfg config.Notify, bus *events.Bus, sender Sender, logger *zap.Logger) *Dispatcher {
	if sender == nil {
		sender = ShoutrrrSender{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		cfg:    cfg,
		bus:    bus,
		sender: sender,
		logger: logger,
		recent: make(map[string]time.Time),
		stopCh: make(chan struct{}),
	}
}

// Start subscribes to decision and health events and begins dispatching.
func (d *Dispatcher) Start() {
	ch := make(chan events.Event, 256)

	d.bus.Subscribe(func(e events.Event) {
		select {
		case ch <- e:
		default:
			d.logger.Warn("notification queue full, dropping event",
				zap.String("type", string(e.Type)))
		}
	}, events.DeviceDecided, events.StorageDegraded)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for {
			select {
			case e := <-ch:
				d.handle(e)
			case <-d.stopCh:
				// Drain remaining events
				for {
					select {
					case e := <-ch:
						d.handle(e)
					default:
						return
					}
				}
			}
		}
	}()
}

// Stop signals the dispatcher goroutine to finish and waits for it.
func (d *Dispatcher) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Dispatcher) handle(e events.Event) {
	if len(d.cfg.URLs) == 0 || !d.wanted(e) {
		return
	}

	msg := formatMessage(e)
	for _, url := range d.cfg.URLs {
		if d.onCooldown(url, e.Device.Serial) {
			continue
		}
		if err := d.sender.Send(url, msg); err != nil {
			d.logger.Error("notification send failed",
				zap.String("service", serviceName(url)), zap.Error(err))
		}
	}
}

// wanted applies the notification policy: storage failures always go out,
// decisions only for the outcomes the config enables.
func (d *Dispatcher) wanted(e events.Event) bool {
	if e.Type == events.StorageDegraded {
		return true
	}
	switch e.Outcome {
	case engine.StateDenied.String():
		return d.cfg.OnDeny
	case engine.StateTimedOut.String():
		return d.cfg.OnTimeout
	default:
		return false
	}
}

func (d *Dispatcher) onCooldown(url, serial string) bool {
	key := url + ":" + serial
	d.mu.Lock()
	defer d.mu.Unlock()

	now := time.Now()
	if last, ok := d.recent[key]; ok && now.Sub(last) < cooldown {
		return true
	}
	d.recent[key] = now
	return false
}

// formatMessage builds a human-readable notification string.
func formatMessage(e events.Event) string {
	if e.Type == events.StorageDegraded {
		return fmt.Sprintf("[%s] USB guard storage failure: %s", e.Severity, e.Message)
	}

	verb := "decided"
	switch e.Outcome {
	case engine.StateDenied.String():
		verb = "blocked"
	case engine.StateTimedOut.String():
		verb = "blocked (no response)"
	}

	msg := fmt.Sprintf("[%s] USB device %s: %s", e.Severity, verb, e.Device.Label())
	if e.Device.Serial != "" {
		msg += " (serial " + e.Device.Serial + ")"
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	return msg
}

// serviceName extracts the scheme from a Shoutrrr URL so logs never leak
// tokens embedded in the rest of the URL.
func serviceName(url string) string {
	if i := strings.Index(url, "://"); i > 0 {
		return url[:i]
	}
	return "unknown"
}
