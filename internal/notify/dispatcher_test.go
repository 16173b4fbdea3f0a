package notify

import (
	"strings"
	"sync"
	"testing"
	"time"

	"secureusb/internal/config"
	"secureusb/internal/device"
	"secureusb/internal/engine"
	"secureusb/internal/events"
)

type fakeSender struct {
	mu    sync.Mutex
	sent  []string
	urls  []string
	fired chan struct{}
}

func newFakeSender() *fakeSender {
	return &fakeSender{fired: make(chan struct{}, 64)}
}

func (f *fakeSender) Send(url, message string) error {
	f.mu.Lock()
	f.sent = append(f.sent, message)
	f.urls = append(f.urls, url)
	f.mu.Unlock()
	f.fired <- struct{}{}
	return nil
}

func (f *fakeSender) messages() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.sent))
	copy(out, f.sent)
	return out
}

func (f *fakeSender) wait(t *testing.T) {
	t.Helper()
	select {
	case <-f.fired:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}

func startDispatcher(t *testing.T, cfg config.Notify) (*events.Bus, *fakeSender) {
	t.Helper()
	bus := events.NewBus()
	sender := newFakeSender()
	d := NewDispatcher(cfg, bus, sender, nil)
	d.Start()
	t.Cleanup(d.Stop)
	return bus, sender
}

func denyEvent(serial string) events.Event {
	return events.Event{
		Type:     events.DeviceDecided,
		Severity: events.SeverityWarning,
		Device: device.Identity{
			VendorID:    0x0781,
			ProductID:   0x5583,
			Serial:      serial,
			ProductName: "Ultra Fit",
			BusPath:     "1-2",
		},
		Outcome: engine.StateDenied.String(),
	}
}

func TestDenyNotificationSent(t *testing.T) {
	bus, sender := startDispatcher(t, config.Notify{
		URLs:   []string{"ntfy://host/topic"},
		OnDeny: true,
	})

	bus.Publish(denyEvent("SN1"))
	sender.wait(t)

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0], "blocked") || !strings.Contains(msgs[0], "Ultra Fit") {
		t.Fatalf("unexpected message: %q", msgs[0])
	}
	if !strings.Contains(msgs[0], "SN1") {
		t.Fatalf("serial missing from message: %q", msgs[0])
	}
}

func TestDenyNotificationDisabled(t *testing.T) {
	bus, sender := startDispatcher(t, config.Notify{
		URLs:      []string{"ntfy://host/topic"},
		OnDeny:    false,
		OnTimeout: true,
	})

	bus.Publish(denyEvent("SN1"))

	ev := denyEvent("SN2")
	ev.Outcome = engine.StateTimedOut.String()
	bus.Publish(ev)
	sender.wait(t)

	msgs := sender.messages()
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (deny disabled)", len(msgs))
	}
	if !strings.Contains(msgs[0], "no response") {
		t.Fatalf("unexpected message: %q", msgs[0])
	}
}

func TestApprovalsNeverNotify(t *testing.T) {
	bus, sender := startDispatcher(t, config.Notify{
		URLs:      []string{"ntfy://host/topic"},
		OnDeny:    true,
		OnTimeout: true,
	})

	ev := denyEvent("SN1")
	ev.Severity = events.SeverityInfo
	ev.Outcome = engine.StateAuthorized.String()
	bus.Publish(ev)

	// Follow with a deny so we can tell "not yet delivered" from
	// "correctly skipped".
	bus.Publish(denyEvent("SN2"))
	sender.wait(t)

	if msgs := sender.messages(); len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
}

func TestCooldownSuppressesRepeats(t *testing.T) {
	bus, sender := startDispatcher(t, config.Notify{
		URLs:   []string{"ntfy://host/topic"},
		OnDeny: true,
	})

	bus.Publish(denyEvent("SN1"))
	sender.wait(t)
	bus.Publish(denyEvent("SN1"))

	// A different serial is not on cooldown.
	bus.Publish(denyEvent("SN2"))
	sender.wait(t)

	if msgs := sender.messages(); len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
}

func TestStorageDegradedAlwaysNotifies(t *testing.T) {
	bus, sender := startDispatcher(t, config.Notify{
		URLs: []string{"ntfy://host/topic"},
	})

	bus.Publish(events.Event{
		Type:     events.StorageDegraded,
		Severity: events.SeverityCritical,
		Message:  "eventlog append: disk full",
	})
	sender.wait(t)

	msgs := sender.messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0], "storage failure") {
		t.Fatalf("unexpected messages: %v", msgs)
	}
}

func TestFanOutToAllURLs(t *testing.T) {
	bus, sender := startDispatcher(t, config.Notify{
		URLs:   []string{"ntfy://host/topic", "gotify://host/token"},
		OnDeny: true,
	})

	bus.Publish(denyEvent("SN1"))
	sender.wait(t)
	sender.wait(t)

	sender.mu.Lock()
	urls := append([]string(nil), sender.urls...)
	sender.mu.Unlock()
	if len(urls) != 2 {
		t.Fatalf("got %d sends, want 2", len(urls))
	}
}

func TestServiceNameRedactsURL(t *testing.T) {
	if got := serviceName("telegram://token@telegram?chats=123"); got != "telegram" {
		t.Fatalf("serviceName = %q, want telegram", got)
	}
	if got := serviceName("garbage"); got != "unknown" {
		t.Fatalf("serviceName = %q, want unknown", got)
	}
}
