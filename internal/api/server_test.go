package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	_ "modernc.org/sqlite"

	"secureusb/internal/config"
	"secureusb/internal/credstore"
	"secureusb/internal/devctl"
	"secureusb/internal/device"
	"secureusb/internal/engine"
	"secureusb/internal/eventlog"
	"secureusb/internal/events"
	"secureusb/internal/totp"
	"secureusb/internal/version"
	"secureusb/internal/whitelist"
)

type nopController struct{}

func (nopController) Suspend(string) error         { return nil }
func (nopController) EnableFull(string) error      { return nil }
func (nopController) EnablePowerOnly(string) error { return nil }

var _ devctl.Controller = nopController{}

type testServer struct {
	srv    *Server
	ts     *httptest.Server
	eng    *engine.Engine
	wl     *whitelist.Store
	log    *eventlog.Log
	bus    *events.Bus
	secret []byte
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { db.Close() })

	wl, err := whitelist.New(db)
	if err != nil {
		t.Fatal(err)
	}
	log, _, err := eventlog.Open(db, 90*24*time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	creds, err := credstore.Open(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	secret, err := totp.NewSecret()
	if err != nil {
		t.Fatal(err)
	}
	codes, err := totp.GenerateRecoveryCodes(2)
	if err != nil {
		t.Fatal(err)
	}
	hashes := make([]string, len(codes))
	for i, c := range codes {
		hashes[i] = totp.HashRecoveryCode(c)
	}
	if err := creds.Save(&credstore.Credential{
		TOTPSecret:         secret,
		RecoveryCodeHashes: hashes,
		CreatedAt:          time.Now(),
	}); err != nil {
		t.Fatal(err)
	}

	bus := events.NewBus()
	eng := engine.New(engine.Options{
		Enabled:     true,
		Timeout:     time.Minute,
		DriftWindow: 1,
	}, nopController{}, wl, creds, log, bus, nil)

	cfg := config.Default()
	srv := New(cfg, eng, wl, log, creds, bus, nil)
	srv.hub.Start()
	t.Cleanup(srv.hub.Stop)

	ts := httptest.NewServer(srv.routes())
	t.Cleanup(ts.Close)

	return &testServer{srv: srv, ts: ts, eng: eng, wl: wl, log: log, bus: bus, secret: secret}
}

func (ts *testServer) code() string {
	return totp.Generate(ts.secret, time.Now())
}

func (ts *testServer) attach(t *testing.T, busPath, serial string) {
	t.Helper()
	ts.eng.HandleAttach(device.Identity{
		VendorID:    0x0781,
		ProductID:   0x5583,
		Serial:      serial,
		BusPath:     busPath,
		ProductName: "Ultra Fit",
	})
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, ts.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := ts.ts.Client().Do(req)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	if err := json.NewDecoder(resp.Body).Decode(&v); err != nil {
		t.Fatal(err)
	}
	return v
}

func TestStatus(t *testing.T) {
	ts := newTestServer(t)
	ts.attach(t, "1-2", "SN1")

	resp := ts.do(t, http.MethodGet, "/v1/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	st := decode[Status](t, resp)
	if !st.Enabled || !st.Configured {
		t.Fatalf("status = %+v", st)
	}
	if st.PendingCount != 1 {
		t.Fatalf("pending count = %d, want 1", st.PendingCount)
	}
	if st.RecoveryCodesRemaining != 2 {
		t.Fatalf("recovery codes = %d, want 2", st.RecoveryCodesRemaining)
	}
}

func TestStatusReportsDegraded(t *testing.T) {
	ts := newTestServer(t)
	ts.bus.Publish(events.Event{
		Type:     events.StorageDegraded,
		Severity: events.SeverityCritical,
		Message:  "eventlog append: disk I/O error",
	})

	st := decode[Status](t, ts.do(t, http.MethodGet, "/v1/status", nil))
	if len(st.Degraded) != 1 || st.Degraded[0] != "eventlog append" {
		t.Fatalf("degraded = %v", st.Degraded)
	}
}

type fakeChecker struct {
	info   *version.UpdateInfo
	err    error
	forced bool
}

func (f *fakeChecker) Check() (*version.UpdateInfo, error) { return f.info, f.err }

func (f *fakeChecker) ForceCheck() (*version.UpdateInfo, error) {
	f.forced = true
	return f.info, f.err
}

func TestUpdateCheck(t *testing.T) {
	ts := newTestServer(t)
	fc := &fakeChecker{info: &version.UpdateInfo{
		CurrentVersion:  version.Current,
		LatestVersion:   "99.0.0",
		UpdateAvailable: true,
	}}
	ts.srv.updates = fc

	info := decode[version.UpdateInfo](t, ts.do(t, http.MethodGet, "/v1/update", nil))
	if !info.UpdateAvailable || info.LatestVersion != "99.0.0" {
		t.Fatalf("update info = %+v", info)
	}
	if fc.forced {
		t.Fatal("plain check bypassed the cache")
	}

	resp := ts.do(t, http.MethodGet, "/v1/update?force=true", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if !fc.forced {
		t.Fatal("force=true did not bypass the cache")
	}
}

func TestUpdateCheckReportsErrorInBand(t *testing.T) {
	ts := newTestServer(t)
	ts.srv.updates = &fakeChecker{err: errors.New("github unreachable")}

	resp := ts.do(t, http.MethodGet, "/v1/update", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d, want 200", resp.StatusCode)
	}
	body := decode[map[string]any](t, resp)
	if body["error"] != "github unreachable" {
		t.Fatalf("body = %v", body)
	}
	if body["update_available"] != false {
		t.Fatalf("update_available = %v, want false", body["update_available"])
	}
}

func TestPendingLifecycle(t *testing.T) {
	ts := newTestServer(t)
	ts.attach(t, "1-2", "SN1")

	pending := decode[[]engine.PendingInfo](t, ts.do(t, http.MethodGet, "/v1/pending", nil))
	if len(pending) != 1 || pending[0].Device.BusPath != "1-2" {
		t.Fatalf("pending = %+v", pending)
	}

	resp := ts.do(t, http.MethodPost, "/v1/pending/1-2/code", submitRequest{Code: ts.code()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	res := decode[engine.Result](t, resp)
	if res.Outcome != engine.StateAuthorized {
		t.Fatalf("outcome = %v", res.Outcome)
	}

	pending = decode[[]engine.PendingInfo](t, ts.do(t, http.MethodGet, "/v1/pending", nil))
	if len(pending) != 0 {
		t.Fatalf("pending after approval = %+v", pending)
	}
}

func TestSubmitCodeErrors(t *testing.T) {
	ts := newTestServer(t)
	ts.attach(t, "1-2", "SN1")

	resp := ts.do(t, http.MethodPost, "/v1/pending/1-2/code", submitRequest{Code: "000000"})
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad code status = %d, want 403", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/v1/pending/9-9/code", submitRequest{Code: ts.code()})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown bus status = %d, want 404", resp.StatusCode)
	}

	resp = ts.do(t, http.MethodPost, "/v1/pending/1-2/deny", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deny status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodPost, "/v1/pending/1-2/deny", nil)
	if resp.StatusCode != http.StatusNotFound && resp.StatusCode != http.StatusConflict {
		t.Fatalf("double deny status = %d", resp.StatusCode)
	}
}

func TestPowerOnlyEndpoint(t *testing.T) {
	ts := newTestServer(t)
	ts.attach(t, "1-2", "SN1")

	resp := ts.do(t, http.MethodPost, "/v1/pending/1-2/power-only", submitRequest{Code: ts.code()})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	res := decode[engine.Result](t, resp)
	if res.Outcome != engine.StatePowerOnly {
		t.Fatalf("outcome = %v", res.Outcome)
	}
}

func TestWhitelistCRUD(t *testing.T) {
	ts := newTestServer(t)

	resp := ts.do(t, http.MethodPost, "/v1/whitelist", whitelist.Entry{
		Serial:      "SN1",
		VendorID:    0x0781,
		ProductName: "Ultra Fit",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add status = %d", resp.StatusCode)
	}

	entries := decode[[]whitelist.Entry](t, ts.do(t, http.MethodGet, "/v1/whitelist", nil))
	if len(entries) != 1 || entries[0].Serial != "SN1" {
		t.Fatalf("entries = %+v", entries)
	}

	notes := "work laptop dongle"
	resp = ts.do(t, http.MethodPatch, "/v1/whitelist/SN1", whitelistUpdateRequest{Notes: &notes})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update status = %d", resp.StatusCode)
	}
	updated := decode[whitelist.Entry](t, resp)
	if updated.Notes != notes {
		t.Fatalf("notes = %q", updated.Notes)
	}

	entries = decode[[]whitelist.Entry](t, ts.do(t, http.MethodGet, "/v1/whitelist?q=dongle", nil))
	if len(entries) != 1 {
		t.Fatalf("search found %d entries", len(entries))
	}

	resp = ts.do(t, http.MethodDelete, "/v1/whitelist/SN1", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("remove status = %d", resp.StatusCode)
	}
	resp = ts.do(t, http.MethodDelete, "/v1/whitelist/SN1", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("second remove status = %d", resp.StatusCode)
	}
}

func TestWhitelistAddRequiresSerial(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/v1/whitelist", whitelist.Entry{ProductName: "no serial"})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", resp.StatusCode)
	}
}

func TestWhitelistExportImport(t *testing.T) {
	ts := newTestServer(t)
	ts.do(t, http.MethodPost, "/v1/whitelist", whitelist.Entry{Serial: "SN1"})
	ts.do(t, http.MethodPost, "/v1/whitelist", whitelist.Entry{Serial: "SN2"})

	export := decode[whitelistExport](t, ts.do(t, http.MethodGet, "/v1/whitelist/export", nil))
	if export.Version != 1 || len(export.Entries) != 2 {
		t.Fatalf("export = %+v", export)
	}

	resp := ts.do(t, http.MethodPost, "/v1/whitelist/import?mode=replace", whitelistExport{
		Version: 1,
		Entries: []whitelist.Entry{{Serial: "SN3"}},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("import status = %d", resp.StatusCode)
	}
	counts := decode[map[string]int](t, resp)
	if counts["imported"] != 1 {
		t.Fatalf("imported = %d", counts["imported"])
	}

	entries := decode[[]whitelist.Entry](t, ts.do(t, http.MethodGet, "/v1/whitelist", nil))
	if len(entries) != 1 || entries[0].Serial != "SN3" {
		t.Fatalf("entries after replace import = %+v", entries)
	}
}

func TestEventsQuery(t *testing.T) {
	ts := newTestServer(t)
	ts.attach(t, "1-2", "SN1")
	ts.do(t, http.MethodPost, "/v1/pending/1-2/deny", nil)

	recs := decode[[]eventlog.Record](t, ts.do(t, http.MethodGet, "/v1/events", nil))
	if len(recs) != 1 || recs[0].Action != eventlog.ActionDeny {
		t.Fatalf("records = %+v", recs)
	}

	recs = decode[[]eventlog.Record](t, ts.do(t, http.MethodGet, "/v1/events?action=connect", nil))
	if len(recs) != 0 {
		t.Fatalf("filtered records = %+v", recs)
	}

	resp := ts.do(t, http.MethodGet, "/v1/events?since=not-a-time", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad since status = %d", resp.StatusCode)
	}
}

func TestWebSocketFeed(t *testing.T) {
	ts := newTestServer(t)

	wsURL := "ws" + strings.TrimPrefix(ts.ts.URL, "http") + "/v1/ws"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.Close()

	// Give the hub time to register the connection before publishing.
	deadline := time.Now().Add(2 * time.Second)
	for ts.srv.hub.ClientCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("client never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	ts.attach(t, "1-2", "SN1")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		t.Fatal(err)
	}
	if f.Type != "prompt" {
		t.Fatalf("frame type = %q, want prompt", f.Type)
	}
	var e events.Event
	if err := json.Unmarshal(f.Payload, &e); err != nil {
		t.Fatal(err)
	}
	if e.Device.BusPath != "1-2" || !e.CanRemember {
		t.Fatalf("event = %+v", e)
	}
}
