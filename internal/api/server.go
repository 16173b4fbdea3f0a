// Package api exposes the daemon's control surface over a unix socket:
// status, pending authorizations, whitelist management, the audit log and
// a WebSocket feed of live events.
package api

import (
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"secureusb/internal/config"
	"secureusb/internal/credstore"
	"secureusb/internal/engine"
	"secureusb/internal/eventlog"
	"secureusb/internal/events"
	"secureusb/internal/middleware"
	"secureusb/internal/version"
	"secureusb/internal/whitelist"
)

// updateChecker is satisfied by version.Checker.
type updateChecker interface {
	Check() (*version.UpdateInfo, error)
	ForceCheck() (*version.UpdateInfo, error)
}

// Server routes control requests to the engine and stores.
type Server struct {
	cfg     config.Config
	eng     *engine.Engine
	wl      *whitelist.Store
	log     *eventlog.Log
	creds   *credstore.Store
	hub     *Hub
	updates updateChecker
	logger  *zap.Logger

	// degraded collects subsystems that reported storage failures since
	// the daemon started.
	degradedMu sync.Mutex
	degraded   map[string]struct{}

	httpSrv *http.Server
}

// New assembles the server and its WebSocket hub.
func New(cfg config.Config, eng *engine.Engine, wl *whitelist.Store, log *eventlog.Log, creds *credstore.Store, bus *events.Bus, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		cfg:      cfg,
		eng:      eng,
		wl:       wl,
		log:      log,
		creds:    creds,
		hub:      NewHub(bus, logger),
		updates:  version.NewChecker("secureusb", "secureusb"),
		logger:   logger,
		degraded: make(map[string]struct{}),
	}
	bus.Subscribe(func(e events.Event) {
		// Message is "operation: error"; the operation names the subsystem.
		op := e.Message
		if i := strings.Index(op, ":"); i > 0 {
			op = op[:i]
		}
		s.degradedMu.Lock()
		s.degraded[op] = struct{}{}
		s.degradedMu.Unlock()
	}, events.StorageDegraded)
	handler := middleware.Recover(logger, middleware.Logging(logger, s.routes()))
	s.httpSrv = &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Serve accepts connections on the listener until Shutdown. The caller
// owns listener setup so tests can pass an in-memory one.
func (s *Server) Serve(ln net.Listener) error {
	s.hub.Start()
	err := s.httpSrv.Serve(ln)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Close stops the HTTP server and disconnects WebSocket clients.
func (s *Server) Close() error {
	s.hub.Stop()
	return s.httpSrv.Close()
}

func (s *Server) routes() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /v1/status", s.handleStatus)
	mux.HandleFunc("GET /v1/update", s.handleUpdateCheck)

	mux.HandleFunc("GET /v1/pending", s.handlePending)
	mux.HandleFunc("POST /v1/pending/{bus}/code", s.handleSubmitCode)
	mux.HandleFunc("POST /v1/pending/{bus}/recovery", s.handleSubmitRecovery)
	mux.HandleFunc("POST /v1/pending/{bus}/power-only", s.handlePowerOnly)
	mux.HandleFunc("POST /v1/pending/{bus}/deny", s.handleDeny)

	mux.HandleFunc("GET /v1/whitelist", s.handleWhitelistList)
	mux.HandleFunc("POST /v1/whitelist", s.handleWhitelistAdd)
	mux.HandleFunc("PATCH /v1/whitelist/{serial}", s.handleWhitelistUpdate)
	mux.HandleFunc("DELETE /v1/whitelist/{serial}", s.handleWhitelistRemove)
	mux.HandleFunc("GET /v1/whitelist/export", s.handleWhitelistExport)
	mux.HandleFunc("POST /v1/whitelist/import", s.handleWhitelistImport)

	mux.HandleFunc("GET /v1/events", s.handleEvents)

	mux.HandleFunc("GET /v1/ws", s.hub.HandleConnection)

	return mux
}

// ─── Status ─────────────────────────────────────────────────────────────

// Status is the daemon health snapshot.
type Status struct {
	Version                string   `json:"version"`
	Enabled                bool     `json:"enabled"`
	Configured             bool     `json:"configured"`
	PendingCount           int      `json:"pending_count"`
	WhitelistCount         int      `json:"whitelist_count"`
	RecoveryCodesRemaining int      `json:"recovery_codes_remaining"`
	TimeoutSeconds         int      `json:"timeout_seconds"`
	Degraded               []string `json:"degraded,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	wlCount, err := s.wl.Count()
	if err != nil {
		s.logger.Error("whitelist count failed", zap.Error(err))
	}
	st := Status{
		Version:        version.Current,
		Enabled:        s.cfg.Enabled,
		Configured:     s.creds.IsConfigured(),
		PendingCount:   s.eng.PendingCount(),
		WhitelistCount: wlCount,
		TimeoutSeconds: s.cfg.TimeoutSeconds,
	}
	if st.Configured {
		st.RecoveryCodesRemaining = s.creds.RemainingRecoveryCodes()
	}
	s.degradedMu.Lock()
	for op := range s.degraded {
		st.Degraded = append(st.Degraded, op)
	}
	s.degradedMu.Unlock()
	sort.Strings(st.Degraded)
	jsonResponse(w, st)
}

func (s *Server) handleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	check := s.updates.Check
	if r.URL.Query().Get("force") == "true" {
		check = s.updates.ForceCheck
	}

	info, err := check()
	if err != nil {
		// An unreachable release endpoint is not a daemon fault; report it
		// in-band so callers can still render the current version.
		jsonResponse(w, map[string]any{
			"current_version":  version.Current,
			"update_available": false,
			"error":            err.Error(),
		})
		return
	}
	jsonResponse(w, info)
}

// ─── Pending Authorizations ─────────────────────────────────────────────

func (s *Server) handlePending(w http.ResponseWriter, r *http.Request) {
	pending := s.eng.Pending()
	if pending == nil {
		pending = []engine.PendingInfo{}
	}
	jsonResponse(w, pending)
}

type submitRequest struct {
	Code     string `json:"code"`
	Remember bool   `json:"remember"`
}

func (s *Server) handleSubmitCode(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, func(bus string, req submitRequest) (engine.Result, error) {
		return s.eng.SubmitCode(bus, req.Code, req.Remember)
	})
}

func (s *Server) handleSubmitRecovery(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, func(bus string, req submitRequest) (engine.Result, error) {
		return s.eng.SubmitRecoveryCode(bus, req.Code, req.Remember)
	})
}

func (s *Server) handlePowerOnly(w http.ResponseWriter, r *http.Request) {
	s.decide(w, r, func(bus string, req submitRequest) (engine.Result, error) {
		return s.eng.RequestPowerOnly(bus, req.Code, req.Remember)
	})
}

func (s *Server) handleDeny(w http.ResponseWriter, r *http.Request) {
	res, err := s.eng.Deny(r.PathValue("bus"))
	if err != nil {
		s.decisionError(w, err)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) decide(w http.ResponseWriter, r *http.Request, fn func(string, submitRequest) (engine.Result, error)) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	res, err := fn(r.PathValue("bus"), req)
	if err != nil {
		s.decisionError(w, err)
		return
	}
	jsonResponse(w, res)
}

func (s *Server) decisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, engine.ErrNoPending):
		jsonError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, engine.ErrAlreadyResolved):
		jsonError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, engine.ErrInvalidCode):
		jsonError(w, err.Error(), http.StatusForbidden)
	default:
		s.logger.Error("decision failed", zap.Error(err))
		jsonError(w, "internal error", http.StatusInternalServerError)
	}
}

// ─── Whitelist ──────────────────────────────────────────────────────────

func (s *Server) handleWhitelistList(w http.ResponseWriter, r *http.Request) {
	var (
		entries []whitelist.Entry
		err     error
	)
	if q := r.URL.Query().Get("q"); q != "" {
		entries, err = s.wl.Search(q)
	} else {
		entries, err = s.wl.All()
	}
	if err != nil {
		s.logger.Error("whitelist list failed", zap.Error(err))
		jsonError(w, "failed to list whitelist", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []whitelist.Entry{}
	}
	jsonResponse(w, entries)
}

func (s *Server) handleWhitelistAdd(w http.ResponseWriter, r *http.Request) {
	var e whitelist.Entry
	if err := json.NewDecoder(r.Body).Decode(&e); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if e.Serial == "" {
		jsonError(w, "serial is required", http.StatusBadRequest)
		return
	}
	if err := s.wl.Add(e); err != nil {
		s.logger.Error("whitelist add failed", zap.Error(err))
		jsonError(w, "failed to add entry", http.StatusInternalServerError)
		return
	}
	s.appendAudit(eventlog.ActionWhitelistAdded, e.Serial)
	w.WriteHeader(http.StatusCreated)
	jsonResponse(w, e)
}

type whitelistUpdateRequest struct {
	VendorName  *string `json:"vendor_name"`
	ProductName *string `json:"product_name"`
	Notes       *string `json:"notes"`
}

func (s *Server) handleWhitelistUpdate(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	var req whitelistUpdateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	entry, err := s.wl.Lookup(serial)
	if err != nil {
		s.logger.Error("whitelist lookup failed", zap.Error(err))
		jsonError(w, "failed to look up entry", http.StatusInternalServerError)
		return
	}
	if entry == nil {
		jsonError(w, "entry not found", http.StatusNotFound)
		return
	}

	if err := s.wl.UpdateInfo(serial, req.VendorName, req.ProductName, req.Notes); err != nil {
		s.logger.Error("whitelist update failed", zap.Error(err))
		jsonError(w, "failed to update entry", http.StatusInternalServerError)
		return
	}
	updated, err := s.wl.Lookup(serial)
	if err != nil || updated == nil {
		jsonError(w, "failed to reload entry", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, updated)
}

func (s *Server) handleWhitelistRemove(w http.ResponseWriter, r *http.Request) {
	serial := r.PathValue("serial")
	removed, err := s.wl.Remove(serial)
	if err != nil {
		s.logger.Error("whitelist remove failed", zap.Error(err))
		jsonError(w, "failed to remove entry", http.StatusInternalServerError)
		return
	}
	if !removed {
		jsonError(w, "entry not found", http.StatusNotFound)
		return
	}
	s.appendAudit(eventlog.ActionWhitelistRemoved, serial)
	w.WriteHeader(http.StatusNoContent)
}

// whitelistExport is the portable whitelist file format.
type whitelistExport struct {
	Version    int               `json:"version"`
	ExportedAt time.Time         `json:"exported_at"`
	Entries    []whitelist.Entry `json:"entries"`
}

func (s *Server) handleWhitelistExport(w http.ResponseWriter, r *http.Request) {
	entries, err := s.wl.All()
	if err != nil {
		s.logger.Error("whitelist export failed", zap.Error(err))
		jsonError(w, "failed to export whitelist", http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []whitelist.Entry{}
	}
	jsonResponse(w, whitelistExport{
		Version:    1,
		ExportedAt: time.Now().UTC(),
		Entries:    entries,
	})
}

func (s *Server) handleWhitelistImport(w http.ResponseWriter, r *http.Request) {
	var in whitelistExport
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	mode := whitelist.Merge
	if r.URL.Query().Get("mode") == "replace" {
		mode = whitelist.Replace
	}

	imported, err := s.wl.Import(in.Entries, mode)
	if err != nil {
		s.logger.Error("whitelist import failed", zap.Error(err))
		jsonError(w, "failed to import whitelist", http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]int{"imported": imported})
}

func (s *Server) appendAudit(action eventlog.Action, serial string) {
	err := s.log.Append(eventlog.Record{
		Action:     action,
		Serial:     serial,
		AuthMethod: eventlog.MethodNone,
		Success:    true,
	})
	if err != nil {
		s.logger.Error("audit append failed", zap.Error(err))
	}
}

// ─── Event Log ──────────────────────────────────────────────────────────

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := eventlog.Filter{
		Serial: q.Get("serial"),
		Action: eventlog.Action(q.Get("action")),
	}
	if v := q.Get("since"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			jsonError(w, "invalid since timestamp", http.StatusBadRequest)
			return
		}
		f.Since = t
	}
	if v := q.Get("until"); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			jsonError(w, "invalid until timestamp", http.StatusBadRequest)
			return
		}
		f.Until = t
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			jsonError(w, "invalid limit", http.StatusBadRequest)
			return
		}
		f.Limit = n
	}

	recs, err := s.log.Query(f)
	if err != nil {
		s.logger.Error("event query failed", zap.Error(err))
		jsonError(w, "failed to query events", http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []eventlog.Record{}
	}
	jsonResponse(w, recs)
}

// ─── Helpers ────────────────────────────────────────────────────────────

// jsonResponse sends a JSON response
func jsonResponse(w http.ResponseWriter, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(data)
}

// jsonError sends a JSON error response
func jsonError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}
