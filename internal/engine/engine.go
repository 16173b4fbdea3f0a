// Package engine orchestrates device authorization: it suspends newly
// attached devices, consults the whitelist, runs the interactive
// confirmation window, applies the decision to the device control surface
// and records the outcome.
//
// Every pending device gets its own session guarded by its own lock, so a
// slow interactive prompt for one device never stalls decisions for
// another. A session accepts exactly one terminal transition; late timer
// fires and late submissions are rejected instead of re-applying a
// conflicting device-control command.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"secureusb/internal/credstore"
	"secureusb/internal/devctl"
	"secureusb/internal/device"
	"secureusb/internal/eventlog"
	"secureusb/internal/events"
	"secureusb/internal/totp"
	"secureusb/internal/whitelist"
)

// State is the lifecycle position of one pending authorization.
type State int

const (
	StateDetected State = iota
	StateSuspended
	StateAwaitingAuth
	StateAuthorized
	StatePowerOnly
	StateDenied
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateDetected:
		return "detected"
	case StateSuspended:
		return "suspended"
	case StateAwaitingAuth:
		return "awaiting_auth"
	case StateAuthorized:
		return "authorized"
	case StatePowerOnly:
		return "power_only"
	case StateDenied:
		return "denied"
	case StateTimedOut:
		return "timed_out"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

func (s State) terminal() bool {
	return s >= StateAuthorized
}

// MarshalJSON emits the state name so API responses stay readable.
func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

func (s *State) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for st := StateDetected; st <= StateCancelled; st++ {
		if st.String() == name {
			*s = st
			return nil
		}
	}
	return fmt.Errorf("unknown state %q", name)
}

var (
	// ErrNoPending means no undecided authorization exists for the bus path.
	ErrNoPending = errors.New("no pending authorization")

	// ErrAlreadyResolved means the authorization reached a terminal state
	// before this request arrived.
	ErrAlreadyResolved = errors.New("authorization already resolved")

	// ErrInvalidCode means the submitted TOTP or recovery code did not
	// verify. The countdown keeps running.
	ErrInvalidCode = errors.New("invalid code")

	// ErrNoSerial means the device cannot be remembered because it has no
	// serial number.
	ErrNoSerial = errors.New("device has no serial number")
)

// Options is the engine's policy snapshot.
type Options struct {
	// Enabled arms protection. When false, attached devices are allowed
	// through and logged.
	Enabled bool

	// Timeout is the interactive confirmation window. The caller is
	// responsible for clamping it to the configured range.
	Timeout time.Duration

	// RequireTOTPForWhitelisted prompts for a code even on whitelist hits;
	// the remember offer is suppressed for those prompts.
	RequireTOTPForWhitelisted bool

	// DriftWindow is the TOTP clock-drift tolerance in steps.
	DriftWindow int
}

// Result reports how a submission concluded.
type Result struct {
	Outcome    State  `json:"outcome"`
	Remembered bool   `json:"remembered"`
	Detail     string `json:"detail,omitempty"`
}

// PendingInfo is the externally visible view of one undecided device.
type PendingInfo struct {
	Device      device.Identity `json:"device"`
	RequestedAt time.Time       `json:"requested_at"`
	Deadline    time.Time       `json:"deadline"`
	State       string          `json:"state"`
	CanRemember bool            `json:"can_remember"`
}

type session struct {
	mu          sync.Mutex
	id          device.Identity
	requestedAt time.Time
	deadline    time.Time
	state       State
	timer       *time.Timer
	whitelisted bool
}

// Engine owns all per-device sessions and the shared services they act on.
type Engine struct {
	opts   Options
	ctrl   devctl.Controller
	wl     *whitelist.Store
	creds  *credstore.Store
	log    *eventlog.Log
	bus    *events.Bus
	logger *zap.Logger
	now    func() time.Time

	vmu      sync.Mutex
	verifier *totp.Verifier

	mu       sync.Mutex
	sessions map[string]*session
}

// New wires an engine. All collaborators are required except bus, which may
// be nil when nothing listens.
func New(opts Options, ctrl devctl.Controller, wl *whitelist.Store, creds *credstore.Store, log *eventlog.Log, bus *events.Bus, logger *zap.Logger) *Engine {
	if bus == nil {
		bus = events.NewBus()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		opts:     opts,
		ctrl:     ctrl,
		wl:       wl,
		creds:    creds,
		log:      log,
		bus:      bus,
		logger:   logger,
		now:      time.Now,
		sessions: make(map[string]*session),
	}
}

// HandleAttach runs the attach path for one device: immediate suspend,
// whitelist check, then either auto-decision or an interactive prompt with
// a deadline. Suspension happens before any policy check. Call it from its
// own goroutine; it may block on sysfs I/O.
func (e *Engine) HandleAttach(id device.Identity) {
	s := &session{
		id:          id,
		requestedAt: e.now(),
		state:       StateDetected,
	}

	// A fresh attach on a busy bus path means the device was unplugged
	// and replugged before we saw the detach; the stale session is dead.
	if old := e.swapSession(id.BusPath, s); old != nil {
		e.cancelSession(old, "replaced by new attach")
	}

	// Block first, ask questions later. The attach-to-block window is the
	// threat model.
	if err := e.ctrl.Suspend(id.BusPath); err != nil {
		e.logger.Error("suspend failed, denying device",
			zap.String("bus", id.BusPath), zap.Error(err))
		e.resolve(s, StateDenied, eventlog.MethodNone, false, "suspend failed: "+err.Error())
		return
	}
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateSuspended
	s.mu.Unlock()

	if !e.opts.Enabled || !e.creds.IsConfigured() {
		// Protection disarmed or setup incomplete: let the device through
		// so the machine stays usable, and say so in the audit trail.
		detail := "protection disabled"
		if e.opts.Enabled {
			detail = "authentication not configured"
		}
		e.resolve(s, StateAuthorized, eventlog.MethodNone, true, detail)
		return
	}

	if id.HasSerial() {
		entry, err := e.wl.Lookup(id.Serial)
		if err != nil {
			e.reportStorageDegraded("whitelist lookup", err)
		}
		if entry != nil {
			if !e.opts.RequireTOTPForWhitelisted {
				e.resolve(s, StateAuthorized, eventlog.MethodWhitelist, true, "")
				return
			}
			s.mu.Lock()
			s.whitelisted = true
			s.mu.Unlock()
		}
	}

	e.beginPrompt(s)
}

// HandleDetach cancels any pending authorization for the bus path and logs
// the disconnect.
func (e *Engine) HandleDetach(busPath string) {
	e.mu.Lock()
	s := e.sessions[busPath]
	e.mu.Unlock()

	if s != nil {
		e.cancelSession(s, "device unplugged")
		return
	}

	// Already-decided devices still get their disconnect recorded.
	e.appendLog(eventlog.Record{
		Action:  eventlog.ActionDisconnect,
		BusPath: busPath,
	})
	e.bus.Publish(events.Event{
		Type:   events.DeviceDetached,
		Device: device.Identity{BusPath: busPath},
	})
}

// SubmitCode verifies a TOTP code for the pending device and, on success,
// grants full access. remember adds the device to the whitelist.
func (e *Engine) SubmitCode(busPath, code string, remember bool) (Result, error) {
	return e.submit(busPath, code, remember, false, StateAuthorized)
}

// SubmitRecoveryCode verifies a one-time recovery code; the used code is
// invalidated on success.
func (e *Engine) SubmitRecoveryCode(busPath, code string, remember bool) (Result, error) {
	return e.submit(busPath, code, remember, true, StateAuthorized)
}

// RequestPowerOnly grants charge-only access; it requires a valid TOTP
// code like a full grant.
func (e *Engine) RequestPowerOnly(busPath, code string, remember bool) (Result, error) {
	return e.submit(busPath, code, remember, false, StatePowerOnly)
}

// Deny resolves the pending device as denied; no code required.
func (e *Engine) Deny(busPath string) (Result, error) {
	s, err := e.pendingSession(busPath)
	if err != nil {
		return Result{}, err
	}
	if err := e.resolve(s, StateDenied, eventlog.MethodNone, true, "user denied"); err != nil {
		return Result{}, err
	}
	return Result{Outcome: StateDenied}, nil
}

// Pending lists every undecided device.
func (e *Engine) Pending() []PendingInfo {
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.mu.Unlock()

	out := make([]PendingInfo, 0, len(sessions))
	for _, s := range sessions {
		s.mu.Lock()
		out = append(out, PendingInfo{
			Device:      s.id,
			RequestedAt: s.requestedAt,
			Deadline:    s.deadline,
			State:       s.state.String(),
			CanRemember: s.id.HasSerial() && !s.whitelisted,
		})
		s.mu.Unlock()
	}
	return out
}

// PendingCount returns how many devices are mid-authorization.
func (e *Engine) PendingCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sessions)
}

// Shutdown cancels every outstanding session without logging decisions;
// suspended devices stay suspended (default deny across restarts).
func (e *Engine) Shutdown() {
	e.mu.Lock()
	sessions := make([]*session, 0, len(e.sessions))
	for _, s := range e.sessions {
		sessions = append(sessions, s)
	}
	e.sessions = make(map[string]*session)
	e.mu.Unlock()

	for _, s := range sessions {
		s.mu.Lock()
		if !s.state.terminal() {
			s.state = StateCancelled
			if s.timer != nil {
				s.timer.Stop()
			}
		}
		s.mu.Unlock()
	}
}

// ─── Attach Path ────────────────────────────────────────────────────────

func (e *Engine) beginPrompt(s *session) {
	deadline := e.now().Add(e.opts.Timeout)

	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateAwaitingAuth
	s.deadline = deadline
	s.timer = time.AfterFunc(e.opts.Timeout, func() { e.expire(s) })
	canRemember := s.id.HasSerial() && !s.whitelisted
	s.mu.Unlock()

	e.logger.Info("awaiting authorization",
		zap.String("bus", s.id.BusPath),
		zap.String("device", s.id.Label()),
		zap.Time("deadline", deadline))

	e.bus.Publish(events.Event{
		Type:        events.PromptRequested,
		Device:      s.id,
		Deadline:    deadline,
		CanRemember: canRemember,
	})
}

// expire is the timeout callback. It consults current state through
// resolve's terminal gate, so a timer that fires after an approval is a
// no-op.
func (e *Engine) expire(s *session) {
	_ = e.resolve(s, StateTimedOut, eventlog.MethodNone, true, "authorization timeout")
}

func (e *Engine) submit(busPath, code string, remember, recovery bool, want State) (Result, error) {
	s, err := e.pendingSession(busPath)
	if err != nil {
		return Result{}, err
	}

	var method eventlog.AuthMethod
	var recoveryHash string
	if recovery {
		method = eventlog.MethodRecovery
		hash, ok := e.checkRecoveryCode(code)
		if !ok {
			return Result{}, e.failAuth(s, method)
		}
		recoveryHash = hash
	} else {
		method = eventlog.MethodTOTP
		if !e.verifyTOTPCode(code) {
			return Result{}, e.failAuth(s, method)
		}
	}

	if err := e.resolve(s, want, method, true, ""); err != nil {
		return Result{}, err
	}

	// A recovery code is spent only by the submission that wins the
	// terminal transition; a timeout that beats it leaves the code usable.
	if recovery {
		e.spendRecoveryCode(recoveryHash)
	}

	res := Result{Outcome: want}
	if remember {
		if remembered, rememberErr := e.rememberDevice(s); rememberErr != nil {
			res.Detail = rememberErr.Error()
		} else {
			res.Remembered = remembered
		}
	}
	return res, nil
}

func (e *Engine) pendingSession(busPath string) (*session, error) {
	e.mu.Lock()
	s := e.sessions[busPath]
	e.mu.Unlock()

	if s == nil {
		return nil, ErrNoPending
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.terminal() {
		return nil, ErrAlreadyResolved
	}
	if s.state != StateAwaitingAuth {
		return nil, ErrNoPending
	}
	return s, nil
}

func (e *Engine) failAuth(s *session, method eventlog.AuthMethod) error {
	e.appendLog(eventlog.DeviceRecord(s.id, eventlog.ActionAuthFailed, method, false, "invalid code"))
	e.bus.Publish(events.Event{
		Type:     events.AuthFailed,
		Severity: events.SeverityWarning,
		Device:   s.id,
	})
	return ErrInvalidCode
}

// rememberDevice adds the session's device to the whitelist. Serial-less
// devices cannot be remembered; the caller surfaces that to the UI.
func (e *Engine) rememberDevice(s *session) (bool, error) {
	if !s.id.HasSerial() {
		return false, ErrNoSerial
	}
	s.mu.Lock()
	alreadyListed := s.whitelisted
	s.mu.Unlock()
	if alreadyListed {
		return false, nil
	}

	err := e.wl.Add(whitelist.Entry{
		Serial:      s.id.Serial,
		VendorID:    s.id.VendorID,
		ProductID:   s.id.ProductID,
		VendorName:  s.id.VendorName,
		ProductName: s.id.ProductName,
	})
	if err != nil {
		e.reportStorageDegraded("whitelist add", err)
		return false, nil
	}
	e.appendLog(eventlog.DeviceRecord(s.id, eventlog.ActionWhitelistAdded, eventlog.MethodNone, true, ""))
	return true, nil
}

// ─── Terminal Transition ────────────────────────────────────────────────

// resolve performs the single terminal transition for a session: state
// flip, timer cancellation, one device-control call and one audit append.
// The first caller wins; everyone else gets ErrAlreadyResolved.
func (e *Engine) resolve(s *session, outcome State, method eventlog.AuthMethod, success bool, detail string) error {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return ErrAlreadyResolved
	}
	s.state = outcome
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	whitelisted := s.whitelisted
	s.mu.Unlock()

	e.dropSession(s)

	action, logMethod, logSuccess, logDetail := e.applyDecision(s.id, outcome, method, success, detail)

	e.appendLog(eventlog.DeviceRecord(s.id, action, logMethod, logSuccess, logDetail))

	if outcome == StateAuthorized && (method == eventlog.MethodWhitelist || whitelisted) && s.id.HasSerial() {
		if err := e.wl.RecordUse(s.id.Serial); err != nil {
			e.reportStorageDegraded("whitelist record use", err)
		}
	}

	severity := events.SeverityInfo
	if outcome == StateDenied || outcome == StateTimedOut {
		severity = events.SeverityWarning
	}
	e.bus.Publish(events.Event{
		Type:     events.DeviceDecided,
		Severity: severity,
		Device:   s.id,
		Outcome:  outcome.String(),
		Message:  logDetail,
	})

	e.logger.Info("authorization resolved",
		zap.String("bus", s.id.BusPath),
		zap.String("device", s.id.Label()),
		zap.String("outcome", outcome.String()),
		zap.String("method", string(logMethod)))
	return nil
}

// applyDecision converts a terminal state into the matching device-control
// call and audit classification. Failed grants are retried once, then
// recorded as grant_failed with the device left suspended.
func (e *Engine) applyDecision(id device.Identity, outcome State, method eventlog.AuthMethod, success bool, detail string) (eventlog.Action, eventlog.AuthMethod, bool, string) {
	switch outcome {
	case StateAuthorized:
		if err := e.enableWithRetry(id.BusPath, e.ctrl.EnableFull); err != nil {
			return eventlog.ActionGrantFailed, method, false, "enable failed: " + err.Error()
		}
		return eventlog.ActionConnect, method, success, detail

	case StatePowerOnly:
		if err := e.enableWithRetry(id.BusPath, e.ctrl.EnablePowerOnly); err != nil {
			return eventlog.ActionGrantFailed, method, false, "enable failed: " + err.Error()
		}
		return eventlog.ActionPowerOnly, method, success, detail

	case StateTimedOut:
		// Nothing to apply: the device is already suspended and stays so.
		return eventlog.ActionTimeout, eventlog.MethodNone, true, detail

	default: // Denied
		return eventlog.ActionDeny, method, success, detail
	}
}

func (e *Engine) enableWithRetry(busPath string, enable func(string) error) error {
	err := enable(busPath)
	if err == nil {
		return nil
	}
	e.logger.Warn("enable failed, retrying", zap.String("bus", busPath), zap.Error(err))
	return enable(busPath)
}

// cancelSession stops a pending session without a decision: the device was
// unplugged (or superseded), so there is nothing left to control.
func (e *Engine) cancelSession(s *session, reason string) {
	s.mu.Lock()
	if s.state.terminal() {
		s.mu.Unlock()
		return
	}
	s.state = StateCancelled
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.mu.Unlock()

	e.dropSession(s)

	e.appendLog(eventlog.DeviceRecord(s.id, eventlog.ActionDisconnect, eventlog.MethodNone, true, reason))
	e.bus.Publish(events.Event{
		Type:    events.DeviceDetached,
		Device:  s.id,
		Message: reason,
	})
}

// ─── Session Map ────────────────────────────────────────────────────────

func (e *Engine) swapSession(busPath string, s *session) *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	old := e.sessions[busPath]
	e.sessions[busPath] = s
	return old
}

func (e *Engine) dropSession(s *session) {
	e.mu.Lock()
	if e.sessions[s.id.BusPath] == s {
		delete(e.sessions, s.id.BusPath)
	}
	e.mu.Unlock()
}

// ─── Verification ───────────────────────────────────────────────────────

func (e *Engine) verifyTOTPCode(code string) bool {
	e.vmu.Lock()
	defer e.vmu.Unlock()

	if e.verifier == nil {
		cred, err := e.creds.Load()
		if err != nil {
			e.logger.Error("credential load failed", zap.Error(err))
			return false
		}
		e.verifier = totp.NewVerifier(cred.TOTPSecret, e.opts.DriftWindow)
	}
	return e.verifier.Verify(code, e.now())
}

// checkRecoveryCode verifies a recovery code against the stored hashes
// without invalidating it. The matched hash is returned so the winning
// submission can spend it afterwards.
func (e *Engine) checkRecoveryCode(code string) (string, bool) {
	cred, err := e.creds.Load()
	if err != nil {
		e.logger.Error("credential load failed", zap.Error(err))
		return "", false
	}
	return totp.VerifyRecoveryCode(code, cred.RecoveryCodeHashes)
}

// spendRecoveryCode invalidates a verified recovery code. ConsumeRecoveryCode
// serializes against concurrent spends; losing that race means another
// grant already used the code.
func (e *Engine) spendRecoveryCode(hash string) {
	if err := e.creds.ConsumeRecoveryCode(hash); err != nil {
		e.logger.Warn("recovery code spend failed", zap.Error(err))
		return
	}
	e.logger.Info("recovery code used",
		zap.Int("remaining", e.creds.RemainingRecoveryCodes()))
}

// ─── Bookkeeping ────────────────────────────────────────────────────────

// appendLog writes to the audit trail. Failures are reported but never
// block the decision that produced the record.
func (e *Engine) appendLog(rec eventlog.Record) {
	if err := e.log.Append(rec); err != nil {
		e.reportStorageDegraded("eventlog append", err)
	}
}

func (e *Engine) reportStorageDegraded(op string, err error) {
	e.logger.Error("storage degraded", zap.String("op", op), zap.Error(err))
	e.bus.Publish(events.Event{
		Type:     events.StorageDegraded,
		Severity: events.SeverityCritical,
		Message:  fmt.Sprintf("%s: %v", op, err),
	})
}
