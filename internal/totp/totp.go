// Package totp implements RFC 6238 time-based one-time passwords and
// one-time recovery codes for device authorization.
//
// SHA-1 with a 30 second step and 6 digits is used for compatibility with
// common authenticator apps.
package totp

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base32"
	"encoding/binary"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	// Step is the TOTP time step.
	Step = 30 * time.Second

	// Digits is the code length.
	Digits = 6

	// MaxWindow bounds the clock-drift tolerance passed to Verify.
	MaxWindow = 5

	secretLen = 20
)

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// NewSecret returns a fresh random TOTP secret.
func NewSecret() ([]byte, error) {
	secret := make([]byte, secretLen)
	if _, err := rand.Read(secret); err != nil {
		return nil, fmt.Errorf("generate totp secret: %w", err)
	}
	return secret, nil
}

// SecretString renders a secret in the base32 form authenticator apps expect.
func SecretString(secret []byte) string {
	return b32.EncodeToString(secret)
}

// SecretFromString parses a base32 secret, tolerating spaces, lowercase and
// trailing padding.
func SecretFromString(s string) ([]byte, error) {
	s = strings.ToUpper(strings.ReplaceAll(s, " ", ""))
	s = strings.TrimRight(s, "=")
	secret, err := b32.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("decode totp secret: %w", err)
	}
	return secret, nil
}

// ProvisioningURI returns the otpauth:// URI encoding the secret for QR
// enrollment in an authenticator app.
func ProvisioningURI(secret []byte, account, issuer string) string {
	v := url.Values{}
	v.Set("secret", SecretString(secret))
	v.Set("issuer", issuer)
	v.Set("algorithm", "SHA1")
	v.Set("digits", fmt.Sprintf("%d", Digits))
	v.Set("period", fmt.Sprintf("%d", int(Step.Seconds())))

	label := url.PathEscape(issuer + ":" + account)
	return "otpauth://totp/" + label + "?" + v.Encode()
}

// Generate computes the code for the step containing t.
func Generate(secret []byte, t time.Time) string {
	return hotp(secret, counter(t))
}

// Verify reports whether candidate matches the code for the step containing
// t, or an adjacent step within the drift window. The window is clamped to
// [0, MaxWindow]. Malformed candidates fail closed.
func Verify(secret []byte, candidate string, t time.Time, window int) bool {
	ok, _ := verifyAt(secret, candidate, t, window)
	return ok
}

// TimeRemaining returns whole seconds until the step containing t rolls over.
func TimeRemaining(t time.Time) int {
	step := int64(Step.Seconds())
	return int(step - t.Unix()%step)
}

// Verifier wraps a secret with replay protection: each accepted code
// consumes its time step, so a code verifies at most once per 30 second
// window even while still otherwise valid.
type Verifier struct {
	mu       sync.Mutex
	secret   []byte
	lastStep int64
	window   int
}

// NewVerifier returns a Verifier with the given drift window (clamped to
// [0, MaxWindow]).
func NewVerifier(secret []byte, window int) *Verifier {
	return &Verifier{secret: secret, lastStep: -1, window: clampWindow(window)}
}

// Verify checks candidate against the current time and consumes the matched
// step on success.
func (v *Verifier) Verify(candidate string, now time.Time) bool {
	v.mu.Lock()
	defer v.mu.Unlock()

	ok, step := verifyAt(v.secret, candidate, now, v.window)
	if !ok || step <= v.lastStep {
		return false
	}
	v.lastStep = step
	return true
}

func verifyAt(secret []byte, candidate string, t time.Time, window int) (bool, int64) {
	candidate = normalizeCode(candidate)
	if len(candidate) != Digits || !allDigits(candidate) {
		return false, 0
	}

	window = clampWindow(window)
	base := counter(t)

	// Check every step in the window so verification time does not reveal
	// which offset matched.
	matched := false
	var matchedStep int64
	for offset := -int64(window); offset <= int64(window); offset++ {
		step := base + offset
		if step < 0 {
			continue
		}
		if subtle.ConstantTimeCompare([]byte(hotp(secret, step)), []byte(candidate)) == 1 {
			matched = true
			matchedStep = step
		}
	}
	return matched, matchedStep
}

// hotp is the RFC 4226 dynamic-truncation HMAC-SHA1 code.
func hotp(secret []byte, step int64) string {
	var msg [8]byte
	binary.BigEndian.PutUint64(msg[:], uint64(step))

	mac := hmac.New(sha1.New, secret)
	mac.Write(msg[:])
	sum := mac.Sum(nil)

	offset := sum[len(sum)-1] & 0x0f
	code := binary.BigEndian.Uint32(sum[offset:offset+4]) & 0x7fffffff
	return fmt.Sprintf("%06d", code%1000000)
}

func counter(t time.Time) int64 {
	return t.Unix() / int64(Step.Seconds())
}

func clampWindow(window int) int {
	if window < 0 {
		return 0
	}
	if window > MaxWindow {
		return MaxWindow
	}
	return window
}

func normalizeCode(code string) string {
	code = strings.ReplaceAll(code, " ", "")
	return strings.ReplaceAll(code, "-", "")
}

func allDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
