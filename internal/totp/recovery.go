package totp

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	recoveryCodeLen   = 12
	recoverySegment   = 4
	recoveryAlphabet  = "ABCDEFGHIJKLMNOPQRSTUVWXYZ234567"
	MinRecoveryCodes  = 1
	MaxRecoveryCodes  = 100
	RecoveryCodeCount = 10
)

// GenerateRecoveryCodes returns count one-time codes formatted
// XXXX-XXXX-XXXX. Count is clamped to [MinRecoveryCodes, MaxRecoveryCodes].
// The plaintext codes are shown to the user exactly once; only their hashes
// are stored.
func GenerateRecoveryCodes(count int) ([]string, error) {
	if count < MinRecoveryCodes {
		count = MinRecoveryCodes
	}
	if count > MaxRecoveryCodes {
		count = MaxRecoveryCodes
	}

	codes := make([]string, 0, count)
	buf := make([]byte, recoveryCodeLen)
	for i := 0; i < count; i++ {
		if _, err := rand.Read(buf); err != nil {
			return nil, fmt.Errorf("generate recovery code: %w", err)
		}
		raw := make([]byte, recoveryCodeLen)
		for j, b := range buf {
			raw[j] = recoveryAlphabet[int(b)%len(recoveryAlphabet)]
		}
		codes = append(codes, formatRecoveryCode(string(raw)))
	}
	return codes, nil
}

// HashRecoveryCode normalizes a code (separators stripped, uppercased) and
// returns its SHA-256 hex digest.
func HashRecoveryCode(code string) string {
	sum := sha256.Sum256([]byte(normalizeRecoveryCode(code)))
	return hex.EncodeToString(sum[:])
}

// VerifyRecoveryCode compares candidate against every stored hash in
// constant time per hash, with no early exit, and returns the matched hash
// so the caller can consume it.
func VerifyRecoveryCode(candidate string, hashes []string) (string, bool) {
	candidateHash := HashRecoveryCode(candidate)

	matched := ""
	found := false
	for _, h := range hashes {
		if subtle.ConstantTimeCompare([]byte(candidateHash), []byte(h)) == 1 {
			matched = h
			found = true
		}
	}
	return matched, found
}

// FormatRecoveryCode canonicalizes user input into XXXX-XXXX-XXXX form.
func FormatRecoveryCode(code string) (string, error) {
	clean := normalizeRecoveryCode(code)
	if len(clean) != recoveryCodeLen {
		return "", fmt.Errorf("recovery code must be %d characters, got %d", recoveryCodeLen, len(clean))
	}
	return formatRecoveryCode(clean), nil
}

func formatRecoveryCode(raw string) string {
	return raw[:recoverySegment] + "-" +
		raw[recoverySegment:2*recoverySegment] + "-" +
		raw[2*recoverySegment:]
}

func normalizeRecoveryCode(code string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(code) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		}
	}
	return b.String()
}
