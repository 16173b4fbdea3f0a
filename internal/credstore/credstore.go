// Package credstore persists the TOTP secret and recovery-code hashes under
// authenticated encryption.
//
// The encryption key is derived with PBKDF2 from the machine identity plus
// a random per-installation salt, so the blob is useless when copied to
// another machine. The blob itself is AES-256-GCM: any corruption or KDF
// input change fails the authentication tag, which is reported distinctly
// from plain I/O failures.
package credstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/pbkdf2"
)

const (
	credFileName = "auth.enc"
	saltFileName = "salt"
	uuidFileName = "machine-uuid"

	kdfIterations = 100_000
	keyLen        = 32
	saltLen       = 16

	machineIDPath = "/etc/machine-id"
)

var (
	// ErrNotConfigured means no credential blob exists yet.
	ErrNotConfigured = errors.New("credentials not configured")

	// ErrDecrypt means the blob exists but failed authentication, from a
	// corrupted file or changed machine identity.
	ErrDecrypt = errors.New("credential decryption failed")
)

// Credential is the decrypted payload.
type Credential struct {
	TOTPSecret         []byte    `json:"totp_secret"`
	RecoveryCodeHashes []string  `json:"recovery_code_hashes"`
	CreatedAt          time.Time `json:"created_at"`
}

// Store manages the encrypted credential file for one state directory.
type Store struct {
	dir string

	mu   sync.Mutex
	aead cipher.AEAD
}

// Open prepares a store rooted at dir, creating the directory (owner-only)
// and deriving the encryption key.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create state dir: %w", err)
	}

	s := &Store{dir: dir}
	if err := s.initCipher(); err != nil {
		return nil, err
	}
	return s, nil
}

// IsConfigured reports whether a credential blob exists and decrypts.
func (s *Store) IsConfigured() bool {
	_, err := s.Load()
	return err == nil
}

// Save encrypts and writes the credential atomically with owner-only
// permissions.
func (s *Store) Save(cred *Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saveLocked(cred)
}

// Load decrypts the credential blob. Returns ErrNotConfigured when the file
// is missing and ErrDecrypt when authentication fails.
func (s *Store) Load() (*Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loadLocked()
}

// ConsumeRecoveryCode removes one used hash from the stored credential.
// The load-modify-save cycle runs under the store lock so two concurrent
// verifications cannot both spend the same code.
func (s *Store) ConsumeRecoveryCode(hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cred, err := s.loadLocked()
	if err != nil {
		return err
	}

	kept := cred.RecoveryCodeHashes[:0]
	removed := false
	for _, h := range cred.RecoveryCodeHashes {
		if !removed && h == hash {
			removed = true
			continue
		}
		kept = append(kept, h)
	}
	if !removed {
		return fmt.Errorf("recovery code already used")
	}
	cred.RecoveryCodeHashes = kept

	return s.saveLocked(cred)
}

// RemainingRecoveryCodes returns how many unused codes are left, zero when
// unconfigured.
func (s *Store) RemainingRecoveryCodes() int {
	cred, err := s.Load()
	if err != nil {
		return 0
	}
	return len(cred.RecoveryCodeHashes)
}

// Reset deletes the credential blob. The salt and machine UUID survive so a
// later setup reuses the same key derivation inputs.
func (s *Store) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	err := os.Remove(s.credPath())
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential file: %w", err)
	}
	return nil
}

func (s *Store) saveLocked(cred *Credential) error {
	plain, err := json.Marshal(cred)
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}

	nonce := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	blob := s.aead.Seal(nonce, nonce, plain, nil)

	tmp := s.credPath() + ".tmp"
	if err := os.WriteFile(tmp, blob, 0o600); err != nil {
		return fmt.Errorf("write credential file: %w", err)
	}
	if err := os.Rename(tmp, s.credPath()); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write credential file: %w", err)
	}
	return nil
}

func (s *Store) loadLocked() (*Credential, error) {
	blob, err := os.ReadFile(s.credPath())
	if os.IsNotExist(err) {
		return nil, ErrNotConfigured
	}
	if err != nil {
		return nil, fmt.Errorf("read credential file: %w", err)
	}

	if len(blob) < s.aead.NonceSize() {
		return nil, ErrDecrypt
	}
	nonce, ciphertext := blob[:s.aead.NonceSize()], blob[s.aead.NonceSize():]

	plain, err := s.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	var cred Credential
	if err := json.Unmarshal(plain, &cred); err != nil {
		return nil, ErrDecrypt
	}
	return &cred, nil
}

func (s *Store) initCipher() error {
	salt, err := s.loadOrCreateSalt()
	if err != nil {
		return err
	}

	passphrase, err := s.machineIdentity()
	if err != nil {
		return err
	}

	key := pbkdf2.Key([]byte(passphrase), salt, kdfIterations, keyLen, sha256.New)

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return fmt.Errorf("init cipher: %w", err)
	}
	s.aead = aead
	return nil
}

func (s *Store) loadOrCreateSalt() ([]byte, error) {
	path := filepath.Join(s.dir, saltFileName)

	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltLen {
		return salt, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read salt: %w", err)
	}

	salt = make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	if err := os.WriteFile(path, salt, 0o600); err != nil {
		return nil, fmt.Errorf("write salt: %w", err)
	}
	return salt, nil
}

// machineIdentity returns the stable per-machine KDF input: the OS
// machine-id when present, otherwise a random UUID generated once and
// persisted in the state dir. Never a guessable constant.
func (s *Store) machineIdentity() (string, error) {
	if data, err := os.ReadFile(machineIDPath); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	path := filepath.Join(s.dir, uuidFileName)
	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id := uuid.NewString()
	if err := os.WriteFile(path, []byte(id+"\n"), 0o600); err != nil {
		return "", fmt.Errorf("persist machine uuid: %w", err)
	}
	return id, nil
}

func (s *Store) credPath() string {
	return filepath.Join(s.dir, credFileName)
}
