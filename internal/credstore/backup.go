package credstore

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// backupEnvelope carries the encrypted blob together with the KDF salt, so
// a restore on the same machine decrypts cleanly.
type backupEnvelope struct {
	Version  int    `json:"version"`
	AuthData string `json:"auth_data"`
	Salt     string `json:"salt"`
}

// Export writes the encrypted credential blob and salt to path as a backup.
// The payload stays encrypted; the export is safe to store off-box.
func (s *Store) Export(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	blob, err := os.ReadFile(s.credPath())
	if os.IsNotExist(err) {
		return ErrNotConfigured
	}
	if err != nil {
		return fmt.Errorf("read credential file: %w", err)
	}
	salt, err := os.ReadFile(filepath.Join(s.dir, saltFileName))
	if err != nil {
		return fmt.Errorf("read salt: %w", err)
	}

	env := backupEnvelope{
		Version:  1,
		AuthData: base64.StdEncoding.EncodeToString(blob),
		Salt:     base64.StdEncoding.EncodeToString(salt),
	}
	data, err := json.MarshalIndent(env, "", "  ")
	if err != nil {
		return fmt.Errorf("encode backup: %w", err)
	}

	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("write backup: %w", err)
	}
	return nil
}

// Import restores a backup created by Export and re-derives the cipher with
// the restored salt.
func (s *Store) Import(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read backup: %w", err)
	}

	var env backupEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("parse backup: %w", err)
	}

	blob, err := base64.StdEncoding.DecodeString(env.AuthData)
	if err != nil {
		return fmt.Errorf("parse backup: %w", err)
	}
	salt, err := base64.StdEncoding.DecodeString(env.Salt)
	if err != nil || len(salt) != saltLen {
		return fmt.Errorf("parse backup: invalid salt")
	}

	if err := os.WriteFile(filepath.Join(s.dir, saltFileName), salt, 0o600); err != nil {
		return fmt.Errorf("restore salt: %w", err)
	}
	if err := os.WriteFile(s.credPath(), blob, 0o600); err != nil {
		return fmt.Errorf("restore credential file: %w", err)
	}

	return s.initCipher()
}
