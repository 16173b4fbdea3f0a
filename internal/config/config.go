// Package config loads and persists the daemon configuration.
//
// The configuration is a single JSON file. Values are normalized on load:
// anything out of range is replaced with its default and the substitution
// is reported to the caller, so a hand-edited file can never push the
// daemon into an unsafe or undefined state.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	DefaultTimeoutSeconds = 30
	MinTimeoutSeconds     = 10
	MaxTimeoutSeconds     = 300
	DefaultRetentionDays  = 90
	DefaultStateDir       = "/var/lib/secureusb"
	DefaultSocketPath     = "/run/secureusb/daemon.sock"
	defaultConfigFileName = "config.json"
	actionDeny            = "deny"
)

// ErrInvalid wraps every value rejected during normalization.
var ErrInvalid = errors.New("invalid config value")

// Notify holds alert dispatch settings. URLs are Shoutrrr service URLs.
type Notify struct {
	URLs      []string `json:"urls"`
	OnDeny    bool     `json:"on_deny"`
	OnTimeout bool     `json:"on_timeout"`
}

// Config is the daemon configuration.
type Config struct {
	Enabled                   bool   `json:"enabled"`
	TimeoutSeconds            int    `json:"timeout_seconds"`
	DefaultAction             string `json:"default_action"`
	RequireTOTPForWhitelisted bool   `json:"require_totp_for_whitelisted"`
	LogRetentionDays          int    `json:"log_retention_days"`
	Notify                    Notify `json:"notify"`
	StateDir                  string `json:"state_dir"`
	SocketPath                string `json:"socket_path"`
}

// Default returns the configuration used when no file exists.
func Default() Config {
	return Config{
		Enabled:                   true,
		TimeoutSeconds:            DefaultTimeoutSeconds,
		DefaultAction:             actionDeny,
		RequireTOTPForWhitelisted: false,
		LogRetentionDays:          DefaultRetentionDays,
		Notify: Notify{
			OnDeny:    true,
			OnTimeout: true,
		},
		StateDir:   DefaultStateDir,
		SocketPath: DefaultSocketPath,
	}
}

// Load reads the config file at path. A missing file yields the defaults.
// The returned slice lists every substitution made during normalization;
// each element wraps ErrInvalid.
func Load(path string) (Config, []error, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return cfg, nil, nil
	}
	if err != nil {
		return cfg, nil, fmt.Errorf("read config: %w", err)
	}

	if err := json.Unmarshal(data, &cfg); err != nil {
		return Default(), nil, fmt.Errorf("parse config: %w", err)
	}

	rejected := cfg.normalize()
	return cfg, rejected, nil
}

// Save writes the configuration atomically with owner-only permissions.
func Save(path string, cfg Config) error {
	cfg.normalize()

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("encode config: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// DefaultPath returns the config file path under the given state dir.
func DefaultPath(stateDir string) string {
	return filepath.Join(stateDir, defaultConfigFileName)
}

// normalize clamps or resets every invalid field and reports what changed.
func (c *Config) normalize() []error {
	var rejected []error

	if c.TimeoutSeconds < MinTimeoutSeconds || c.TimeoutSeconds > MaxTimeoutSeconds {
		rejected = append(rejected, fmt.Errorf("%w: timeout_seconds=%d, using %d (allowed %d-%d)",
			ErrInvalid, c.TimeoutSeconds, DefaultTimeoutSeconds, MinTimeoutSeconds, MaxTimeoutSeconds))
		c.TimeoutSeconds = DefaultTimeoutSeconds
	}

	// Deny is the only safe unattended outcome. Anything else would mean
	// fail-open on timeout.
	if c.DefaultAction != actionDeny {
		rejected = append(rejected, fmt.Errorf("%w: default_action=%q, using %q",
			ErrInvalid, c.DefaultAction, actionDeny))
		c.DefaultAction = actionDeny
	}

	if c.LogRetentionDays < 1 {
		rejected = append(rejected, fmt.Errorf("%w: log_retention_days=%d, using %d",
			ErrInvalid, c.LogRetentionDays, DefaultRetentionDays))
		c.LogRetentionDays = DefaultRetentionDays
	}

	if c.StateDir == "" {
		rejected = append(rejected, fmt.Errorf("%w: state_dir empty, using %q", ErrInvalid, DefaultStateDir))
		c.StateDir = DefaultStateDir
	}
	if c.SocketPath == "" {
		rejected = append(rejected, fmt.Errorf("%w: socket_path empty, using %q", ErrInvalid, DefaultSocketPath))
		c.SocketPath = DefaultSocketPath
	}

	urls := c.Notify.URLs[:0]
	for _, u := range c.Notify.URLs {
		if u == "" {
			rejected = append(rejected, fmt.Errorf("%w: empty notify url dropped", ErrInvalid))
			continue
		}
		urls = append(urls, u)
	}
	c.Notify.URLs = urls

	return rejected
}
