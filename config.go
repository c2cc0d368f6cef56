// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
)

// =============================================================================
// CONFIGURATION
// =============================================================================

// EvictionPolicy selects what happens when a principal already holds the
// maximum number of concurrent sessions and another one is issued.
type EvictionPolicy string

const (
	// EvictLRU destroys the least-recently-used session to make room.
	EvictLRU EvictionPolicy = "evict-lru"

	// EvictReject refuses the new session instead.
	EvictReject EvictionPolicy = "reject"
)

// AuditConfig controls the file-backed audit logger.
type AuditConfig struct {
	// Enabled turns file audit logging on.
	Enabled bool `toml:"enabled" json:"enabled"`

	// Path is the audit log file. Empty with Enabled set is an error.
	Path string `toml:"path" json:"path"`

	// MaxSizeBytes rotates the log when it grows past this size.
	// Zero means the default (10 MiB).
	MaxSizeBytes int64 `toml:"max_size_bytes" json:"max_size_bytes"`

	// MaxRotations is how many rotated files to keep. Zero means 5.
	MaxRotations int `toml:"max_rotations" json:"max_rotations"`
}

// Config holds every tunable of the authentication core. The zero value
// is not usable; start from DefaultConfig.
type Config struct {
	// SessionTTLSecs is the sliding session lifetime.
	SessionTTLSecs int `toml:"session_ttl_secs" json:"session_ttl_secs"`

	// MaxConcurrentSessions caps live sessions per principal.
	MaxConcurrentSessions int `toml:"max_concurrent_sessions" json:"max_concurrent_sessions"`

	// Eviction is applied when the session cap is hit.
	Eviction EvictionPolicy `toml:"eviction" json:"eviction"`

	// LockoutThreshold is the consecutive-failure count that locks an
	// account.
	LockoutThreshold int `toml:"lockout_threshold" json:"lockout_threshold"`

	// LockoutDurationSecs is how long an automatic lockout lasts.
	LockoutDurationSecs int `toml:"lockout_duration_secs" json:"lockout_duration_secs"`

	// RateLimitPerWindow is the attempt budget per key per window.
	RateLimitPerWindow int `toml:"rate_limit_per_window" json:"rate_limit_per_window"`

	// RateWindowSecs is the rate-limit window length.
	RateWindowSecs int `toml:"rate_window_secs" json:"rate_window_secs"`

	// ChallengeLifetimeSecs bounds an MFA challenge from creation to
	// commit.
	ChallengeLifetimeSecs int `toml:"challenge_lifetime_secs" json:"challenge_lifetime_secs"`

	// ChallengeMaxAttempts bounds failed proof submissions per
	// challenge.
	ChallengeMaxAttempts int `toml:"challenge_max_attempts" json:"challenge_max_attempts"`

	// SweepIntervalSecs paces the background expiry sweeper. Zero
	// disables the sweeper.
	SweepIntervalSecs int `toml:"sweep_interval_secs" json:"sweep_interval_secs"`

	// LockDeadlineMillis bounds how long a mutating call waits for the
	// per-principal lock before returning ResourceUnavailable.
	LockDeadlineMillis int `toml:"lock_deadline_millis" json:"lock_deadline_millis"`

	// AllowedMethods restricts which methods may authenticate. Empty
	// means all known methods are allowed.
	AllowedMethods []Method `toml:"allowed_methods" json:"allowed_methods"`

	// RejectWeakOnLogin re-checks the password policy at login time and
	// fails the login when the stored password no longer satisfies it.
	RejectWeakOnLogin bool `toml:"reject_weak_on_login" json:"reject_weak_on_login"`

	// SMSDailyLimit caps SMS codes sent per enrollment per calendar
	// day.
	SMSDailyLimit int `toml:"sms_daily_limit" json:"sms_daily_limit"`

	// Audit configures the file audit logger.
	Audit AuditConfig `toml:"audit" json:"audit"`
}

// DefaultConfig returns the stock configuration.
func DefaultConfig() Config {
	return Config{
		SessionTTLSecs:        1800,
		MaxConcurrentSessions: 3,
		Eviction:              EvictLRU,
		LockoutThreshold:      5,
		LockoutDurationSecs:   900,
		RateLimitPerWindow:    60,
		RateWindowSecs:        3600,
		ChallengeLifetimeSecs: 300,
		ChallengeMaxAttempts:  3,
		SweepIntervalSecs:     60,
		LockDeadlineMillis:    5000,
		SMSDailyLimit:         10,
		Audit: AuditConfig{
			MaxSizeBytes: 10 * 1024 * 1024,
			MaxRotations: 5,
		},
	}
}

// LoadConfig reads a TOML config file, layering it over DefaultConfig.
// A missing file returns the defaults unchanged.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies environment variable overrides to the config.
//
// Supported variables:
//   - AUTHCORE_SESSION_TTL_SECS: overrides session_ttl_secs
//   - AUTHCORE_LOCKOUT_THRESHOLD: overrides lockout_threshold
//   - AUTHCORE_LOCKOUT_DURATION_SECS: overrides lockout_duration_secs
//   - AUTHCORE_RATE_LIMIT_PER_WINDOW: overrides rate_limit_per_window
//   - AUTHCORE_AUDIT_PATH: overrides audit.path and enables auditing
func (c *Config) ApplyEnvOverrides() {
	overrideInt := func(name string, dst *int) {
		if v := os.Getenv(name); v != "" {
			if n, err := strconv.Atoi(v); err == nil && n > 0 {
				*dst = n
			}
		}
	}
	overrideInt("AUTHCORE_SESSION_TTL_SECS", &c.SessionTTLSecs)
	overrideInt("AUTHCORE_LOCKOUT_THRESHOLD", &c.LockoutThreshold)
	overrideInt("AUTHCORE_LOCKOUT_DURATION_SECS", &c.LockoutDurationSecs)
	overrideInt("AUTHCORE_RATE_LIMIT_PER_WINDOW", &c.RateLimitPerWindow)

	if path := os.Getenv("AUTHCORE_AUDIT_PATH"); path != "" {
		c.Audit.Enabled = true
		c.Audit.Path = path
	}
}

// SaveConfig writes the configuration as TOML, creating parent
// directories as needed.
func SaveConfig(path string, cfg Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return fmt.Errorf("writing config %s: %w", path, err)
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}

// Validate rejects configurations the core cannot honor.
func (c Config) Validate() error {
	if c.SessionTTLSecs <= 0 {
		return fmt.Errorf("session_ttl_secs must be positive, got %d", c.SessionTTLSecs)
	}
	if c.MaxConcurrentSessions <= 0 {
		return fmt.Errorf("max_concurrent_sessions must be positive, got %d", c.MaxConcurrentSessions)
	}
	switch c.Eviction {
	case EvictLRU, EvictReject:
	default:
		return fmt.Errorf("unknown eviction policy %q", c.Eviction)
	}
	if c.LockoutThreshold <= 0 {
		return fmt.Errorf("lockout_threshold must be positive, got %d", c.LockoutThreshold)
	}
	if c.LockoutDurationSecs <= 0 {
		return fmt.Errorf("lockout_duration_secs must be positive, got %d", c.LockoutDurationSecs)
	}
	if c.RateLimitPerWindow <= 0 || c.RateWindowSecs <= 0 {
		return fmt.Errorf("rate limit window must be positive")
	}
	if c.ChallengeLifetimeSecs <= 0 {
		return fmt.Errorf("challenge_lifetime_secs must be positive, got %d", c.ChallengeLifetimeSecs)
	}
	for _, m := range c.AllowedMethods {
		if !m.Known() {
			return fmt.Errorf("unknown method %q in allowed_methods", m)
		}
	}
	if c.Audit.Enabled && c.Audit.Path == "" {
		return fmt.Errorf("audit.path required when audit.enabled is set")
	}
	return nil
}

// methodAllowed reports whether the configuration permits m.
func (c Config) methodAllowed(m Method) bool {
	if len(c.AllowedMethods) == 0 {
		return true
	}
	for _, a := range c.AllowedMethods {
		if a == m {
			return true
		}
	}
	return false
}
