// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import "sync"

// =============================================================================
// STATISTICS
// =============================================================================

// Stats is a point-in-time snapshot of the core's counters.
type Stats struct {
	TotalLogins           uint64 `json:"total_logins"`
	SuccessfulLogins      uint64 `json:"successful_logins"`
	FailedLogins          uint64 `json:"failed_logins"`
	LockedAccounts        int    `json:"locked_accounts"`
	ActiveSessions        int    `json:"active_sessions"`
	ExpiredSessions       uint64 `json:"expired_sessions"`
	MFASuccesses          uint64 `json:"mfa_successes"`
	MFAFailures           uint64 `json:"mfa_failures"`
	BiometricAttempts     uint64 `json:"biometric_attempts"`
	BiometricSuccesses    uint64 `json:"biometric_successes"`
	HardwareTokenAttempts uint64 `json:"hardware_token_attempts"`
	TOTPVerifications     uint64 `json:"totp_verifications"`
	SMSCodesSent          uint64 `json:"sms_codes_sent"`
	RateLimitTriggers     uint64 `json:"rate_limit_triggers"`
	PendingChallenges     int    `json:"pending_challenges"`
	PasswordChanges       uint64 `json:"password_changes"`
}

// counters accumulates monotonically under its own mutex so hot paths
// never contend with the session or lockout tables.
type counters struct {
	mu                    sync.Mutex
	totalLogins           uint64
	successfulLogins      uint64
	failedLogins          uint64
	expiredSessions       uint64
	mfaSuccesses          uint64
	mfaFailures           uint64
	biometricAttempts     uint64
	biometricSuccesses    uint64
	hardwareTokenAttempts uint64
	totpVerifications     uint64
	smsCodesSent          uint64
	rateLimitTriggers     uint64
	passwordChanges       uint64
}

func (c *counters) add(f func(*counters)) {
	c.mu.Lock()
	f(c)
	c.mu.Unlock()
}

// snapshot copies the counter values into a Stats; the caller fills in
// the gauge fields afterwards.
func (c *counters) snapshot() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		TotalLogins:           c.totalLogins,
		SuccessfulLogins:      c.successfulLogins,
		FailedLogins:          c.failedLogins,
		ExpiredSessions:       c.expiredSessions,
		MFASuccesses:          c.mfaSuccesses,
		MFAFailures:           c.mfaFailures,
		BiometricAttempts:     c.biometricAttempts,
		BiometricSuccesses:    c.biometricSuccesses,
		HardwareTokenAttempts: c.hardwareTokenAttempts,
		TOTPVerifications:     c.totpVerifications,
		SMSCodesSent:          c.smsCodesSent,
		RateLimitTriggers:     c.rateLimitTriggers,
		PasswordChanges:       c.passwordChanges,
	}
}
