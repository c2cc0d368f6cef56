// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file defines the failure taxonomy. Every user-visible failure is
// an *AuthError value carrying an ErrorKind; the embedder translates to
// its own taxonomy at the boundary, never before.

package authcore

import (
	"errors"
	"fmt"
)

// =============================================================================
// ERROR KINDS
// =============================================================================

// ErrorKind classifies an authentication failure.
type ErrorKind int

const (
	// KindUnknown is the zero kind; it is never produced by the core.
	KindUnknown ErrorKind = iota

	// Credential-level failures.
	KindInvalidCredentials
	KindWeakPassword
	KindPasswordReused
	KindMinimumAgeNotMet
	KindTokenUnknown
	KindTokenInactive
	KindTokenMismatch
	KindBiometricNotEnrolled
	KindBiometricMismatch
	KindTotpNotEnrolled
	KindTotpMismatch
	KindSmsNotEnrolled

	// Subject-level failures.
	KindAccountLocked
	KindAccountDisabled
	KindPrincipalUnknown

	// Protocol-level failures.
	KindChallengeUnknown
	KindChallengeExpired
	KindChallengeIncomplete
	KindMethodNotRequired
	KindMethodDisallowed
	KindUnsupportedMethodSet

	// Session-level failures.
	KindSessionUnknown
	KindSessionExpired
	KindSessionCapExceeded

	// Resource and hardware failures.
	KindBiometricHardwareUnavailable
	KindResourceUnavailable
	KindRateLimited

	// Configuration failures.
	KindInvalidEnrollmentParams
	KindNotInitialized
)

var kindNames = map[ErrorKind]string{
	KindInvalidCredentials:           "invalid_credentials",
	KindWeakPassword:                 "weak_password",
	KindPasswordReused:               "password_reused",
	KindMinimumAgeNotMet:             "minimum_age_not_met",
	KindTokenUnknown:                 "token_unknown",
	KindTokenInactive:                "token_inactive",
	KindTokenMismatch:                "token_mismatch",
	KindBiometricNotEnrolled:         "biometric_not_enrolled",
	KindBiometricMismatch:            "biometric_mismatch",
	KindTotpNotEnrolled:              "totp_not_enrolled",
	KindTotpMismatch:                 "totp_mismatch",
	KindSmsNotEnrolled:               "sms_not_enrolled",
	KindAccountLocked:                "account_locked",
	KindAccountDisabled:              "account_disabled",
	KindPrincipalUnknown:             "principal_unknown",
	KindChallengeUnknown:             "challenge_unknown",
	KindChallengeExpired:             "challenge_expired",
	KindChallengeIncomplete:          "challenge_incomplete",
	KindMethodNotRequired:            "method_not_required",
	KindMethodDisallowed:             "method_disallowed",
	KindUnsupportedMethodSet:         "unsupported_method_set",
	KindSessionUnknown:               "session_unknown",
	KindSessionExpired:               "session_expired",
	KindSessionCapExceeded:           "session_cap_exceeded",
	KindBiometricHardwareUnavailable: "biometric_hardware_unavailable",
	KindResourceUnavailable:          "resource_unavailable",
	KindRateLimited:                  "rate_limited",
	KindInvalidEnrollmentParams:      "invalid_enrollment_params",
	KindNotInitialized:               "not_initialized",
}

// String returns the stable wire name of the kind.
func (k ErrorKind) String() string {
	if name, ok := kindNames[k]; ok {
		return name
	}
	return "unknown"
}

// =============================================================================
// AUTH ERROR
// =============================================================================

// AuthError is the structured failure returned by every core operation.
type AuthError struct {
	// Kind classifies the failure.
	Kind ErrorKind

	// Op is the operation that failed, e.g. "authenticate_password".
	Op string

	// Detail is a short human-readable explanation. It never contains
	// credential material or full session tokens.
	Detail string

	// RetryAfterMs is set for KindRateLimited: the monotonic timestamp
	// at which the caller may retry.
	RetryAfterMs int64

	// UnlockAtMs is set for temporary KindAccountLocked failures: the
	// monotonic timestamp at which the lockout expires. Zero for
	// permanent locks.
	UnlockAtMs int64

	// Violations is set for KindWeakPassword: the policy predicates the
	// candidate password failed.
	Violations []PolicyViolation

	err error
}

// Error implements the error interface.
func (e *AuthError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Kind, e.Detail)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

// Unwrap returns the wrapped cause, if any.
func (e *AuthError) Unwrap() error {
	return e.err
}

// KindOf extracts the ErrorKind from err, or KindUnknown if err is not
// an *AuthError.
func KindOf(err error) ErrorKind {
	var ae *AuthError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindUnknown
}

// IsKind reports whether err is an *AuthError of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	return KindOf(err) == kind
}

// errKind builds a bare *AuthError.
func errKind(op string, kind ErrorKind, detail string) *AuthError {
	return &AuthError{Kind: kind, Op: op, Detail: detail}
}

// errKindf builds an *AuthError with a formatted detail string.
func errKindf(op string, kind ErrorKind, format string, args ...any) *AuthError {
	return &AuthError{Kind: kind, Op: op, Detail: fmt.Sprintf(format, args...)}
}

// errWrap builds an *AuthError wrapping an underlying cause.
func errWrap(op string, kind ErrorKind, err error) *AuthError {
	return &AuthError{Kind: kind, Op: op, Detail: err.Error(), err: err}
}

// ErrUserUnknown is the sentinel a UserStore implementation returns from
// FindByUsername and Get when no such user exists. The core maps it to
// KindInvalidCredentials on login paths and KindPrincipalUnknown
// elsewhere.
var ErrUserUnknown = errors.New("user unknown")
