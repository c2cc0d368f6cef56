// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"encoding/base32"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// ENROLLMENT TYPES
// =============================================================================

// TOTPEnrollment holds one principal's TOTP parameters.
type TOTPEnrollment struct {
	Secret    string // base32
	Algorithm string // SHA1, SHA256, SHA512
	Digits    int
	Period    int // seconds
	Window    int // accepted step skew in each direction

	// BackupCodes are single-use recovery codes. Consumed entries are
	// removed.
	BackupCodes []string
}

// TokenEnrollment holds one principal's hardware token state.
type TokenEnrollment struct {
	TokenID string
	Serial  string
	Secret  []byte

	// Counter is the highest counter value accepted so far. Responses
	// must strictly exceed it.
	Counter uint64

	// PendingChallenge is the outstanding challenge bytes, nil when no
	// challenge is open.
	PendingChallenge []byte
}

// SMSEnrollment holds one principal's SMS delivery state.
type SMSEnrollment struct {
	Phone      string
	DailyLimit int

	DailySent  int
	DayStartMs int64
	LastSentMs int64

	// PendingCode is the last code sent and not yet consumed.
	PendingCode      string
	PendingExpiresMs int64
}

// enrollmentRecord is everything enrolled for one principal. Fields are
// guarded by the registry mutex.
type enrollmentRecord struct {
	active     map[Method]bool
	enrolledAt map[Method]int64
	lastUsed   map[Method]int64
	biometric  map[Method][]byte
	totp       *TOTPEnrollment
	token      *TokenEnrollment
	sms        *SMSEnrollment
}

// EnrollmentParams carries the method-specific inputs to Enroll. Only
// the fields for the chosen method are read.
type EnrollmentParams struct {
	Method Method

	// Biometric methods.
	BiometricTemplate []byte

	// TOTP. Zero values take the RFC 6238 defaults: SHA1, 6 digits,
	// 30-second period, one step of skew.
	TOTPSecret    string
	TOTPAlgorithm string
	TOTPDigits    int
	TOTPPeriod    int
	TOTPWindow    int

	// Hardware token.
	TokenID     string
	TokenSerial string
	TokenSecret []byte

	// SMS.
	Phone string
}

// EnrollmentStatus is the externally visible enrollment summary.
type EnrollmentStatus struct {
	Principal Principal `json:"principal"`
	Active    []Method  `json:"active"`
	Inactive  []Method  `json:"inactive"`

	// EnrolledAtMs and LastUsedAtMs map each method to when it was
	// enrolled and when it last verified successfully. Zero when never.
	EnrolledAtMs map[Method]int64 `json:"enrolled_at_ms,omitempty"`
	LastUsedAtMs map[Method]int64 `json:"last_used_at_ms,omitempty"`
}

// =============================================================================
// ENROLLMENT REGISTRY
// =============================================================================

// enrollmentRegistry stores per-principal credential enrollments and
// the token-id index resolving hardware tokens back to their owners.
type enrollmentRegistry struct {
	mu          sync.RWMutex
	byPrincipal map[Principal]*enrollmentRecord
	tokenIndex  map[string]Principal
}

func newEnrollmentRegistry() *enrollmentRegistry {
	return &enrollmentRegistry{
		byPrincipal: make(map[Principal]*enrollmentRecord),
		tokenIndex:  make(map[string]Principal),
	}
}

func (er *enrollmentRegistry) recordLocked(p Principal) *enrollmentRecord {
	rec, ok := er.byPrincipal[p]
	if !ok {
		rec = &enrollmentRecord{
			active:     make(map[Method]bool),
			enrolledAt: make(map[Method]int64),
			lastUsed:   make(map[Method]int64),
			biometric:  make(map[Method][]byte),
		}
		er.byPrincipal[p] = rec
	}
	return rec
}

// enroll validates params and installs the enrollment, activating the
// method. Re-enrolling a method replaces its previous material.
func (er *enrollmentRegistry) enroll(p Principal, params EnrollmentParams) error {
	const op = "enroll"

	m := params.Method
	if !m.Known() {
		return errKindf(op, KindInvalidEnrollmentParams, "unknown method %q", m)
	}

	er.mu.Lock()
	defer er.mu.Unlock()

	rec := er.recordLocked(p)

	switch {
	case m.IsBiometric():
		if len(params.BiometricTemplate) == 0 {
			return errKind(op, KindInvalidEnrollmentParams, "empty biometric template")
		}
		tmpl := make([]byte, len(params.BiometricTemplate))
		copy(tmpl, params.BiometricTemplate)
		rec.biometric[m] = tmpl

	case m == MethodTOTP:
		secret := strings.ToUpper(strings.TrimSpace(params.TOTPSecret))
		if secret == "" {
			return errKind(op, KindInvalidEnrollmentParams, "empty totp secret")
		}
		if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.TrimRight(secret, "=")); err != nil {
			return errKind(op, KindInvalidEnrollmentParams, "totp secret is not valid base32")
		}
		digits := params.TOTPDigits
		if digits == 0 {
			digits = 6
		}
		if digits < 6 || digits > 8 {
			return errKindf(op, KindInvalidEnrollmentParams, "totp digits %d out of range", digits)
		}
		period := params.TOTPPeriod
		if period == 0 {
			period = 30
		}
		if period < 0 {
			return errKindf(op, KindInvalidEnrollmentParams, "totp period %d out of range", period)
		}
		alg := strings.ToUpper(params.TOTPAlgorithm)
		if alg == "" {
			alg = "SHA1"
		}
		switch alg {
		case "SHA1", "SHA256", "SHA512":
		default:
			return errKindf(op, KindInvalidEnrollmentParams, "unsupported totp algorithm %q", alg)
		}
		window := params.TOTPWindow
		if window == 0 {
			window = 1
		}
		if window < 0 || window > 10 {
			return errKindf(op, KindInvalidEnrollmentParams, "totp window %d out of range", window)
		}
		rec.totp = &TOTPEnrollment{
			Secret:    secret,
			Algorithm: alg,
			Digits:    digits,
			Period:    period,
			Window:    window,
		}

	case m == MethodHardwareToken:
		if params.TokenID == "" || len(params.TokenSecret) == 0 {
			return errKind(op, KindInvalidEnrollmentParams, "token id and secret required")
		}
		if owner, taken := er.tokenIndex[params.TokenID]; taken && owner != p {
			return errKindf(op, KindInvalidEnrollmentParams, "token %s already bound", params.TokenID)
		}
		if rec.token != nil && rec.token.TokenID != params.TokenID {
			delete(er.tokenIndex, rec.token.TokenID)
		}
		secret := make([]byte, len(params.TokenSecret))
		copy(secret, params.TokenSecret)
		rec.token = &TokenEnrollment{
			TokenID: params.TokenID,
			Serial:  params.TokenSerial,
			Secret:  secret,
		}
		er.tokenIndex[params.TokenID] = p

	case m == MethodSMS:
		phone := strings.TrimSpace(params.Phone)
		if phone == "" {
			return errKind(op, KindInvalidEnrollmentParams, "empty phone number")
		}
		rec.sms = &SMSEnrollment{Phone: phone}

	case m == MethodPassword:
		// Password material lives in the user store; activation only.

	default:
		return errKindf(op, KindInvalidEnrollmentParams, "method %q cannot be enrolled", m)
	}

	rec.active[m] = true
	return nil
}

// markEnrolled stamps when a method's material was installed.
func (er *enrollmentRegistry) markEnrolled(p Principal, m Method, nowMs int64) {
	er.mu.Lock()
	defer er.mu.Unlock()
	er.recordLocked(p).enrolledAt[m] = nowMs
}

// touchUsed stamps a successful verification against the enrollment.
func (er *enrollmentRegistry) touchUsed(p Principal, m Method, nowMs int64) {
	er.mu.Lock()
	defer er.mu.Unlock()

	rec, ok := er.byPrincipal[p]
	if !ok {
		return
	}
	rec.lastUsed[m] = nowMs
}

// deactivate marks a method inactive, keeping its material so it can be
// re-activated. Idempotent; unknown enrollments are a no-op.
func (er *enrollmentRegistry) deactivate(p Principal, m Method) {
	er.mu.Lock()
	defer er.mu.Unlock()

	rec, ok := er.byPrincipal[p]
	if !ok {
		return
	}
	rec.active[m] = false
}

// activate re-enables a deactivated method if its material is present.
func (er *enrollmentRegistry) activate(p Principal, m Method) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	rec, ok := er.byPrincipal[p]
	if !ok || !er.hasMaterialLocked(rec, m) {
		return errKindf("enroll.activate", KindInvalidEnrollmentParams, "method %q not enrolled", m)
	}
	rec.active[m] = true
	return nil
}

// purge erases a method's material entirely. Purging with MethodPassword
// drops the whole record.
func (er *enrollmentRegistry) purge(p Principal, m Method) {
	er.mu.Lock()
	defer er.mu.Unlock()

	rec, ok := er.byPrincipal[p]
	if !ok {
		return
	}

	switch {
	case m.IsBiometric():
		delete(rec.biometric, m)
	case m == MethodTOTP:
		rec.totp = nil
	case m == MethodHardwareToken:
		if rec.token != nil {
			delete(er.tokenIndex, rec.token.TokenID)
			ZeroBytes(rec.token.Secret)
			rec.token = nil
		}
	case m == MethodSMS:
		rec.sms = nil
	}
	delete(rec.active, m)
	delete(rec.enrolledAt, m)
	delete(rec.lastUsed, m)
}

// hasMaterialLocked reports whether m has stored material.
func (er *enrollmentRegistry) hasMaterialLocked(rec *enrollmentRecord, m Method) bool {
	switch {
	case m.IsBiometric():
		return len(rec.biometric[m]) > 0
	case m == MethodTOTP:
		return rec.totp != nil
	case m == MethodHardwareToken:
		return rec.token != nil
	case m == MethodSMS:
		return rec.sms != nil
	case m == MethodPassword:
		return true
	}
	return false
}

// isActive reports whether m is enrolled and active for p.
func (er *enrollmentRegistry) isActive(p Principal, m Method) bool {
	er.mu.RLock()
	defer er.mu.RUnlock()

	rec, ok := er.byPrincipal[p]
	return ok && rec.active[m]
}

// biometricTemplate returns a copy of the enrolled template.
func (er *enrollmentRegistry) biometricTemplate(p Principal, m Method) ([]byte, bool) {
	er.mu.RLock()
	defer er.mu.RUnlock()

	rec, ok := er.byPrincipal[p]
	if !ok || !rec.active[m] {
		return nil, false
	}
	tmpl, ok := rec.biometric[m]
	if !ok {
		return nil, false
	}
	out := make([]byte, len(tmpl))
	copy(out, tmpl)
	return out, true
}

// totpEnrollment returns a copy of the TOTP enrollment.
func (er *enrollmentRegistry) totpEnrollment(p Principal) (TOTPEnrollment, bool) {
	er.mu.RLock()
	defer er.mu.RUnlock()

	rec, ok := er.byPrincipal[p]
	if !ok || !rec.active[MethodTOTP] || rec.totp == nil {
		return TOTPEnrollment{}, false
	}
	out := *rec.totp
	out.BackupCodes = append([]string(nil), rec.totp.BackupCodes...)
	return out, true
}

// setBackupCodes replaces the recovery codes for p's TOTP enrollment.
func (er *enrollmentRegistry) setBackupCodes(p Principal, codes []string) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	rec, ok := er.byPrincipal[p]
	if !ok || rec.totp == nil {
		return errKind("enroll.backup", KindTotpNotEnrolled, "totp not enrolled")
	}
	rec.totp.BackupCodes = append([]string(nil), codes...)
	return nil
}

// consumeBackupCode atomically removes a matching backup code. A code
// matches at most once.
func (er *enrollmentRegistry) consumeBackupCode(p Principal, code string) bool {
	er.mu.Lock()
	defer er.mu.Unlock()

	rec, ok := er.byPrincipal[p]
	if !ok || !rec.active[MethodTOTP] || rec.totp == nil {
		return false
	}
	for i, c := range rec.totp.BackupCodes {
		if c == code {
			rec.totp.BackupCodes = append(rec.totp.BackupCodes[:i], rec.totp.BackupCodes[i+1:]...)
			return true
		}
	}
	return false
}

// tokenOwner resolves a hardware token id to its principal.
func (er *enrollmentRegistry) tokenOwner(tokenID string) (Principal, bool) {
	er.mu.RLock()
	defer er.mu.RUnlock()
	p, ok := er.tokenIndex[tokenID]
	return p, ok
}

// withToken runs fn with the token enrollment of p under the write
// lock, so challenge and counter updates are atomic.
func (er *enrollmentRegistry) withToken(p Principal, fn func(*TokenEnrollment) error) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	rec, ok := er.byPrincipal[p]
	if !ok || rec.token == nil {
		return errKind("enroll.token", KindTokenUnknown, "no hardware token enrolled")
	}
	if !rec.active[MethodHardwareToken] {
		return errKind("enroll.token", KindTokenInactive, "hardware token deactivated")
	}
	return fn(rec.token)
}

// withSMS runs fn with the SMS enrollment of p under the write lock.
func (er *enrollmentRegistry) withSMS(p Principal, fn func(*SMSEnrollment) error) error {
	er.mu.Lock()
	defer er.mu.Unlock()

	rec, ok := er.byPrincipal[p]
	if !ok || rec.sms == nil || !rec.active[MethodSMS] {
		return errKind("enroll.sms", KindSmsNotEnrolled, "sms not enrolled")
	}
	return fn(rec.sms)
}

// status summarizes the enrollments of p.
func (er *enrollmentRegistry) status(p Principal) EnrollmentStatus {
	er.mu.RLock()
	defer er.mu.RUnlock()

	out := EnrollmentStatus{Principal: p}
	rec, ok := er.byPrincipal[p]
	if !ok {
		return out
	}
	for m, active := range rec.active {
		if active {
			out.Active = append(out.Active, m)
		} else if er.hasMaterialLocked(rec, m) {
			out.Inactive = append(out.Inactive, m)
		}
	}
	if len(rec.enrolledAt) > 0 {
		out.EnrolledAtMs = make(map[Method]int64, len(rec.enrolledAt))
		for m, at := range rec.enrolledAt {
			out.EnrolledAtMs[m] = at
		}
	}
	if len(rec.lastUsed) > 0 {
		out.LastUsedAtMs = make(map[Method]int64, len(rec.lastUsed))
		for m, at := range rec.lastUsed {
			out.LastUsedAtMs[m] = at
		}
	}
	return out
}

// =============================================================================
// PER-PRINCIPAL LOCK
// =============================================================================

// keyedLock serializes mutating operations per principal using buffered
// channel semaphores. Acquire gives up after the deadline instead of
// blocking callers indefinitely.
type keyedLock struct {
	mu    sync.Mutex
	locks map[Principal]chan struct{}
}

func newKeyedLock() *keyedLock {
	return &keyedLock{locks: make(map[Principal]chan struct{})}
}

func (kl *keyedLock) sem(p Principal) chan struct{} {
	kl.mu.Lock()
	defer kl.mu.Unlock()
	sem, ok := kl.locks[p]
	if !ok {
		sem = make(chan struct{}, 1)
		kl.locks[p] = sem
	}
	return sem
}

// acquire takes the lock for p or fails with ResourceUnavailable after
// the deadline.
func (kl *keyedLock) acquire(p Principal, deadline time.Duration) error {
	sem := kl.sem(p)
	select {
	case sem <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(deadline)
	defer timer.Stop()
	select {
	case sem <- struct{}{}:
		return nil
	case <-timer.C:
		return errKindf("lock", KindResourceUnavailable,
			"principal %d busy, gave up after %s", p, deadline)
	}
}

func (kl *keyedLock) release(p Principal) {
	<-kl.sem(p)
}
