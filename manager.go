// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

// =============================================================================
// AUTH CORE
// =============================================================================

// AuthCore is the authentication facade. Embedders construct one per
// node with New and route every authentication decision through it.
// All state is in memory and node local; the only persisted store is
// the injected UserStore.
type AuthCore struct {
	cfgMu sync.RWMutex
	cfg   Config

	users      UserStore
	contexts   SecurityContexts
	clock      Clock
	random     Random
	emit       Emitter
	sessions   *sessionStore
	lockouts   *lockoutRegistry
	limiter    *rateLimiter
	mfa        *mfaOrchestrator
	enrolls    *enrollmentRegistry
	verifier   *credentialVerifier
	policies   *policyEngine
	history    *passwordHistory
	stats      *counters
	locks      *keyedLock
	sweeper    *sweeper
	closed     atomic.Bool
	closeOnce  sync.Once
}

// Option customizes an AuthCore at construction time.
type Option func(*AuthCore)

// WithPasswordPolicy registers or replaces a named password policy.
// UserRecord.Role selects the policy by name.
func WithPasswordPolicy(name string, pol PasswordPolicy) Option {
	return func(c *AuthCore) {
		c.policies.policies[name] = pol
	}
}

// WithCommonPasswords replaces the built-in common-password list.
func WithCommonPasswords(passwords []string) Option {
	return func(c *AuthCore) {
		common := make(map[string]struct{}, len(passwords))
		for _, pw := range passwords {
			common[pw] = struct{}{}
		}
		c.policies.common = common
	}
}

// New constructs an AuthCore. cfg must validate and caps.Users must be
// set; every other capability has a default or degrades to a no-op.
func New(cfg Config, caps Capabilities, opts ...Option) (*AuthCore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if caps.Users == nil {
		return nil, errKind("new", KindNotInitialized, "user store capability is required")
	}

	clock := caps.Clock
	if clock == nil {
		clock = NewSystemClock()
	}
	random := caps.Random
	if random == nil {
		random = NewCryptoRandom()
	}
	prims := caps.Primitives
	if prims == nil {
		prims = DefaultPrimitives()
	}
	var emit Emitter = nopEmitter{}
	if caps.Events != nil {
		emit = caps.Events
	}

	enrolls := newEnrollmentRegistry()
	c := &AuthCore{
		cfg:      cfg,
		users:    caps.Users,
		contexts: caps.Contexts,
		clock:    clock,
		random:   random,
		emit:     emit,
		sessions: newSessionStore(cfg.SessionTTLSecs, cfg.MaxConcurrentSessions, cfg.Eviction),
		lockouts: newLockoutRegistry(cfg.LockoutThreshold, cfg.LockoutDurationSecs),
		limiter:  newRateLimiter(cfg.RateLimitPerWindow, cfg.RateWindowSecs),
		mfa:      newMFAOrchestrator(cfg.ChallengeLifetimeSecs, cfg.ChallengeMaxAttempts),
		enrolls:  enrolls,
		verifier: newCredentialVerifier(enrolls, prims, caps.Probe, clock, random),
		policies: newPolicyEngine(),
		history:  newPasswordHistory(),
		stats:    &counters{},
		locks:    newKeyedLock(),
	}
	for _, opt := range opts {
		opt(c)
	}

	if cfg.SweepIntervalSecs > 0 {
		c.sweeper = newSweeper(c, cfg.SweepIntervalSecs)
		c.sweeper.start()
	}
	return c, nil
}

// config snapshots the current configuration.
func (c *AuthCore) config() Config {
	c.cfgMu.RLock()
	defer c.cfgMu.RUnlock()
	return c.cfg
}

// ApplyConfig installs a new configuration at runtime. Session TTLs
// apply on the next slide; rate and lockout policies on the next
// window. Pair with WatchConfig for file-driven reloads.
func (c *AuthCore) ApplyConfig(cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	c.cfgMu.Lock()
	c.cfg = cfg
	c.cfgMu.Unlock()

	c.sessions.setPolicy(cfg.SessionTTLSecs, cfg.MaxConcurrentSessions, cfg.Eviction)
	c.lockouts.setPolicy(cfg.LockoutThreshold, cfg.LockoutDurationSecs)
	c.limiter.setLimits(cfg.RateLimitPerWindow, cfg.RateWindowSecs)
	c.mfa.setPolicy(cfg.ChallengeLifetimeSecs, cfg.ChallengeMaxAttempts)
	return nil
}

// Close stops the background sweeper and refuses further operations.
// Live sessions are not destroyed; their state simply becomes
// unreachable.
func (c *AuthCore) Close() error {
	c.closeOnce.Do(func() {
		c.closed.Store(true)
		if c.sweeper != nil {
			c.sweeper.stop()
		}
	})
	return nil
}

func (c *AuthCore) checkOpen(op string) error {
	if c.closed.Load() {
		return errKind(op, KindNotInitialized, "core is closed")
	}
	return nil
}

// =============================================================================
// PASSWORD AUTHENTICATION
// =============================================================================

// AuthenticatePassword verifies a username and password and issues a
// session. Unknown usernames are indistinguishable from wrong
// passwords, in both error and timing.
func (c *AuthCore) AuthenticatePassword(username, password, source string) (Session, error) {
	const op = "auth.password"
	if err := c.checkOpen(op); err != nil {
		return Session{}, err
	}

	nowMs := c.clock.NowMs()
	c.stats.add(func(s *counters) { s.totalLogins++ })

	if retry, ok := c.limiter.allow(sourceKey(source), nowMs); !ok {
		return Session{}, c.rateLimited(op, 0, MethodPassword, source, retry)
	}

	user, err := c.users.FindByUsername(username)
	if err != nil {
		if errors.Is(err, ErrUserUnknown) {
			c.verifier.decoyVerify(password)
			c.stats.add(func(s *counters) { s.failedLogins++ })
			c.emitAttempt(0, MethodPassword, OutcomeFailure, source, "unknown user "+maskIdentifier(username))
			return Session{}, errKind(op, KindInvalidCredentials, "invalid credentials")
		}
		return Session{}, errWrap(op, KindResourceUnavailable, err)
	}

	if retry, ok := c.limiter.allow(principalKey(user.ID), nowMs); !ok {
		return Session{}, c.rateLimited(op, user.ID, MethodPassword, source, retry)
	}

	if err := c.gate(op, user, MethodPassword, nowMs); err != nil {
		c.stats.add(func(s *counters) { s.failedLogins++ })
		return Session{}, err
	}

	if err := c.verifier.verifyPassword(user, password); err != nil {
		c.recordAuthFailure(user.ID, MethodPassword, source, nowMs)
		return Session{}, err
	}

	if c.config().RejectWeakOnLogin {
		pol := c.policies.forRole(user.Role)
		if v := c.policies.check(pol, password, user); len(v) > 0 {
			c.stats.add(func(s *counters) { s.failedLogins++ })
			c.emitAttempt(user.ID, MethodPassword, OutcomeDenied, source, "password below policy")
			return Session{}, &AuthError{Kind: KindWeakPassword, Op: op,
				Detail: "stored password no longer satisfies policy", Violations: v}
		}
	}

	c.recordAuthSuccess(user.ID, nowMs)
	return c.issueSession(op, user.ID, []Method{MethodPassword}, source, "", nowMs)
}

// =============================================================================
// SINGLE-FACTOR NON-PASSWORD AUTHENTICATION
// =============================================================================

// AuthenticateBiometric verifies a live biometric sample and issues a
// session.
func (c *AuthCore) AuthenticateBiometric(p Principal, m Method, sample []byte, source string) (Session, error) {
	const op = "auth.biometric"
	if err := c.checkOpen(op); err != nil {
		return Session{}, err
	}

	nowMs := c.clock.NowMs()
	c.stats.add(func(s *counters) {
		s.totalLogins++
		s.biometricAttempts++
	})

	if retry, ok := c.limiter.allow(sourceKey(source), nowMs); !ok {
		return Session{}, c.rateLimited(op, 0, m, source, retry)
	}
	if retry, ok := c.limiter.allow(principalKey(p), nowMs); !ok {
		return Session{}, c.rateLimited(op, p, m, source, retry)
	}

	user, err := c.lookupPrincipal(op, p)
	if err != nil {
		c.stats.add(func(s *counters) { s.failedLogins++ })
		return Session{}, err
	}
	if err := c.gate(op, user, m, nowMs); err != nil {
		c.stats.add(func(s *counters) { s.failedLogins++ })
		return Session{}, err
	}

	if err := c.verifier.verifyBiometric(p, m, sample); err != nil {
		if IsKind(err, KindBiometricMismatch) {
			c.recordAuthFailure(p, m, source, nowMs)
		} else {
			c.stats.add(func(s *counters) { s.failedLogins++ })
			c.emitAttempt(p, m, OutcomeDenied, source, KindOf(err).String())
		}
		return Session{}, err
	}

	c.stats.add(func(s *counters) { s.biometricSuccesses++ })
	c.recordAuthSuccess(p, nowMs)
	return c.issueSession(op, p, []Method{m}, source, "", nowMs)
}

// AuthenticateTOTP verifies a one-time code and issues a session.
func (c *AuthCore) AuthenticateTOTP(p Principal, code, source string) (Session, error) {
	const op = "auth.totp"
	if err := c.checkOpen(op); err != nil {
		return Session{}, err
	}

	nowMs := c.clock.NowMs()
	c.stats.add(func(s *counters) {
		s.totalLogins++
		s.totpVerifications++
	})

	if retry, ok := c.limiter.allow(sourceKey(source), nowMs); !ok {
		return Session{}, c.rateLimited(op, 0, MethodTOTP, source, retry)
	}
	if retry, ok := c.limiter.allow(principalKey(p), nowMs); !ok {
		return Session{}, c.rateLimited(op, p, MethodTOTP, source, retry)
	}

	user, err := c.lookupPrincipal(op, p)
	if err != nil {
		c.stats.add(func(s *counters) { s.failedLogins++ })
		return Session{}, err
	}
	if err := c.gate(op, user, MethodTOTP, nowMs); err != nil {
		c.stats.add(func(s *counters) { s.failedLogins++ })
		return Session{}, err
	}

	if err := c.verifier.verifyTOTP(p, code); err != nil {
		if IsKind(err, KindTotpMismatch) {
			c.recordAuthFailure(p, MethodTOTP, source, nowMs)
		} else {
			c.stats.add(func(s *counters) { s.failedLogins++ })
		}
		return Session{}, err
	}

	c.recordAuthSuccess(p, nowMs)
	return c.issueSession(op, p, []Method{MethodTOTP}, source, "", nowMs)
}

// AuthenticateHardwareToken verifies a challenge response from the
// token identified by tokenID and issues a session for its owner.
func (c *AuthCore) AuthenticateHardwareToken(tokenID string, response []byte, source string) (Session, error) {
	const op = "auth.token"
	if err := c.checkOpen(op); err != nil {
		return Session{}, err
	}

	nowMs := c.clock.NowMs()
	c.stats.add(func(s *counters) {
		s.totalLogins++
		s.hardwareTokenAttempts++
	})

	if retry, ok := c.limiter.allow(sourceKey(source), nowMs); !ok {
		return Session{}, c.rateLimited(op, 0, MethodHardwareToken, source, retry)
	}

	owner, known := c.enrolls.tokenOwner(tokenID)
	if known {
		if retry, ok := c.limiter.allow(principalKey(owner), nowMs); !ok {
			return Session{}, c.rateLimited(op, owner, MethodHardwareToken, source, retry)
		}
		user, err := c.lookupPrincipal(op, owner)
		if err != nil {
			c.stats.add(func(s *counters) { s.failedLogins++ })
			return Session{}, err
		}
		if err := c.gate(op, user, MethodHardwareToken, nowMs); err != nil {
			c.stats.add(func(s *counters) { s.failedLogins++ })
			return Session{}, err
		}
	}

	p, err := c.verifier.verifyTokenResponse(tokenID, response)
	if err != nil {
		if known && IsKind(err, KindTokenMismatch) {
			c.recordAuthFailure(owner, MethodHardwareToken, source, nowMs)
		} else {
			c.stats.add(func(s *counters) { s.failedLogins++ })
			c.emitAttempt(0, MethodHardwareToken, OutcomeFailure, source, KindOf(err).String())
		}
		return Session{}, err
	}

	c.recordAuthSuccess(p, nowMs)
	return c.issueSession(op, p, []Method{MethodHardwareToken}, source, "", nowMs)
}

// BeginTokenChallenge opens a challenge for a hardware token. The
// returned bytes are relayed to the device.
func (c *AuthCore) BeginTokenChallenge(tokenID string) ([]byte, error) {
	if err := c.checkOpen("token.challenge"); err != nil {
		return nil, err
	}
	return c.verifier.beginTokenChallenge(tokenID)
}

// SendSMSCode draws a single-use code for the principal's enrolled
// phone and returns it with the destination number. Delivery is the
// embedder's concern; codes expire after five minutes and count against
// the daily limit.
func (c *AuthCore) SendSMSCode(p Principal) (code, phone string, err error) {
	const op = "sms.send"
	if err := c.checkOpen(op); err != nil {
		return "", "", err
	}

	nowMs := c.clock.NowMs()
	code, phone, err = c.verifier.sendSMSCode(p, c.config().SMSDailyLimit, nowMs)
	if err != nil {
		return "", "", err
	}

	c.stats.add(func(s *counters) { s.smsCodesSent++ })
	c.emit.Emit(Event{
		TimeMs:    nowMs,
		Type:      EventSMSCodeSent,
		Principal: p,
		Method:    MethodSMS,
		Metadata:  map[string]string{"phone": maskPhone(phone)},
	})
	return code, phone, nil
}

// =============================================================================
// MULTI-FACTOR AUTHENTICATION
// =============================================================================

// MFAProof carries the credential for one SubmitMFA call. Only the
// fields for the submitted method are read.
type MFAProof struct {
	Password        string
	BiometricSample []byte
	TOTPCode        string
	TokenID         string
	TokenResponse   []byte
	SMSCode         string
}

// BeginMFA opens a challenge requiring every listed method. Each method
// must be allowed by configuration and enrolled for the principal.
func (c *AuthCore) BeginMFA(p Principal, required []Method, source, userAgent string) (MFAChallenge, error) {
	const op = "mfa.begin"
	if err := c.checkOpen(op); err != nil {
		return MFAChallenge{}, err
	}

	nowMs := c.clock.NowMs()

	user, err := c.lookupPrincipal(op, p)
	if err != nil {
		return MFAChallenge{}, err
	}
	if err := c.gateAccount(op, user, nowMs); err != nil {
		return MFAChallenge{}, err
	}

	cfg := c.config()
	for _, m := range required {
		if !m.Known() {
			return MFAChallenge{}, errKindf(op, KindUnsupportedMethodSet, "unknown method %q", m)
		}
		if !cfg.methodAllowed(m) {
			return MFAChallenge{}, errKindf(op, KindMethodDisallowed, "method %q disallowed by configuration", m)
		}
		if !c.methodReady(user, m) {
			return MFAChallenge{}, errKindf(op, KindUnsupportedMethodSet, "method %q not enrolled", m)
		}
	}

	ch, err := c.mfa.begin(p, required, source, userAgent, nowMs)
	if err != nil {
		return MFAChallenge{}, err
	}

	c.emit.Emit(Event{
		TimeMs:    nowMs,
		Type:      EventMFAChallenge,
		Principal: p,
		Source:    source,
		Token:     maskToken(ch.ID),
	})
	return ch, nil
}

// SubmitMFA proves one required method of a pending challenge. Failed
// proofs burn the challenge's attempt budget but never touch the
// lockout or rate-limit state; the challenge itself is the blast
// radius.
func (c *AuthCore) SubmitMFA(challengeID string, m Method, proof MFAProof) error {
	const op = "mfa.submit"
	if err := c.checkOpen(op); err != nil {
		return err
	}

	nowMs := c.clock.NowMs()

	ch, err := c.mfa.lookup(challengeID, nowMs)
	if err != nil {
		return err
	}
	p := ch.principal

	err = c.mfa.submit(challengeID, m, nowMs, func() error {
		switch {
		case m == MethodPassword:
			user, err := c.lookupPrincipal(op, p)
			if err != nil {
				return err
			}
			return c.verifier.verifyPassword(user, proof.Password)
		case m.IsBiometric():
			return c.verifier.verifyBiometric(p, m, proof.BiometricSample)
		case m == MethodTOTP:
			return c.verifier.verifyTOTP(p, proof.TOTPCode)
		case m == MethodHardwareToken:
			owner, err := c.verifier.verifyTokenResponse(proof.TokenID, proof.TokenResponse)
			if err != nil {
				return err
			}
			if owner != p {
				return errKind(op, KindTokenMismatch, "token belongs to another principal")
			}
			return nil
		case m == MethodSMS:
			return c.verifier.verifySMSCode(p, proof.SMSCode, nowMs)
		}
		return errKindf(op, KindUnsupportedMethodSet, "unknown method %q", m)
	})

	if err != nil {
		c.stats.add(func(s *counters) { s.mfaFailures++ })
	}
	return err
}

// CommitMFA finalizes a fully proved challenge and issues the session.
// The challenge is consumed; a second commit fails as unknown.
func (c *AuthCore) CommitMFA(challengeID string) (Session, error) {
	const op = "mfa.commit"
	if err := c.checkOpen(op); err != nil {
		return Session{}, err
	}

	nowMs := c.clock.NowMs()
	p, methods, source, userAgent, err := c.mfa.commit(challengeID, nowMs)
	if err != nil {
		return Session{}, err
	}

	c.stats.add(func(s *counters) { s.mfaSuccesses++ })
	c.recordAuthSuccess(p, nowMs)
	c.emit.Emit(Event{
		TimeMs:    nowMs,
		Type:      EventMFACommit,
		Principal: p,
		Outcome:   OutcomeSuccess,
		Source:    source,
		Token:     maskToken(challengeID),
	})
	return c.issueSession(op, p, methods, source, userAgent, nowMs)
}

// CancelMFA discards a pending challenge. Idempotent.
func (c *AuthCore) CancelMFA(challengeID string) {
	c.mfa.cancel(challengeID)
}

// MFAStatus snapshots a pending challenge.
func (c *AuthCore) MFAStatus(challengeID string) (MFAChallenge, error) {
	return c.mfa.status(challengeID, c.clock.NowMs())
}

// methodReady reports whether the principal can be asked for m.
func (c *AuthCore) methodReady(user UserRecord, m Method) bool {
	if m == MethodPassword {
		return len(user.PasswordHash) > 0
	}
	return c.enrolls.isActive(user.ID, m)
}

// =============================================================================
// SESSIONS
// =============================================================================

// issueSession creates a session record, applies the concurrency cap,
// and binds a security context. The context is created before the
// record is published so a concurrent teardown always sees its id and
// the record is never mutated after insertion.
func (c *AuthCore) issueSession(op string, p Principal, methods []Method, source, userAgent string, nowMs int64) (Session, error) {
	token, err := newSessionToken(c.random)
	if err != nil {
		return Session{}, errWrap(op, KindResourceUnavailable, err)
	}

	cfg := c.config()
	rec := &sessionRecord{
		token:        token,
		principal:    p,
		methods:      append([]Method(nil), methods...),
		createdAtMs:  nowMs,
		lastAccessMs: nowMs,
		expiresAtMs:  nowMs + int64(cfg.SessionTTLSecs)*1000,
		source:       source,
		userAgent:    userAgent,
	}

	if c.contexts != nil {
		ctxID, err := c.contexts.Create(p, token, SecurityMedium)
		if err != nil {
			return Session{}, errWrap(op, KindResourceUnavailable,
				fmt.Errorf("security context creation failed: %w", err))
		}
		rec.contextID = ctxID
	}
	snap := rec.snapshot()

	evicted, err := c.sessions.insert(rec)
	if err != nil {
		if c.contexts != nil && rec.contextID != 0 {
			if derr := c.contexts.Destroy(rec.contextID); derr != nil {
				_ = derr
			}
		}
		c.emitAttempt(p, methods[0], OutcomeDenied, source, "session cap exceeded")
		return Session{}, err
	}
	if evicted != nil {
		c.teardownSession(evicted, "evicted")
	}

	if err := c.users.UpdateLastLogin(p, nowMs); err != nil {
		// Session stands; last-login bookkeeping is advisory.
		_ = err
	}

	c.emitAttempt(p, methods[0], OutcomeSuccess, source, "")
	c.emit.Emit(Event{
		TimeMs:    nowMs,
		Type:      EventSessionCreated,
		Principal: p,
		Token:     maskToken(token),
		Source:    source,
	})
	return snap, nil
}

// teardownSession destroys the security context of a removed session
// and emits the destruction event. Called exactly once per record.
func (c *AuthCore) teardownSession(rec *sessionRecord, cause string) {
	if c.contexts != nil && rec.contextID != 0 {
		if err := c.contexts.Destroy(rec.contextID); err != nil {
			_ = err
		}
	}
	c.emit.Emit(Event{
		TimeMs:    c.clock.NowMs(),
		Type:      EventSessionDestroyed,
		Principal: rec.principal,
		Token:     maskToken(rec.token),
		Cause:     cause,
	})
}

// ValidateSession checks a token and, when live, slides its expiry
// forward by the configured TTL.
func (c *AuthCore) ValidateSession(token string) (Session, error) {
	const op = "session.validate"
	if err := c.checkOpen(op); err != nil {
		return Session{}, err
	}

	snap, expired, err := c.sessions.validate(token, c.clock.NowMs())
	if expired != nil {
		c.stats.add(func(s *counters) { s.expiredSessions++ })
		c.teardownSession(expired, "expired")
	}
	if err != nil {
		return Session{}, err
	}
	return snap, nil
}

// Logout destroys a session. Unknown tokens return nil; logout is
// idempotent.
func (c *AuthCore) Logout(token string) error {
	if err := c.checkOpen("session.logout"); err != nil {
		return err
	}
	if rec, ok := c.sessions.remove(token); ok {
		c.teardownSession(rec, "logout")
	}
	return nil
}

// LogoutAll destroys every session of a principal, returning how many
// were destroyed.
func (c *AuthCore) LogoutAll(p Principal) int {
	if err := c.checkOpen("session.logout_all"); err != nil {
		return 0
	}
	removed := c.sessions.removeAll(p)
	for _, rec := range removed {
		c.teardownSession(rec, "logout_all")
	}
	return len(removed)
}

// ListSessions snapshots the live sessions of a principal.
func (c *AuthCore) ListSessions(p Principal) []Session {
	return c.sessions.list(p)
}

// ActiveSessionCount returns the total number of live sessions.
func (c *AuthCore) ActiveSessionCount() int {
	return c.sessions.countAll()
}

// =============================================================================
// PASSWORD CHANGE
// =============================================================================

// ChangePassword verifies the old password and installs a new one
// satisfying the user's policy. Concurrent changes for the same
// principal serialize; a holder that does not yield within the lock
// deadline fails the caller with ResourceUnavailable.
func (c *AuthCore) ChangePassword(p Principal, oldPassword, newPassword string) error {
	const op = "password.change"
	if err := c.checkOpen(op); err != nil {
		return err
	}

	cfg := c.config()
	if err := c.locks.acquire(p, time.Duration(cfg.LockDeadlineMillis)*time.Millisecond); err != nil {
		return err
	}
	defer c.locks.release(p)

	nowMs := c.clock.NowMs()
	user, err := c.lookupPrincipal(op, p)
	if err != nil {
		return err
	}
	if err := c.verifier.verifyPassword(user, oldPassword); err != nil {
		return err
	}

	pol := c.policies.forRole(user.Role)
	if v := c.policies.check(pol, newPassword, user); len(v) > 0 {
		return &AuthError{Kind: KindWeakPassword, Op: op,
			Detail: "password does not satisfy policy", Violations: v}
	}

	if pol.MinAgeDays > 0 {
		if last, changed := c.history.lastChangedMs(p); changed {
			minAgeMs := int64(pol.MinAgeDays) * 24 * 60 * 60 * 1000
			if nowMs-last < minAgeMs {
				return errKindf(op, KindMinimumAgeNotMet,
					"password changed too recently, minimum age %d days", pol.MinAgeDays)
			}
		}
	}

	prims := c.verifier.prims
	if prims.Verify(newPassword, user.PasswordHash, user.Salt) ||
		c.history.reused(p, newPassword, prims) {
		return errKind(op, KindPasswordReused, "password was used recently")
	}

	salt := make([]byte, SaltSize)
	if err := c.random.Fill(salt); err != nil {
		return errWrap(op, KindResourceUnavailable, err)
	}
	hash := prims.Hash(newPassword, salt)

	if err := c.users.UpdatePassword(p, hash, salt); err != nil {
		return errWrap(op, KindResourceUnavailable, err)
	}
	c.history.record(p, user.PasswordHash, user.Salt, nowMs, pol.HistoryCount)

	c.stats.add(func(s *counters) { s.passwordChanges++ })
	c.emit.Emit(Event{
		TimeMs:    nowMs,
		Type:      EventPasswordChanged,
		Principal: p,
		Outcome:   OutcomeSuccess,
	})
	return nil
}

// =============================================================================
// ENROLLMENT
// =============================================================================

// backupCodeCount is how many recovery codes a TOTP enrollment gets.
const backupCodeCount = 10

// Enroll installs credential material for one method and activates it.
// A TOTP enrollment also receives a fresh set of single-use backup
// codes, returned to the caller for display.
func (c *AuthCore) Enroll(p Principal, params EnrollmentParams) (backupCodes []string, err error) {
	const op = "enroll"
	if err := c.checkOpen(op); err != nil {
		return nil, err
	}

	cfg := c.config()
	if err := c.locks.acquire(p, time.Duration(cfg.LockDeadlineMillis)*time.Millisecond); err != nil {
		return nil, err
	}
	defer c.locks.release(p)

	if _, err := c.lookupPrincipal(op, p); err != nil {
		return nil, err
	}
	if params.Method.IsBiometric() {
		if c.verifier.probe == nil || !c.verifier.probe.Available(params.Method) {
			return nil, errKindf(op, KindBiometricHardwareUnavailable, "no hardware for %q", params.Method)
		}
	}
	if err := c.enrolls.enroll(p, params); err != nil {
		return nil, err
	}
	c.enrolls.markEnrolled(p, params.Method, c.clock.NowMs())

	if params.Method == MethodTOTP {
		backupCodes, err = c.generateBackupCodes()
		if err != nil {
			return nil, err
		}
		if err := c.enrolls.setBackupCodes(p, backupCodes); err != nil {
			return nil, err
		}
	}

	c.emit.Emit(Event{
		TimeMs:    c.clock.NowMs(),
		Type:      EventEnrollment,
		Principal: p,
		Method:    params.Method,
		Outcome:   OutcomeSuccess,
	})
	return backupCodes, nil
}

// Unenroll deactivates a method, keeping its material for later
// re-activation. Idempotent.
func (c *AuthCore) Unenroll(p Principal, m Method) error {
	const op = "unenroll"
	if err := c.checkOpen(op); err != nil {
		return err
	}

	cfg := c.config()
	if err := c.locks.acquire(p, time.Duration(cfg.LockDeadlineMillis)*time.Millisecond); err != nil {
		return err
	}
	defer c.locks.release(p)

	c.enrolls.deactivate(p, m)
	return nil
}

// ReactivateEnrollment re-enables a previously deactivated method.
func (c *AuthCore) ReactivateEnrollment(p Principal, m Method) error {
	if err := c.checkOpen("enroll.activate"); err != nil {
		return err
	}
	return c.enrolls.activate(p, m)
}

// PurgeEnrollment erases a method's material entirely.
func (c *AuthCore) PurgeEnrollment(p Principal, m Method) error {
	const op = "enroll.purge"
	if err := c.checkOpen(op); err != nil {
		return err
	}

	cfg := c.config()
	if err := c.locks.acquire(p, time.Duration(cfg.LockDeadlineMillis)*time.Millisecond); err != nil {
		return err
	}
	defer c.locks.release(p)

	c.enrolls.purge(p, m)
	return nil
}

// Enrollments summarizes the enrollment state of a principal.
func (c *AuthCore) Enrollments(p Principal) EnrollmentStatus {
	return c.enrolls.status(p)
}

func (c *AuthCore) generateBackupCodes() ([]string, error) {
	codes := make([]string, 0, backupCodeCount)
	for i := 0; i < backupCodeCount; i++ {
		var raw [5]byte
		if err := c.random.Fill(raw[:]); err != nil {
			return nil, errWrap("enroll.backup", KindResourceUnavailable, err)
		}
		codes = append(codes, hex.EncodeToString(raw[:]))
	}
	return codes, nil
}

// =============================================================================
// ADMINISTRATIVE LOCKS
// =============================================================================

// Lock imposes an administrative lock. A non-positive duration locks
// permanently and marks the account locked in the user store. All of
// the principal's sessions and pending challenges are destroyed.
func (c *AuthCore) Lock(p Principal, reason string, duration time.Duration) error {
	const op = "admin.lock"
	if err := c.checkOpen(op); err != nil {
		return err
	}

	nowMs := c.clock.NowMs()
	c.lockouts.lock(p, reason, duration.Milliseconds(), nowMs)
	if duration <= 0 {
		if err := c.users.Lock(p); err != nil {
			return errWrap(op, KindResourceUnavailable, err)
		}
	}

	c.destroyPrincipalState(p, "locked")
	c.emit.Emit(Event{
		TimeMs:    nowMs,
		Type:      EventLockout,
		Principal: p,
		Reason:    reason,
	})
	return nil
}

// Unlock clears any lock, timed or permanent, and resets the failure
// streak and rate bucket. Idempotent.
func (c *AuthCore) Unlock(p Principal) error {
	const op = "admin.unlock"
	if err := c.checkOpen(op); err != nil {
		return err
	}

	c.lockouts.unlock(p)
	c.limiter.reset(principalKey(p))
	if err := c.users.Unlock(p); err != nil && !errors.Is(err, ErrUserUnknown) {
		return errWrap(op, KindResourceUnavailable, err)
	}

	c.emit.Emit(Event{
		TimeMs:    c.clock.NowMs(),
		Type:      EventUnlock,
		Principal: p,
	})
	return nil
}

// LockoutStatus reports the lock state of a principal.
func (c *AuthCore) LockoutStatus(p Principal) LockoutInfo {
	return c.lockouts.info(p, c.clock.NowMs())
}

// ListLocked snapshots every currently locked principal.
func (c *AuthCore) ListLocked() []LockoutInfo {
	return c.lockouts.listLocked(c.clock.NowMs())
}

// destroyPrincipalState tears down every session and pending challenge
// of a principal.
func (c *AuthCore) destroyPrincipalState(p Principal, cause string) {
	for _, rec := range c.sessions.removeAll(p) {
		c.teardownSession(rec, cause)
	}
	c.mfa.removeForPrincipal(p)
}

// =============================================================================
// STATS
// =============================================================================

// GetStats snapshots the core's counters and gauges.
func (c *AuthCore) GetStats() Stats {
	nowMs := c.clock.NowMs()
	stats := c.stats.snapshot()
	stats.LockedAccounts = c.lockouts.lockedCount(nowMs)
	stats.ActiveSessions = c.sessions.countAll()
	stats.PendingChallenges = c.mfa.pendingCount()
	return stats
}

// =============================================================================
// INTERNAL HELPERS
// =============================================================================

// lookupPrincipal fetches a user record by principal id.
func (c *AuthCore) lookupPrincipal(op string, p Principal) (UserRecord, error) {
	user, err := c.users.Get(p)
	if err != nil {
		if errors.Is(err, ErrUserUnknown) {
			return UserRecord{}, errKindf(op, KindPrincipalUnknown, "unknown principal %d", p)
		}
		return UserRecord{}, errWrap(op, KindResourceUnavailable, err)
	}
	return user, nil
}

// gateAccount enforces enabled and lock state for an account.
func (c *AuthCore) gateAccount(op string, user UserRecord, nowMs int64) error {
	if !user.Enabled {
		return errKind(op, KindAccountDisabled, "account disabled")
	}
	if locked, unlockAt, reason := c.lockouts.isLocked(user.ID, nowMs); locked {
		return &AuthError{Kind: KindAccountLocked, Op: op, Detail: reason, UnlockAtMs: unlockAt}
	}
	if user.Locked {
		return errKind(op, KindAccountLocked, "account locked")
	}
	return nil
}

// gate enforces account state and method availability before a
// credential is examined.
func (c *AuthCore) gate(op string, user UserRecord, m Method, nowMs int64) error {
	if err := c.gateAccount(op, user, nowMs); err != nil {
		c.emitAttempt(user.ID, m, OutcomeDenied, "", KindOf(err).String())
		return err
	}
	if !c.config().methodAllowed(m) {
		return errKindf(op, KindMethodDisallowed, "method %q disallowed by configuration", m)
	}
	return nil
}

// recordAuthFailure books a failed credential check against the lockout
// registry. Crossing the threshold locks the account and destroys its
// live sessions.
func (c *AuthCore) recordAuthFailure(p Principal, m Method, source string, nowMs int64) {
	c.stats.add(func(s *counters) { s.failedLogins++ })
	c.emitAttempt(p, m, OutcomeFailure, source, "credential rejected")

	if c.lockouts.recordFailure(p, nowMs) {
		c.destroyPrincipalState(p, "locked")
		c.emit.Emit(Event{
			TimeMs:    nowMs,
			Type:      EventLockout,
			Principal: p,
			Reason:    "too many failed attempts",
		})
	}
}

// recordAuthSuccess resets failure tracking after a verified credential.
func (c *AuthCore) recordAuthSuccess(p Principal, nowMs int64) {
	c.stats.add(func(s *counters) { s.successfulLogins++ })
	c.lockouts.recordSuccess(p, nowMs)
	c.limiter.reset(principalKey(p))
}

// rateLimited books a throttled attempt and builds its error.
func (c *AuthCore) rateLimited(op string, p Principal, m Method, source string, retryAtMs int64) error {
	c.stats.add(func(s *counters) {
		s.rateLimitTriggers++
		s.failedLogins++
	})
	c.emit.Emit(Event{
		TimeMs:    c.clock.NowMs(),
		Type:      EventRateLimited,
		Principal: p,
		Method:    m,
		Source:    source,
	})
	return &AuthError{Kind: KindRateLimited, Op: op,
		Detail: "too many attempts", RetryAfterMs: retryAtMs}
}

// emitAttempt emits a login-attempt event.
func (c *AuthCore) emitAttempt(p Principal, m Method, outcome Outcome, source, cause string) {
	c.emit.Emit(Event{
		TimeMs:    c.clock.NowMs(),
		Type:      EventLoginAttempt,
		Principal: p,
		Method:    m,
		Outcome:   outcome,
		Source:    source,
		Cause:     cause,
	})
}
