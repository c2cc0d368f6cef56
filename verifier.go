// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"time"
)

// =============================================================================
// CREDENTIAL VERIFIER
// =============================================================================

// biometricThresholds maps each biometric method to its minimum match
// score. Voice is the noisiest channel, facial the most precise.
var biometricThresholds = map[Method]float32{
	MethodFingerprint: 0.85,
	MethodFacial:      0.90,
	MethodVoice:       0.80,
}

// tokenChallengeSize is the byte length of a hardware token challenge.
const tokenChallengeSize = 32

// credentialVerifier checks one credential of one method. It owns no
// policy decisions; lockout, rate limiting, and session issuance happen
// in the layers above it.
type credentialVerifier struct {
	enrollments *enrollmentRegistry
	prims       CredentialPrimitives
	probe       HardwareProbe
	clock       Clock
	random      Random

	// decoySalt and decoyHash feed verification attempts against
	// unknown usernames so their timing matches a real PBKDF2 run.
	decoySalt []byte
	decoyHash []byte
}

func newCredentialVerifier(enrollments *enrollmentRegistry, prims CredentialPrimitives, probe HardwareProbe, clock Clock, random Random) *credentialVerifier {
	salt := make([]byte, SaltSize)
	// A failed fill leaves zeros; the decoy never verifies real input.
	_ = random.Fill(salt)
	return &credentialVerifier{
		enrollments: enrollments,
		prims:       prims,
		probe:       probe,
		clock:       clock,
		random:      random,
		decoySalt:   salt,
		decoyHash:   prims.Hash("decoy-never-matches", salt),
	}
}

// verifyPassword checks a password against the user record.
func (cv *credentialVerifier) verifyPassword(user UserRecord, password string) error {
	const op = "verify.password"
	if len(user.PasswordHash) == 0 || len(user.Salt) == 0 {
		// Burn a hash anyway so accounts without passwords are not
		// distinguishable by timing.
		cv.prims.Verify(password, cv.decoyHash, cv.decoySalt)
		return errKind(op, KindInvalidCredentials, "invalid credentials")
	}
	if !cv.prims.Verify(password, user.PasswordHash, user.Salt) {
		return errKind(op, KindInvalidCredentials, "invalid credentials")
	}
	return nil
}

// decoyVerify runs a full-cost verification against the decoy record.
// Called for unknown usernames to equalize response timing.
func (cv *credentialVerifier) decoyVerify(password string) {
	cv.prims.Verify(password, cv.decoyHash, cv.decoySalt)
}

// verifyBiometric scores a live sample against the enrolled template.
func (cv *credentialVerifier) verifyBiometric(p Principal, m Method, sample []byte) error {
	const op = "verify.biometric"

	if !m.IsBiometric() {
		return errKindf(op, KindMethodDisallowed, "%q is not a biometric method", m)
	}
	if cv.probe == nil || !cv.probe.Available(m) {
		return errKindf(op, KindBiometricHardwareUnavailable, "no hardware for %q", m)
	}
	tmpl, ok := cv.enrollments.biometricTemplate(p, m)
	if !ok {
		return errKindf(op, KindBiometricNotEnrolled, "%q not enrolled", m)
	}
	if len(sample) != len(tmpl) {
		return errKind(op, KindBiometricMismatch, "sample does not match")
	}
	score := cv.prims.BiometricMatch(sample, tmpl)
	if score < biometricThresholds[m] {
		return errKind(op, KindBiometricMismatch, "sample does not match")
	}
	cv.enrollments.touchUsed(p, m, cv.clock.NowMs())
	return nil
}

// verifyTOTP checks code against the enrollment, accepting the
// configured window of step skew in each direction. A failing code is
// then tried against the single-use backup codes.
func (cv *credentialVerifier) verifyTOTP(p Principal, code string) error {
	const op = "verify.totp"

	enr, ok := cv.enrollments.totpEnrollment(p)
	if !ok {
		return errKind(op, KindTotpNotEnrolled, "totp not enrolled")
	}

	at := cv.clock.Wall()
	period := time.Duration(enr.Period) * time.Second
	for step := -enr.Window; step <= enr.Window; step++ {
		expected, err := cv.prims.TOTP(enr.Secret, at.Add(time.Duration(step)*period), enr.Algorithm, enr.Digits, enr.Period)
		if err != nil {
			return errWrap(op, KindUnknown, err)
		}
		if subtle.ConstantTimeCompare([]byte(expected), []byte(code)) == 1 {
			cv.enrollments.touchUsed(p, MethodTOTP, cv.clock.NowMs())
			return nil
		}
	}

	if cv.enrollments.consumeBackupCode(p, code) {
		cv.enrollments.touchUsed(p, MethodTOTP, cv.clock.NowMs())
		return nil
	}
	return errKind(op, KindTotpMismatch, "code does not match")
}

// =============================================================================
// HARDWARE TOKEN PROTOCOL
// =============================================================================

// TokenResponse computes the response a genuine hardware token produces
// for a challenge: an 8-byte big-endian counter followed by
// HMAC-SHA-256(secret, challenge || counter).
func TokenResponse(secret, challenge []byte, counter uint64) []byte {
	var counterBytes [8]byte
	binary.BigEndian.PutUint64(counterBytes[:], counter)

	mac := hmac.New(sha256.New, secret)
	mac.Write(challenge)
	mac.Write(counterBytes[:])

	out := make([]byte, 0, 8+sha256.Size)
	out = append(out, counterBytes[:]...)
	return mac.Sum(out)
}

// beginTokenChallenge opens a challenge for the token and returns the
// challenge bytes to relay to the device. A new challenge replaces any
// outstanding one.
func (cv *credentialVerifier) beginTokenChallenge(tokenID string) ([]byte, error) {
	const op = "token.challenge"

	p, ok := cv.enrollments.tokenOwner(tokenID)
	if !ok {
		return nil, errKindf(op, KindTokenUnknown, "unknown token %s", tokenID)
	}

	challenge := make([]byte, tokenChallengeSize)
	if err := cv.random.Fill(challenge); err != nil {
		return nil, errWrap(op, KindResourceUnavailable, err)
	}

	err := cv.enrollments.withToken(p, func(t *TokenEnrollment) error {
		t.PendingChallenge = append([]byte(nil), challenge...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return challenge, nil
}

// verifyTokenResponse validates a response against the open challenge.
// The embedded counter must strictly exceed the stored one; a replayed
// response therefore fails even with a valid MAC. The challenge is
// consumed either way.
func (cv *credentialVerifier) verifyTokenResponse(tokenID string, response []byte) (Principal, error) {
	const op = "verify.token"

	p, ok := cv.enrollments.tokenOwner(tokenID)
	if !ok {
		return 0, errKindf(op, KindTokenUnknown, "unknown token %s", tokenID)
	}

	err := cv.enrollments.withToken(p, func(t *TokenEnrollment) error {
		challenge := t.PendingChallenge
		t.PendingChallenge = nil
		if challenge == nil {
			return errKind(op, KindTokenMismatch, "no open challenge")
		}
		if len(response) != 8+sha256.Size {
			return errKind(op, KindTokenMismatch, "malformed response")
		}

		counter := binary.BigEndian.Uint64(response[:8])
		expected := TokenResponse(t.Secret, challenge, counter)
		if !hmac.Equal(response, expected) {
			return errKind(op, KindTokenMismatch, "response does not verify")
		}
		if counter <= t.Counter {
			return errKindf(op, KindTokenMismatch, "counter %d replayed", counter)
		}
		t.Counter = counter
		return nil
	})
	if err != nil {
		return 0, err
	}
	cv.enrollments.touchUsed(p, MethodHardwareToken, cv.clock.NowMs())
	return p, nil
}

// =============================================================================
// SMS CODES
// =============================================================================

// smsCodeLifetimeMs bounds a sent SMS code.
const smsCodeLifetimeMs = 5 * 60 * 1000

// sendSMSCode draws a six-digit code, stores it as pending, and returns
// it for delivery. Codes count against the per-day limit.
func (cv *credentialVerifier) sendSMSCode(p Principal, dailyLimit int, nowMs int64) (code, phone string, err error) {
	const op = "sms.send"

	var raw [4]byte
	if err := cv.random.Fill(raw[:]); err != nil {
		return "", "", errWrap(op, KindResourceUnavailable, err)
	}
	code = fmt.Sprintf("%06d", binary.BigEndian.Uint32(raw[:])%1000000)

	err = cv.enrollments.withSMS(p, func(s *SMSEnrollment) error {
		limit := s.DailyLimit
		if limit == 0 {
			limit = dailyLimit
		}
		const dayMs = 24 * 60 * 60 * 1000
		if nowMs-s.DayStartMs >= dayMs {
			s.DayStartMs = nowMs - nowMs%dayMs
			s.DailySent = 0
		}
		if limit > 0 && s.DailySent >= limit {
			return errKindf(op, KindRateLimited, "daily sms limit of %d reached", limit)
		}
		s.DailySent++
		s.LastSentMs = nowMs
		s.PendingCode = code
		s.PendingExpiresMs = nowMs + smsCodeLifetimeMs
		phone = s.Phone
		return nil
	})
	if err != nil {
		return "", "", err
	}
	return code, phone, nil
}

// verifySMSCode consumes the pending code. A code matches at most once
// and never after its expiry.
func (cv *credentialVerifier) verifySMSCode(p Principal, code string, nowMs int64) error {
	const op = "verify.sms"

	err := cv.enrollments.withSMS(p, func(s *SMSEnrollment) error {
		pending := s.PendingCode
		expires := s.PendingExpiresMs
		if pending == "" {
			return errKind(op, KindInvalidCredentials, "no code outstanding")
		}
		if nowMs > expires {
			s.PendingCode = ""
			return errKind(op, KindChallengeExpired, "code expired")
		}
		if subtle.ConstantTimeCompare([]byte(pending), []byte(code)) != 1 {
			return errKind(op, KindInvalidCredentials, "code does not match")
		}
		s.PendingCode = ""
		return nil
	})
	if err != nil {
		return err
	}
	cv.enrollments.touchUsed(p, MethodSMS, nowMs)
	return nil
}
