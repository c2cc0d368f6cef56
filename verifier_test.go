// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

const testTOTPSecret = "JBSWY3DPEHPK3PXP"

func newTestVerifier(t *testing.T) (*credentialVerifier, *enrollmentRegistry, *fakeClock) {
	t.Helper()
	enrolls := newEnrollmentRegistry()
	clock := newFakeClock()
	probe := &fakeProbe{available: map[Method]bool{MethodFingerprint: true}}
	cv := newCredentialVerifier(enrolls, newTestPrims(), probe, clock, NewCryptoRandom())
	return cv, enrolls, clock
}

// =============================================================================
// PASSWORD
// =============================================================================

func TestVerifyPassword(t *testing.T) {
	cv, _, _ := newTestVerifier(t)

	salt := []byte("salt")
	user := UserRecord{PasswordHash: cv.prims.Hash("secret!1A", salt), Salt: salt}

	require.NoError(t, cv.verifyPassword(user, "secret!1A"))

	err := cv.verifyPassword(user, "wrong")
	require.True(t, IsKind(err, KindInvalidCredentials))
}

func TestVerifyPasswordEmptyHash(t *testing.T) {
	cv, _, _ := newTestVerifier(t)
	err := cv.verifyPassword(UserRecord{}, "anything")
	require.True(t, IsKind(err, KindInvalidCredentials))
}

// =============================================================================
// BIOMETRIC
// =============================================================================

func TestVerifyBiometric(t *testing.T) {
	cv, enrolls, _ := newTestVerifier(t)

	template := make([]byte, 64)
	for i := range template {
		template[i] = byte(i * 3)
	}
	require.NoError(t, enrolls.enroll(1, EnrollmentParams{
		Method: MethodFingerprint, BiometricTemplate: template,
	}))

	// A sample within per-feature tolerance passes.
	sample := make([]byte, 64)
	copy(sample, template)
	for i := 0; i < 5; i++ {
		sample[i] += 50 // 5/64 features off; similarity ~0.92.
	}
	require.NoError(t, cv.verifyBiometric(1, MethodFingerprint, sample))

	// Too many divergent features fails.
	for i := 0; i < 20; i++ {
		sample[i] = template[i] + 50
	}
	err := cv.verifyBiometric(1, MethodFingerprint, sample)
	require.True(t, IsKind(err, KindBiometricMismatch))
}

func TestVerifyBiometricLengthMismatch(t *testing.T) {
	cv, enrolls, _ := newTestVerifier(t)
	enrolls.enroll(1, EnrollmentParams{Method: MethodFingerprint, BiometricTemplate: make([]byte, 64)})

	err := cv.verifyBiometric(1, MethodFingerprint, make([]byte, 32))
	require.True(t, IsKind(err, KindBiometricMismatch))
}

func TestVerifyBiometricNotEnrolled(t *testing.T) {
	cv, _, _ := newTestVerifier(t)
	err := cv.verifyBiometric(1, MethodFingerprint, make([]byte, 64))
	require.True(t, IsKind(err, KindBiometricNotEnrolled))
}

func TestVerifyBiometricHardwareUnavailable(t *testing.T) {
	cv, enrolls, _ := newTestVerifier(t)
	enrolls.enroll(1, EnrollmentParams{Method: MethodFacial, BiometricTemplate: make([]byte, 64)})

	err := cv.verifyBiometric(1, MethodFacial, make([]byte, 64))
	require.True(t, IsKind(err, KindBiometricHardwareUnavailable))
}

// =============================================================================
// TOTP
// =============================================================================

func totpAt(t *testing.T, at time.Time) string {
	t.Helper()
	code, err := DefaultPrimitives().TOTP(testTOTPSecret, at, "SHA1", 6, 30)
	require.NoError(t, err)
	return code
}

func TestVerifyTOTPCurrentStep(t *testing.T) {
	cv, enrolls, clock := newTestVerifier(t)
	require.NoError(t, enrolls.enroll(1, EnrollmentParams{Method: MethodTOTP, TOTPSecret: testTOTPSecret}))

	require.NoError(t, cv.verifyTOTP(1, totpAt(t, clock.Wall())))
}

func TestVerifyTOTPWindowBoundary(t *testing.T) {
	cv, enrolls, clock := newTestVerifier(t)
	require.NoError(t, enrolls.enroll(1, EnrollmentParams{Method: MethodTOTP, TOTPSecret: testTOTPSecret}))

	// One step of skew in either direction is accepted.
	require.NoError(t, cv.verifyTOTP(1, totpAt(t, clock.Wall().Add(-30*time.Second))))
	require.NoError(t, cv.verifyTOTP(1, totpAt(t, clock.Wall().Add(30*time.Second))))

	// Two steps is outside the window.
	err := cv.verifyTOTP(1, totpAt(t, clock.Wall().Add(-90*time.Second)))
	require.True(t, IsKind(err, KindTotpMismatch))
}

func TestVerifyTOTPNotEnrolled(t *testing.T) {
	cv, _, _ := newTestVerifier(t)
	err := cv.verifyTOTP(1, "123456")
	require.True(t, IsKind(err, KindTotpNotEnrolled))
}

func TestVerifyTOTPBackupCodeSingleUse(t *testing.T) {
	cv, enrolls, _ := newTestVerifier(t)
	require.NoError(t, enrolls.enroll(1, EnrollmentParams{Method: MethodTOTP, TOTPSecret: testTOTPSecret}))
	require.NoError(t, enrolls.setBackupCodes(1, []string{"aaaa111122", "bbbb333344"}))

	require.NoError(t, cv.verifyTOTP(1, "aaaa111122"))

	err := cv.verifyTOTP(1, "aaaa111122")
	require.True(t, IsKind(err, KindTotpMismatch))

	require.NoError(t, cv.verifyTOTP(1, "bbbb333344"))
}

// =============================================================================
// HARDWARE TOKEN
// =============================================================================

func enrollToken(t *testing.T, enrolls *enrollmentRegistry, p Principal, id string) []byte {
	t.Helper()
	secret := []byte("token-secret-material-32-bytes!!")
	require.NoError(t, enrolls.enroll(p, EnrollmentParams{
		Method: MethodHardwareToken, TokenID: id, TokenSecret: secret,
	}))
	return secret
}

func TestHardwareTokenChallengeResponse(t *testing.T) {
	cv, enrolls, _ := newTestVerifier(t)
	secret := enrollToken(t, enrolls, 1, "tok-1")

	challenge, err := cv.beginTokenChallenge("tok-1")
	require.NoError(t, err)
	require.Len(t, challenge, tokenChallengeSize)

	p, err := cv.verifyTokenResponse("tok-1", TokenResponse(secret, challenge, 1))
	require.NoError(t, err)
	require.Equal(t, Principal(1), p)
}

func TestHardwareTokenReplayRejected(t *testing.T) {
	cv, enrolls, _ := newTestVerifier(t)
	secret := enrollToken(t, enrolls, 1, "tok-1")

	challenge, err := cv.beginTokenChallenge("tok-1")
	require.NoError(t, err)
	resp := TokenResponse(secret, challenge, 5)
	_, err = cv.verifyTokenResponse("tok-1", resp)
	require.NoError(t, err)

	// Same response against a fresh challenge: the counter no longer
	// exceeds the stored one.
	challenge2, err := cv.beginTokenChallenge("tok-1")
	require.NoError(t, err)
	_, err = cv.verifyTokenResponse("tok-1", TokenResponse(secret, challenge2, 5))
	require.True(t, IsKind(err, KindTokenMismatch))
}

func TestHardwareTokenChallengeConsumedOnFailure(t *testing.T) {
	cv, enrolls, _ := newTestVerifier(t)
	secret := enrollToken(t, enrolls, 1, "tok-1")

	challenge, err := cv.beginTokenChallenge("tok-1")
	require.NoError(t, err)

	_, err = cv.verifyTokenResponse("tok-1", []byte("garbage"))
	require.True(t, IsKind(err, KindTokenMismatch))

	// The challenge was consumed; even the right response now fails.
	_, err = cv.verifyTokenResponse("tok-1", TokenResponse(secret, challenge, 1))
	require.True(t, IsKind(err, KindTokenMismatch))
}

func TestHardwareTokenUnknown(t *testing.T) {
	cv, _, _ := newTestVerifier(t)
	_, err := cv.beginTokenChallenge("tok-nope")
	require.True(t, IsKind(err, KindTokenUnknown))

	_, err = cv.verifyTokenResponse("tok-nope", nil)
	require.True(t, IsKind(err, KindTokenUnknown))
}

func TestHardwareTokenInactive(t *testing.T) {
	cv, enrolls, _ := newTestVerifier(t)
	enrollToken(t, enrolls, 1, "tok-1")
	enrolls.deactivate(1, MethodHardwareToken)

	_, err := cv.beginTokenChallenge("tok-1")
	require.True(t, IsKind(err, KindTokenInactive))
}

// =============================================================================
// SMS
// =============================================================================

func TestSMSCodeRoundTrip(t *testing.T) {
	cv, enrolls, clock := newTestVerifier(t)
	require.NoError(t, enrolls.enroll(1, EnrollmentParams{Method: MethodSMS, Phone: "+15551234567"}))

	code, phone, err := cv.sendSMSCode(1, 10, clock.NowMs())
	require.NoError(t, err)
	require.Len(t, code, 6)
	require.Equal(t, "+15551234567", phone)

	require.NoError(t, cv.verifySMSCode(1, code, clock.NowMs()))

	// Single use.
	err = cv.verifySMSCode(1, code, clock.NowMs())
	require.True(t, IsKind(err, KindInvalidCredentials))
}

func TestSMSCodeExpires(t *testing.T) {
	cv, enrolls, clock := newTestVerifier(t)
	require.NoError(t, enrolls.enroll(1, EnrollmentParams{Method: MethodSMS, Phone: "+15551234567"}))

	code, _, err := cv.sendSMSCode(1, 10, clock.NowMs())
	require.NoError(t, err)

	clock.advance(6 * time.Minute)
	err = cv.verifySMSCode(1, code, clock.NowMs())
	require.True(t, IsKind(err, KindChallengeExpired))
}

func TestSMSDailyLimit(t *testing.T) {
	cv, enrolls, clock := newTestVerifier(t)
	require.NoError(t, enrolls.enroll(1, EnrollmentParams{Method: MethodSMS, Phone: "+15551234567"}))

	for i := 0; i < 3; i++ {
		_, _, err := cv.sendSMSCode(1, 3, clock.NowMs())
		require.NoError(t, err)
	}
	_, _, err := cv.sendSMSCode(1, 3, clock.NowMs())
	require.True(t, IsKind(err, KindRateLimited))

	// Next day the counter resets.
	clock.advance(24 * time.Hour)
	_, _, err = cv.sendSMSCode(1, 3, clock.NowMs())
	require.NoError(t, err)
}

func TestSMSNotEnrolled(t *testing.T) {
	cv, _, clock := newTestVerifier(t)
	_, _, err := cv.sendSMSCode(1, 10, clock.NowMs())
	require.True(t, IsKind(err, KindSmsNotEnrolled))
}
