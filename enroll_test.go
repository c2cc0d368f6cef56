// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestEnrollRejectsBadParams(t *testing.T) {
	er := newEnrollmentRegistry()

	tests := []struct {
		name   string
		params EnrollmentParams
	}{
		{"unknown method", EnrollmentParams{Method: "retina"}},
		{"empty template", EnrollmentParams{Method: MethodFingerprint}},
		{"empty totp secret", EnrollmentParams{Method: MethodTOTP}},
		{"bad base32 secret", EnrollmentParams{Method: MethodTOTP, TOTPSecret: "not base32 !!"}},
		{"totp digits out of range", EnrollmentParams{Method: MethodTOTP, TOTPSecret: testTOTPSecret, TOTPDigits: 4}},
		{"totp bad algorithm", EnrollmentParams{Method: MethodTOTP, TOTPSecret: testTOTPSecret, TOTPAlgorithm: "MD5"}},
		{"token without secret", EnrollmentParams{Method: MethodHardwareToken, TokenID: "tok-1"}},
		{"sms without phone", EnrollmentParams{Method: MethodSMS}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := er.enroll(1, tt.params)
			require.True(t, IsKind(err, KindInvalidEnrollmentParams))
		})
	}
}

func TestEnrollTOTPDefaults(t *testing.T) {
	er := newEnrollmentRegistry()
	require.NoError(t, er.enroll(1, EnrollmentParams{Method: MethodTOTP, TOTPSecret: "jbswy3dpehpk3pxp"}))

	enr, ok := er.totpEnrollment(1)
	require.True(t, ok)
	require.Equal(t, testTOTPSecret, enr.Secret, "secret is upcased")
	require.Equal(t, "SHA1", enr.Algorithm)
	require.Equal(t, 6, enr.Digits)
	require.Equal(t, 30, enr.Period)
	require.Equal(t, 1, enr.Window)
}

func TestTokenCannotBindToTwoPrincipals(t *testing.T) {
	er := newEnrollmentRegistry()
	secret := []byte("s")

	require.NoError(t, er.enroll(1, EnrollmentParams{Method: MethodHardwareToken, TokenID: "tok-1", TokenSecret: secret}))

	err := er.enroll(2, EnrollmentParams{Method: MethodHardwareToken, TokenID: "tok-1", TokenSecret: secret})
	require.True(t, IsKind(err, KindInvalidEnrollmentParams))

	// Re-enrolling the owner with a new token releases the old id.
	require.NoError(t, er.enroll(1, EnrollmentParams{Method: MethodHardwareToken, TokenID: "tok-2", TokenSecret: secret}))
	_, ok := er.tokenOwner("tok-1")
	require.False(t, ok)

	require.NoError(t, er.enroll(2, EnrollmentParams{Method: MethodHardwareToken, TokenID: "tok-1", TokenSecret: secret}))
}

func TestPurgeTokenReleasesIndex(t *testing.T) {
	er := newEnrollmentRegistry()
	require.NoError(t, er.enroll(1, EnrollmentParams{Method: MethodHardwareToken, TokenID: "tok-1", TokenSecret: []byte("s")}))

	er.purge(1, MethodHardwareToken)
	_, ok := er.tokenOwner("tok-1")
	require.False(t, ok)
}

func TestDeactivateHidesMaterial(t *testing.T) {
	er := newEnrollmentRegistry()
	require.NoError(t, er.enroll(1, EnrollmentParams{Method: MethodTOTP, TOTPSecret: testTOTPSecret}))

	er.deactivate(1, MethodTOTP)
	_, ok := er.totpEnrollment(1)
	require.False(t, ok)
	require.False(t, er.isActive(1, MethodTOTP))

	require.NoError(t, er.activate(1, MethodTOTP))
	_, ok = er.totpEnrollment(1)
	require.True(t, ok)
}

func TestConsumeBackupCode(t *testing.T) {
	er := newEnrollmentRegistry()
	require.NoError(t, er.enroll(1, EnrollmentParams{Method: MethodTOTP, TOTPSecret: testTOTPSecret}))
	require.NoError(t, er.setBackupCodes(1, []string{"one", "two"}))

	require.True(t, er.consumeBackupCode(1, "one"))
	require.False(t, er.consumeBackupCode(1, "one"))
	require.True(t, er.consumeBackupCode(1, "two"))
	require.False(t, er.consumeBackupCode(1, "three"))
}

func TestKeyedLockTimesOut(t *testing.T) {
	kl := newKeyedLock()

	require.NoError(t, kl.acquire(1, 10*time.Millisecond))

	err := kl.acquire(1, 20*time.Millisecond)
	require.True(t, IsKind(err, KindResourceUnavailable))

	// Another principal is unaffected.
	require.NoError(t, kl.acquire(2, 10*time.Millisecond))
	kl.release(2)

	kl.release(1)
	require.NoError(t, kl.acquire(1, 10*time.Millisecond))
	kl.release(1)
}
