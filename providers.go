// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// This file declares the collaborator interfaces the core consumes and
// their default implementations. The core never owns user records, the
// security-context table, or the biometric hardware; it reaches all of
// them through the Capabilities record injected at construction.

package authcore

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"strings"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
	"golang.org/x/crypto/pbkdf2"
)

// =============================================================================
// CONSTANTS
// =============================================================================

const (
	// SaltSize is the size of a password salt in bytes.
	SaltSize = 32

	// PasswordHashSize is the derived-key size of the default hasher.
	PasswordHashSize = 32

	// PBKDF2Iterations is the iteration count for the default
	// PBKDF2-SHA-256 hasher. OWASP 2023 recommends 600,000+ for
	// adequate resistance against brute force on modern hardware.
	PBKDF2Iterations = 600000
)

// =============================================================================
// USER STORE
// =============================================================================

// UserRecord is the slice of a user the core is allowed to see. The
// canonical record lives in the external user store.
type UserRecord struct {
	ID          Principal
	Username    string
	DisplayName string
	Email       string

	// Role selects the password policy applied to this user; empty means
	// the "default" policy.
	Role string

	Enabled bool
	Locked  bool

	// PasswordHash and Salt are opaque bytes produced by the credential
	// primitives. Both nil means no password is set.
	PasswordHash []byte
	Salt         []byte
}

// UserStore is the narrow interface to the external user database.
// Implementations must be safe for concurrent use.
type UserStore interface {
	// FindByUsername resolves a username. Returns ErrUserUnknown if no
	// such user exists.
	FindByUsername(username string) (UserRecord, error)

	// Get fetches a user by principal. Returns ErrUserUnknown if no
	// such user exists.
	Get(p Principal) (UserRecord, error)

	// UpdateLastLogin records a successful login timestamp.
	UpdateLastLogin(p Principal, atMs int64) error

	// UpdatePassword replaces the stored hash and salt.
	UpdatePassword(p Principal, hash, salt []byte) error

	// Lock marks the account locked in the store.
	Lock(p Principal) error

	// Unlock clears the store-side lock mark.
	Unlock(p Principal) error
}

// =============================================================================
// SECURITY CONTEXTS
// =============================================================================

// SecurityLevel is the clearance level attached to a security context.
type SecurityLevel int

const (
	SecurityLow SecurityLevel = iota
	SecurityMedium
	SecurityHigh
)

// SecurityContexts is the external security-context service. The core
// calls Create exactly once per successful session issuance and Destroy
// exactly once per session destruction.
type SecurityContexts interface {
	Create(p Principal, sessionToken string, level SecurityLevel) (uint64, error)
	Destroy(contextID uint64) error
}

// =============================================================================
// HARDWARE PROBE
// =============================================================================

// HardwareProbe reports whether the platform can service a biometric
// method. A nil probe in Capabilities means no biometric hardware.
type HardwareProbe interface {
	Available(m Method) bool
}

// =============================================================================
// RANDOM
// =============================================================================

// Random is a cryptographically strong byte source. It feeds session
// tokens, salts, hardware-token challenges, backup codes, and SMS codes.
type Random interface {
	// Fill fills b with random bytes or returns an error. A failing
	// CSPRNG is never papered over with a weaker source.
	Fill(b []byte) error
}

type cryptoRandom struct{}

// NewCryptoRandom returns the default Random backed by crypto/rand.
func NewCryptoRandom() Random {
	return cryptoRandom{}
}

func (cryptoRandom) Fill(b []byte) error {
	if _, err := rand.Read(b); err != nil {
		return fmt.Errorf("cryptographic random generation failed: %w", err)
	}
	return nil
}

// =============================================================================
// CREDENTIAL PRIMITIVES
// =============================================================================

// CredentialPrimitives supplies the cryptographic building blocks. The
// core does not choose algorithms; it requires only that Hash is
// deterministic, Verify is constant time, and TOTP follows RFC 6238.
type CredentialPrimitives interface {
	// Hash derives a password hash from (password, salt).
	Hash(password string, salt []byte) []byte

	// Verify compares password against a stored hash in constant time.
	Verify(password string, storedHash, salt []byte) bool

	// TOTP computes the expected one-time code for the given instant.
	// secret is base32-encoded; algorithm is "SHA1", "SHA256" or
	// "SHA512".
	TOTP(secret string, at time.Time, algorithm string, digits, period int) (string, error)

	// BiometricMatch scores the similarity of a live sample against an
	// enrolled template, in [0, 1]. Inputs of differing length score 0.
	BiometricMatch(sample, template []byte) float32
}

// DefaultPrimitives returns the stock implementation: PBKDF2-SHA-256
// password hashing and RFC 6238 TOTP.
func DefaultPrimitives() CredentialPrimitives {
	return pbkdf2Primitives{}
}

type pbkdf2Primitives struct{}

func (pbkdf2Primitives) Hash(password string, salt []byte) []byte {
	return pbkdf2.Key([]byte(password), salt, PBKDF2Iterations, PasswordHashSize, sha256.New)
}

func (p pbkdf2Primitives) Verify(password string, storedHash, salt []byte) bool {
	computed := p.Hash(password, salt)
	return subtle.ConstantTimeCompare(computed, storedHash) == 1
}

func (pbkdf2Primitives) TOTP(secret string, at time.Time, algorithm string, digits, period int) (string, error) {
	return totp.GenerateCodeCustom(secret, at, totp.ValidateOpts{
		Period:    uint(period),
		Digits:    otp.Digits(digits),
		Algorithm: totpAlgorithm(algorithm),
	})
}

func (pbkdf2Primitives) BiometricMatch(sample, template []byte) float32 {
	if len(sample) == 0 || len(sample) != len(template) {
		return 0
	}
	// Per-feature tolerance match. Real template matching lives in the
	// hardware stack; this is the software fallback scorer.
	matched := 0
	for i := range sample {
		diff := int(sample[i]) - int(template[i])
		if diff < 0 {
			diff = -diff
		}
		if diff < 10 {
			matched++
		}
	}
	return float32(matched) / float32(len(sample))
}

// ZeroBytes overwrites sensitive byte buffers before release.
func ZeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

// totpAlgorithm maps an enrollment algorithm name to the otp constant.
func totpAlgorithm(name string) otp.Algorithm {
	switch strings.ToUpper(name) {
	case "SHA256":
		return otp.AlgorithmSHA256
	case "SHA512":
		return otp.AlgorithmSHA512
	default:
		return otp.AlgorithmSHA1
	}
}

// =============================================================================
// CAPABILITIES
// =============================================================================

// Capabilities is the record of collaborators injected into New. Users
// is mandatory; everything else has a default or degrades to a no-op.
type Capabilities struct {
	// Users is the external user store. Required.
	Users UserStore

	// Contexts is the security-context service. Optional; nil means
	// sessions carry no context id.
	Contexts SecurityContexts

	// Probe reports biometric hardware availability. Optional; nil
	// means no biometric method is available.
	Probe HardwareProbe

	// Clock defaults to NewSystemClock.
	Clock Clock

	// Random defaults to NewCryptoRandom.
	Random Random

	// Primitives defaults to DefaultPrimitives.
	Primitives CredentialPrimitives

	// Events receives the core's event stream. Optional.
	Events Emitter
}
