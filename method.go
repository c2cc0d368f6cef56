// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

// Principal is the opaque 32-bit identity of an authenticated subject.
// Principals belong to the external user store; the core never stores
// principal attributes beyond the duration of a single operation.
type Principal uint32

// Method identifies an authentication mechanism.
type Method string

const (
	// MethodPassword is password authentication against a salted hash.
	MethodPassword Method = "password"

	// MethodFingerprint is fingerprint biometric authentication.
	MethodFingerprint Method = "biometric_fingerprint"

	// MethodFacial is facial-recognition biometric authentication.
	MethodFacial Method = "biometric_facial"

	// MethodVoice is voice biometric authentication.
	MethodVoice Method = "biometric_voice"

	// MethodHardwareToken is challenge/response hardware-token
	// authentication.
	MethodHardwareToken Method = "hardware_token"

	// MethodTOTP is time-based one-time-password authentication.
	MethodTOTP Method = "totp"

	// MethodSMS is SMS one-time-code authentication.
	MethodSMS Method = "sms"
)

// Factor is the classic factor class of a method.
type Factor int

const (
	// FactorKnowledge is something you know (password, PIN).
	FactorKnowledge Factor = iota
	// FactorPossession is something you have (hardware token, phone).
	FactorPossession
	// FactorInherence is something you are (biometrics).
	FactorInherence
)

// allMethods is the closed set of methods the core understands.
var allMethods = map[Method]struct{}{
	MethodPassword:      {},
	MethodFingerprint:   {},
	MethodFacial:        {},
	MethodVoice:         {},
	MethodHardwareToken: {},
	MethodTOTP:          {},
	MethodSMS:           {},
}

// Known reports whether m is one of the supported methods.
func (m Method) Known() bool {
	_, ok := allMethods[m]
	return ok
}

// IsBiometric reports whether m is one of the biometric variants.
func (m Method) IsBiometric() bool {
	switch m {
	case MethodFingerprint, MethodFacial, MethodVoice:
		return true
	}
	return false
}

// Factor returns the factor class of the method.
func (m Method) Factor() Factor {
	switch m {
	case MethodPassword:
		return FactorKnowledge
	case MethodFingerprint, MethodFacial, MethodVoice:
		return FactorInherence
	default:
		return FactorPossession
	}
}

// methodSet copies a method slice into a set, reporting duplicates.
func methodSet(methods []Method) (map[Method]struct{}, bool) {
	set := make(map[Method]struct{}, len(methods))
	for _, m := range methods {
		if _, dup := set[m]; dup {
			return nil, false
		}
		set[m] = struct{}{}
	}
	return set, true
}
