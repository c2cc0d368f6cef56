// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"strings"
	"unicode"
)

// =============================================================================
// PASSWORD POLICY
// =============================================================================

// PolicyViolation names one way a candidate password fails the policy.
type PolicyViolation string

const (
	ViolationTooShort         PolicyViolation = "too_short"
	ViolationTooLong          PolicyViolation = "too_long"
	ViolationMissingUppercase PolicyViolation = "missing_uppercase"
	ViolationMissingLowercase PolicyViolation = "missing_lowercase"
	ViolationMissingDigit     PolicyViolation = "missing_digit"
	ViolationMissingSymbol    PolicyViolation = "missing_symbol"
	ViolationContainsUserInfo PolicyViolation = "contains_user_info"
	ViolationBelowComplexity  PolicyViolation = "below_complexity"
	ViolationCommonPassword   PolicyViolation = "common"
)

// PasswordPolicy describes the rules a password must satisfy.
type PasswordPolicy struct {
	MinLength        int  `toml:"min_length" json:"min_length"`
	MaxLength        int  `toml:"max_length" json:"max_length"`
	RequireUppercase bool `toml:"require_uppercase" json:"require_uppercase"`
	RequireLowercase bool `toml:"require_lowercase" json:"require_lowercase"`
	RequireDigit     bool `toml:"require_digit" json:"require_digit"`
	RequireSymbol    bool `toml:"require_symbol" json:"require_symbol"`

	// MinComplexity is the minimum number of distinct character classes
	// (upper, lower, digit, symbol) the password must contain.
	MinComplexity int `toml:"min_complexity" json:"min_complexity"`

	// RejectUserInfo refuses passwords containing the username, display
	// name, or email local part.
	RejectUserInfo bool `toml:"reject_user_info" json:"reject_user_info"`

	// RejectCommon refuses passwords found on the common-password list.
	RejectCommon bool `toml:"reject_common" json:"reject_common"`

	// MaxAgeDays forces a change after this many days; zero disables.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days"`

	// MinAgeDays refuses a change sooner than this after the previous
	// one; zero disables.
	MinAgeDays int `toml:"min_age_days" json:"min_age_days"`

	// HistoryCount is how many previous passwords may not be reused.
	HistoryCount int `toml:"history_count" json:"history_count"`
}

// DefaultPasswordPolicy returns the rules applied to ordinary users.
func DefaultPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        8,
		MaxLength:        128,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		RequireSymbol:    true,
		MinComplexity:    3,
		RejectUserInfo:   true,
		RejectCommon:     true,
		MaxAgeDays:       90,
		MinAgeDays:       1,
		HistoryCount:     5,
	}
}

// AdministratorPasswordPolicy returns the stricter rules applied to
// administrator accounts.
func AdministratorPasswordPolicy() PasswordPolicy {
	return PasswordPolicy{
		MinLength:        12,
		MaxLength:        128,
		RequireUppercase: true,
		RequireLowercase: true,
		RequireDigit:     true,
		RequireSymbol:    true,
		MinComplexity:    4,
		RejectUserInfo:   true,
		RejectCommon:     true,
		MaxAgeDays:       60,
		MinAgeDays:       7,
		HistoryCount:     10,
	}
}

// defaultCommonPasswords seeds the common-password list. Embedders with
// a real breach corpus replace it via WithCommonPasswords.
var defaultCommonPasswords = []string{
	"password", "password1", "password123", "123456", "12345678",
	"123456789", "qwerty", "qwerty123", "abc123", "letmein",
	"monkey", "dragon", "iloveyou", "admin", "admin123",
	"welcome", "welcome1", "login", "passw0rd", "p@ssword",
	"p@ssw0rd", "master", "sunshine", "princess", "football",
	"baseball", "starwars", "trustno1", "superman", "changeme",
}

// policyEngine evaluates passwords against named policies. It holds no
// per-user state and its Check is a pure function of its inputs.
type policyEngine struct {
	policies map[string]PasswordPolicy
	common   map[string]struct{}
}

func newPolicyEngine() *policyEngine {
	common := make(map[string]struct{}, len(defaultCommonPasswords))
	for _, pw := range defaultCommonPasswords {
		common[pw] = struct{}{}
	}
	return &policyEngine{
		policies: map[string]PasswordPolicy{
			"default":       DefaultPasswordPolicy(),
			"administrator": AdministratorPasswordPolicy(),
		},
		common: common,
	}
}

// forRole resolves the policy applied to a user role. Unknown or empty
// roles fall back to the default policy.
func (pe *policyEngine) forRole(role string) PasswordPolicy {
	if pol, ok := pe.policies[role]; ok {
		return pol
	}
	return pe.policies["default"]
}

// check returns every violation of pol by password. An empty slice
// means the password is acceptable.
func (pe *policyEngine) check(pol PasswordPolicy, password string, user UserRecord) []PolicyViolation {
	var violations []PolicyViolation

	runes := []rune(password)
	if len(runes) < pol.MinLength {
		violations = append(violations, ViolationTooShort)
	}
	if pol.MaxLength > 0 && len(runes) > pol.MaxLength {
		violations = append(violations, ViolationTooLong)
	}

	var hasUpper, hasLower, hasDigit, hasSymbol bool
	for _, r := range runes {
		switch {
		case unicode.IsUpper(r):
			hasUpper = true
		case unicode.IsLower(r):
			hasLower = true
		case unicode.IsDigit(r):
			hasDigit = true
		default:
			hasSymbol = true
		}
	}

	if pol.RequireUppercase && !hasUpper {
		violations = append(violations, ViolationMissingUppercase)
	}
	if pol.RequireLowercase && !hasLower {
		violations = append(violations, ViolationMissingLowercase)
	}
	if pol.RequireDigit && !hasDigit {
		violations = append(violations, ViolationMissingDigit)
	}
	if pol.RequireSymbol && !hasSymbol {
		violations = append(violations, ViolationMissingSymbol)
	}

	complexity := 0
	for _, has := range []bool{hasUpper, hasLower, hasDigit, hasSymbol} {
		if has {
			complexity++
		}
	}
	if pol.MinComplexity > 0 && complexity < pol.MinComplexity {
		violations = append(violations, ViolationBelowComplexity)
	}

	if pol.RejectUserInfo && containsUserInfo(password, user) {
		violations = append(violations, ViolationContainsUserInfo)
	}

	if pol.RejectCommon {
		if _, found := pe.common[strings.ToLower(password)]; found {
			violations = append(violations, ViolationCommonPassword)
		}
	}

	return violations
}

// containsUserInfo checks the password against the username, display
// name words, and email local part, case insensitively. Fragments
// shorter than three characters are ignored.
func containsUserInfo(password string, user UserRecord) bool {
	lower := strings.ToLower(password)

	fragments := []string{user.Username}
	fragments = append(fragments, strings.Fields(user.DisplayName)...)
	if at := strings.IndexByte(user.Email, '@'); at > 0 {
		fragments = append(fragments, user.Email[:at])
	}

	for _, frag := range fragments {
		frag = strings.ToLower(strings.TrimSpace(frag))
		if len(frag) < 3 {
			continue
		}
		if strings.Contains(lower, frag) {
			return true
		}
	}
	return false
}
