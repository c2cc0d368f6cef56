// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// =============================================================================
// EVENT TYPES
// =============================================================================

// EventType classifies an auth event.
type EventType string

const (
	EventLoginAttempt     EventType = "LOGIN_ATTEMPT"
	EventLockout          EventType = "LOCKOUT"
	EventUnlock           EventType = "UNLOCK"
	EventSessionCreated   EventType = "SESSION_CREATED"
	EventSessionDestroyed EventType = "SESSION_DESTROYED"
	EventMFAChallenge     EventType = "MFA_CHALLENGE"
	EventMFACommit        EventType = "MFA_COMMIT"
	EventPasswordChanged  EventType = "PASSWORD_CHANGED"
	EventEnrollment       EventType = "ENROLLMENT"
	EventSMSCodeSent      EventType = "SMS_CODE_SENT"
	EventRateLimited      EventType = "RATE_LIMITED"
)

// Outcome is the result classification attached to attempt events.
type Outcome string

const (
	OutcomeSuccess Outcome = "success"
	OutcomeFailure Outcome = "failure"
	OutcomeDenied  Outcome = "denied"
)

// =============================================================================
// EVENT
// =============================================================================

// Event is one entry in the core's event stream. Token values are
// masked before they leave the core; no secret material is ever placed
// in an Event.
type Event struct {
	TimeMs    int64             `json:"time_ms"`
	Type      EventType         `json:"event_type"`
	Principal Principal         `json:"principal,omitempty"`
	Method    Method            `json:"method,omitempty"`
	Outcome   Outcome           `json:"outcome,omitempty"`
	Token     string            `json:"token,omitempty"` // Masked
	Cause     string            `json:"cause,omitempty"`
	Reason    string            `json:"reason,omitempty"`
	Source    string            `json:"source,omitempty"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Emitter receives events. Implementations must not block for long;
// the core emits from within request paths.
type Emitter interface {
	Emit(Event)
}

// EmitterFunc adapts a function to the Emitter interface.
type EmitterFunc func(Event)

func (f EmitterFunc) Emit(e Event) { f(e) }

// nopEmitter discards everything. Used when Capabilities.Events is nil.
type nopEmitter struct{}

func (nopEmitter) Emit(Event) {}

// =============================================================================
// MASKING
// =============================================================================

// maskToken reduces a session or challenge token to its first and last
// four characters.
func maskToken(token string) string {
	if len(token) <= 8 {
		return "****"
	}
	return token[:4] + "..." + token[len(token)-4:]
}

// maskIdentifier hashes an identifier (username, phone number) to a
// short stable fingerprint suitable for log correlation.
func maskIdentifier(id string) string {
	sum := sha256.Sum256([]byte(id))
	return hex.EncodeToString(sum[:])[:12]
}

// maskPhone keeps only the trailing digits of a phone number.
func maskPhone(phone string) string {
	if len(phone) <= 4 {
		return "****"
	}
	return fmt.Sprintf("***%s", phone[len(phone)-4:])
}
