// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package authcore implements the authentication core for MultiOS-style
// systems: credential verification, multi-factor orchestration, session
// lifecycle, lockout and rate-limit state machines.
//
// The package is embedded, not run. An embedder constructs an AuthCore
// with New, supplying a Capabilities record that names the external
// collaborators the core depends on: a user store, a security-context
// service, a biometric hardware probe, a clock, a CSPRNG, and the
// credential primitives. The core owns all of its registries (sessions,
// lockouts, rate buckets, enrollments, pending MFA challenges) and is
// safe for concurrent use by many request goroutines.
//
// User records never live inside the core; they are consumed through
// the narrow UserStore interface one operation at a time. Session state
// is in-memory and node-local. Anything that must survive a restart is
// the embedder's problem, by design of the surrounding system.
//
// Every user-visible failure is a value: an *AuthError carrying one of
// the ErrorKind constants. The core never panics on user input; it
// panics only on internal invariant violations, which indicate a
// programming bug that is not safe to continue past.
package authcore
