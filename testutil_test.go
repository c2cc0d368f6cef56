// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"crypto/sha256"
	"crypto/subtle"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// =============================================================================
// TEST FAKES
// =============================================================================

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu    sync.Mutex
	nowMs int64
	base  time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{base: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (fc *fakeClock) NowMs() int64 {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.nowMs
}

func (fc *fakeClock) Wall() time.Time {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.base.Add(time.Duration(fc.nowMs) * time.Millisecond)
}

func (fc *fakeClock) advance(d time.Duration) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.nowMs += d.Milliseconds()
}

// fakeUserStore is an in-memory UserStore.
type fakeUserStore struct {
	mu         sync.Mutex
	byID       map[Principal]UserRecord
	byUsername map[string]Principal
	lastLogin  map[Principal]int64
}

func newFakeUserStore() *fakeUserStore {
	return &fakeUserStore{
		byID:       make(map[Principal]UserRecord),
		byUsername: make(map[string]Principal),
		lastLogin:  make(map[Principal]int64),
	}
}

func (fs *fakeUserStore) add(u UserRecord) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.byID[u.ID] = u
	fs.byUsername[u.Username] = u.ID
}

func (fs *fakeUserStore) FindByUsername(username string) (UserRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	id, ok := fs.byUsername[username]
	if !ok {
		return UserRecord{}, ErrUserUnknown
	}
	return fs.byID[id], nil
}

func (fs *fakeUserStore) Get(p Principal) (UserRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	u, ok := fs.byID[p]
	if !ok {
		return UserRecord{}, ErrUserUnknown
	}
	return u, nil
}

func (fs *fakeUserStore) UpdateLastLogin(p Principal, atMs int64) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	fs.lastLogin[p] = atMs
	return nil
}

func (fs *fakeUserStore) UpdatePassword(p Principal, hash, salt []byte) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	u, ok := fs.byID[p]
	if !ok {
		return ErrUserUnknown
	}
	u.PasswordHash = hash
	u.Salt = salt
	fs.byID[p] = u
	return nil
}

func (fs *fakeUserStore) Lock(p Principal) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	u, ok := fs.byID[p]
	if !ok {
		return ErrUserUnknown
	}
	u.Locked = true
	fs.byID[p] = u
	return nil
}

func (fs *fakeUserStore) Unlock(p Principal) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	u, ok := fs.byID[p]
	if !ok {
		return ErrUserUnknown
	}
	u.Locked = false
	fs.byID[p] = u
	return nil
}

// fakeContexts records Create and Destroy calls.
type fakeContexts struct {
	mu        sync.Mutex
	nextID    uint64
	created   int
	destroyed map[uint64]int
	failNext  bool
}

func newFakeContexts() *fakeContexts {
	return &fakeContexts{nextID: 100, destroyed: make(map[uint64]int)}
}

func (fc *fakeContexts) Create(p Principal, token string, level SecurityLevel) (uint64, error) {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	if fc.failNext {
		fc.failNext = false
		return 0, ErrUserUnknown
	}
	fc.nextID++
	fc.created++
	return fc.nextID, nil
}

func (fc *fakeContexts) Destroy(id uint64) error {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	fc.destroyed[id]++
	return nil
}

func (fc *fakeContexts) createCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return fc.created
}

func (fc *fakeContexts) destroyCount() int {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	n := 0
	for _, c := range fc.destroyed {
		n += c
	}
	return n
}

// doubleDestroyed reports whether any context id was destroyed more
// than once.
func (fc *fakeContexts) doubleDestroyed() bool {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	for _, c := range fc.destroyed {
		if c > 1 {
			return true
		}
	}
	return false
}

// fakeProbe reports a fixed set of available biometric hardware.
type fakeProbe struct {
	available map[Method]bool
}

func (fp *fakeProbe) Available(m Method) bool { return fp.available[m] }

// recordingEmitter captures every emitted event.
type recordingEmitter struct {
	mu     sync.Mutex
	events []Event
}

func (re *recordingEmitter) Emit(e Event) {
	re.mu.Lock()
	defer re.mu.Unlock()
	re.events = append(re.events, e)
}

func (re *recordingEmitter) ofType(t EventType) []Event {
	re.mu.Lock()
	defer re.mu.Unlock()
	var out []Event
	for _, e := range re.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

// testPrims keeps the real TOTP and biometric scoring but replaces the
// password hash with a single SHA-256 round so tests stay fast.
type testPrims struct {
	real CredentialPrimitives
}

func newTestPrims() testPrims {
	return testPrims{real: DefaultPrimitives()}
}

func (tp testPrims) Hash(password string, salt []byte) []byte {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(password))
	return h.Sum(nil)
}

func (tp testPrims) Verify(password string, storedHash, salt []byte) bool {
	return subtle.ConstantTimeCompare(tp.Hash(password, salt), storedHash) == 1
}

func (tp testPrims) TOTP(secret string, at time.Time, algorithm string, digits, period int) (string, error) {
	return tp.real.TOTP(secret, at, algorithm, digits, period)
}

func (tp testPrims) BiometricMatch(sample, template []byte) float32 {
	return tp.real.BiometricMatch(sample, template)
}

// =============================================================================
// CONSTRUCTION HELPERS
// =============================================================================

type testEnv struct {
	core     *AuthCore
	clock    *fakeClock
	users    *fakeUserStore
	contexts *fakeContexts
	probe    *fakeProbe
	emitter  *recordingEmitter
	prims    testPrims
}

// newTestEnv builds a core with fakes and one enabled user "alice"
// (principal 1, password "Str0ng!Passw0rd").
func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()

	cfg := DefaultConfig()
	cfg.SweepIntervalSecs = 0 // Sweep manually in tests.
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		clock:    newFakeClock(),
		users:    newFakeUserStore(),
		contexts: newFakeContexts(),
		probe:    &fakeProbe{available: map[Method]bool{MethodFingerprint: true, MethodFacial: true}},
		emitter:  &recordingEmitter{},
		prims:    newTestPrims(),
	}

	salt := []byte("0123456789abcdef0123456789abcdef")
	env.users.add(UserRecord{
		ID:           1,
		Username:     "alice",
		DisplayName:  "Alice Example",
		Email:        "alice@example.com",
		Enabled:      true,
		PasswordHash: env.prims.Hash("Str0ng!Passw0rd", salt),
		Salt:         salt,
	})

	core, err := New(cfg, Capabilities{
		Users:      env.users,
		Contexts:   env.contexts,
		Probe:      env.probe,
		Clock:      env.clock,
		Random:     NewCryptoRandom(),
		Primitives: env.prims,
		Events:     env.emitter,
	})
	require.NoError(t, err)
	t.Cleanup(func() { core.Close() })

	env.core = core
	return env
}

// login authenticates alice and fails the test on error.
func (env *testEnv) login(t *testing.T, source string) Session {
	t.Helper()
	sess, err := env.core.AuthenticatePassword("alice", "Str0ng!Passw0rd", source)
	require.NoError(t, err)
	return sess
}
