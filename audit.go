// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// AUDIT LOGGER
// =============================================================================

// AuditLogger is a file-backed Emitter writing one JSON object per
// line, with size-based rotation. It is safe for concurrent use.
type AuditLogger struct {
	path         string
	maxSize      int64
	maxRotations int

	mu      sync.Mutex
	file    *os.File
	enabled bool
}

// NewAuditLogger opens (or creates) the audit log described by cfg.
// Returns nil and no error when cfg.Enabled is false.
func NewAuditLogger(cfg AuditConfig) (*AuditLogger, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if cfg.Path == "" {
		return nil, fmt.Errorf("audit log path not configured")
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
		return nil, fmt.Errorf("creating audit log directory: %w", err)
	}
	file, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	maxSize := cfg.MaxSizeBytes
	if maxSize <= 0 {
		maxSize = 10 * 1024 * 1024
	}
	maxRotations := cfg.MaxRotations
	if maxRotations <= 0 {
		maxRotations = 5
	}

	return &AuditLogger{
		path:         cfg.Path,
		maxSize:      maxSize,
		maxRotations: maxRotations,
		file:         file,
		enabled:      true,
	}, nil
}

// Emit writes the event as a JSON line. Write failures are swallowed;
// audit is best-effort and must never fail an auth operation.
func (l *AuditLogger) Emit(e Event) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.enabled || l.file == nil {
		return
	}

	if err := l.checkRotationLocked(); err != nil {
		fmt.Fprintf(os.Stderr, "[audit] rotation failed: %v\n", err)
	}

	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if _, err := fmt.Fprintln(l.file, string(data)); err != nil {
		fmt.Fprintf(os.Stderr, "[audit] write failed: %v\n", err)
	}
}

// checkRotationLocked rotates the log when it exceeds maxSize.
func (l *AuditLogger) checkRotationLocked() error {
	info, err := l.file.Stat()
	if err != nil {
		return nil
	}
	if info.Size() < l.maxSize {
		return nil
	}
	return l.rotateLocked()
}

// rotateLocked renames the current file with a timestamp suffix, opens
// a fresh one, and prunes the oldest rotations past maxRotations.
func (l *AuditLogger) rotateLocked() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("closing audit log for rotation: %w", err)
	}

	timestamp := time.Now().Format("20060102_150405")
	ext := filepath.Ext(l.path)
	base := strings.TrimSuffix(l.path, ext)
	rotatedPath := fmt.Sprintf("%s_%s%s", base, timestamp, ext)

	if err := os.Rename(l.path, rotatedPath); err != nil {
		l.file, _ = os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		return fmt.Errorf("rotating audit log: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("reopening audit log after rotation: %w", err)
	}
	l.file = file

	l.pruneLocked(base, ext)
	return nil
}

// pruneLocked deletes the oldest rotated files beyond maxRotations.
func (l *AuditLogger) pruneLocked(base, ext string) {
	matches, err := filepath.Glob(fmt.Sprintf("%s_*%s", base, ext))
	if err != nil || len(matches) <= l.maxRotations {
		return
	}
	sort.Strings(matches) // Timestamp suffixes sort chronologically
	for _, old := range matches[:len(matches)-l.maxRotations] {
		os.Remove(old)
	}
}

// SetEnabled turns logging on or off without closing the file.
func (l *AuditLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// Close flushes and closes the log file.
func (l *AuditLogger) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
