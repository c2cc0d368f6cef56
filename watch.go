// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

package authcore

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// =============================================================================
// CONFIG WATCHER
// =============================================================================

// ConfigWatcher watches a TOML config file and delivers reloaded
// configurations to a callback. Editors replace files with rename/create
// sequences, so changes are debounced before the reload fires.
type ConfigWatcher struct {
	path     string
	onChange func(Config)
	watcher  *fsnotify.Watcher
	debounce time.Duration

	mu      sync.Mutex
	pending time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// WatchConfig starts watching path. onChange is called with each
// successfully parsed configuration; parse errors are dropped and the
// previous configuration stays in effect.
func WatchConfig(path string, onChange func(Config)) (*ConfigWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	// Watch the directory, not the file: rename-over-replace would
	// otherwise drop the watch.
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		watcher.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	cw := &ConfigWatcher{
		path:     path,
		onChange: onChange,
		watcher:  watcher,
		debounce: 250 * time.Millisecond,
		ctx:      ctx,
		cancel:   cancel,
	}

	cw.wg.Add(2)
	go cw.processEvents()
	go cw.processPending()

	return cw, nil
}

// processEvents marks the config as pending on every relevant event.
func (cw *ConfigWatcher) processEvents() {
	defer cw.wg.Done()

	for {
		select {
		case <-cw.ctx.Done():
			return

		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(cw.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0 {
				cw.mu.Lock()
				cw.pending = time.Now()
				cw.mu.Unlock()
			}

		case _, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
		}
	}
}

// processPending fires the reload once the debounce window elapses.
func (cw *ConfigWatcher) processPending() {
	defer cw.wg.Done()

	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-cw.ctx.Done():
			return

		case <-ticker.C:
			cw.mu.Lock()
			fire := !cw.pending.IsZero() && time.Since(cw.pending) >= cw.debounce
			if fire {
				cw.pending = time.Time{}
			}
			cw.mu.Unlock()

			if !fire {
				continue
			}
			cfg, err := LoadConfig(cw.path)
			if err != nil {
				continue
			}
			cw.onChange(cfg)
		}
	}
}

// Close stops watching and releases resources.
func (cw *ConfigWatcher) Close() error {
	cw.cancel()
	err := cw.watcher.Close()
	cw.wg.Wait()
	return err
}
