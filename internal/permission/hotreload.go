// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package permission

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// hotReloader watches the profiles directory and reloads profiles whenever
// a YAML file changes, debouncing rapid bursts of filesystem events (editor
// autosave, multiple files written together).
type hotReloader struct {
	manager    *Manager
	watcher    *fsnotify.Watcher
	debounceMs int

	debounceMu sync.Mutex
	timers     map[string]*time.Timer

	stopCh chan struct{}
	doneCh chan struct{}
	once   sync.Once
}

// StartWatch begins watching the profiles directory for changes, reloading
// all profiles (not just the changed file, since profiles may reference
// each other's levels for override validation) after a debounce window.
// Watching is a no-op if the directory does not exist yet.
func (m *Manager) StartWatch(ctx context.Context, debounceMs int) error {
	if debounceMs <= 0 {
		debounceMs = 500
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(m.profilesDir); err != nil {
		_ = watcher.Close()
		m.logger.Warn("permission profiles directory not watchable, hot-reload disabled",
			zap.String("dir", m.profilesDir), zap.Error(err))
		return nil
	}

	hr := &hotReloader{
		manager:    m,
		watcher:    watcher,
		debounceMs: debounceMs,
		timers:     make(map[string]*time.Timer),
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
	m.reloader = hr

	go hr.loop(ctx)
	return nil
}

// StopWatch stops the hot-reload watcher, if running. Idempotent.
func (m *Manager) StopWatch() {
	if m.reloader == nil {
		return
	}
	m.reloader.once.Do(func() {
		close(m.reloader.stopCh)
		<-m.reloader.doneCh
		_ = m.reloader.watcher.Close()
	})
}

func (hr *hotReloader) loop(ctx context.Context) {
	defer close(hr.doneCh)
	for {
		select {
		case event, ok := <-hr.watcher.Events:
			if !ok {
				return
			}
			hr.handle(event)
		case err, ok := <-hr.watcher.Errors:
			if !ok {
				return
			}
			hr.manager.logger.Error("permission profile watcher error", zap.Error(err))
		case <-hr.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (hr *hotReloader) handle(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".yaml") && !strings.HasSuffix(event.Name, ".yml") {
		return
	}

	hr.debounceMu.Lock()
	defer hr.debounceMu.Unlock()

	if timer, exists := hr.timers[event.Name]; exists {
		timer.Stop()
	}
	hr.timers[event.Name] = time.AfterFunc(time.Duration(hr.debounceMs)*time.Millisecond, func() {
		if err := hr.manager.LoadProfiles(); err != nil {
			hr.manager.logger.Error("permission profile reload failed", zap.Error(err))
			return
		}
		hr.manager.logger.Info("permission profiles reloaded", zap.String("trigger", event.Name))

		hr.debounceMu.Lock()
		delete(hr.timers, event.Name)
		hr.debounceMu.Unlock()
	})
}

// Reload forces an immediate, synchronous re-read of the profiles
// directory, bypassing the debounce window. Used by the
// `permission:list_profiles` handler's `reload` query flag.
func (m *Manager) Reload() error {
	return m.LoadProfiles()
}
