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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/ksi-project/ksid/internal/ksierr"
)

// DefaultToolUniverse is used when a profile's Allowed is nil and no
// explicit universe is supplied by the caller.
var DefaultToolUniverse = []string{
	"Task", "Bash", "Glob", "Grep", "LS", "Read", "Edit", "MultiEdit",
	"Write", "NotebookRead", "NotebookEdit", "WebFetch", "WebSearch",
	"TodoRead", "TodoWrite",
}

// Manager loads permission profiles from a directory of YAML files and
// tracks the immutable permission assignment for each live agent. Profiles
// reload automatically on file change; per-agent assignments do not.
type Manager struct {
	profilesDir string
	logger      *zap.Logger

	mu       sync.RWMutex
	profiles map[Level]Profile
	agents   map[string]Profile

	reloader *hotReloader
}

// New builds a Manager that reads *.yaml profile files from profilesDir.
// Call LoadProfiles to populate the initial set and StartWatch to enable
// hot-reload.
func New(profilesDir string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		profilesDir: profilesDir,
		logger:      logger,
		profiles:    make(map[Level]Profile),
		agents:      make(map[string]Profile),
	}
}

// LoadProfiles reads every *.yaml/*.yml file in the profiles directory,
// keyed by the filename stem as the profile Level.
func (m *Manager) LoadProfiles() error {
	entries, err := os.ReadDir(m.profilesDir)
	if err != nil {
		return fmt.Errorf("reading profiles directory %s: %w", m.profilesDir, err)
	}

	loaded := make(map[Level]Profile)
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		if !strings.HasSuffix(name, ".yaml") && !strings.HasSuffix(name, ".yml") {
			continue
		}
		profile, level, err := loadProfileFile(filepath.Join(m.profilesDir, name))
		if err != nil {
			m.logger.Error("failed to load permission profile",
				zap.String("file", name), zap.Error(err))
			continue
		}
		loaded[level] = profile
		m.logger.Info("loaded permission profile", zap.String("level", string(level)))
	}

	m.mu.Lock()
	m.profiles = loaded
	m.mu.Unlock()
	return nil
}

func loadProfileFile(path string) (Profile, Level, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Profile{}, "", err
	}

	var profile Profile
	if err := yaml.Unmarshal(raw, &profile); err != nil {
		return Profile{}, "", fmt.Errorf("parsing %s: %w", path, err)
	}

	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	level := Level(stem)
	switch level {
	case LevelRestricted, LevelStandard, LevelTrusted, LevelResearcher:
	default:
		level = LevelCustom
	}
	profile.Level = level
	return profile, level, nil
}

// GetProfile returns the named profile, if loaded.
func (m *Manager) GetProfile(level Level) (Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.profiles[level]
	return p, ok
}

// ListProfiles returns every loaded profile, keyed by level.
func (m *Manager) ListProfiles() map[Level]Profile {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[Level]Profile, len(m.profiles))
	for k, v := range m.profiles {
		out[k] = v
	}
	return out
}

// SetAgentPermissions assigns profile to agentID. Permissions are immutable
// after spawn by convention; callers must not call this again for an
// already-registered agent except during teardown bookkeeping.
func (m *Manager) SetAgentPermissions(agentID string, profile Profile) {
	m.mu.Lock()
	m.agents[agentID] = profile
	m.mu.Unlock()
	m.logger.Info("assigned agent permissions",
		zap.String("agent_id", agentID), zap.String("level", string(profile.Level)))
}

// GetAgentPermissions returns agentID's assigned profile, if any.
func (m *Manager) GetAgentPermissions(agentID string) (Profile, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.agents[agentID]
	return p, ok
}

// RemoveAgentPermissions forgets agentID's assignment, called on agent
// termination.
func (m *Manager) RemoveAgentPermissions(agentID string) {
	m.mu.Lock()
	delete(m.agents, agentID)
	m.mu.Unlock()
}

// ValidateSpawn checks whether parentID may spawn a child carrying
// childProfile, returning a PERMISSION_DENIED error when the rule fails.
func (m *Manager) ValidateSpawn(parentID string, childProfile Profile) error {
	parentProfile, ok := m.GetAgentPermissions(parentID)
	if !ok {
		return ksierr.Newf(ksierr.PermissionDenied, "unknown parent agent %q", parentID)
	}
	if !parentProfile.CanSpawn(childProfile, DefaultToolUniverse) {
		return ksierr.Newf(ksierr.PermissionDenied,
			"parent %q cannot spawn child with requested permissions", parentID)
	}
	return nil
}

// ValidatePath checks whether path is permitted for read (or write) access
// under an agent's filesystem permissions, resolved relative to
// sandboxDir. Symlinks are rejected unless AllowSymlinks is set.
func ValidatePath(fsPerms FilesystemPermissions, sandboxDir, path string, write bool) error {
	target := path
	if !filepath.IsAbs(target) {
		target = filepath.Join(sandboxDir, target)
	}
	resolved, err := filepath.Abs(target)
	if err != nil {
		return ksierr.Wrap(ksierr.PermissionDenied, err, "resolving path")
	}

	if !fsPerms.AllowSymlinks {
		if info, err := os.Lstat(resolved); err == nil && info.Mode()&os.ModeSymlink != 0 {
			return ksierr.Newf(ksierr.PermissionDenied, "symlinks not permitted: %s", path)
		}
	}

	allowList := fsPerms.ReadPaths
	if write {
		allowList = fsPerms.WritePaths
	}

	for _, allowed := range allowList {
		allowedAbs := allowed
		if !filepath.IsAbs(allowedAbs) {
			allowedAbs = filepath.Join(sandboxDir, allowed)
		}
		allowedAbs, err = filepath.Abs(allowedAbs)
		if err != nil {
			continue
		}
		rel, err := filepath.Rel(allowedAbs, resolved)
		if err != nil {
			continue
		}
		if rel == "." || (!strings.HasPrefix(rel, "..") && rel != "..") {
			return nil
		}
	}

	return ksierr.Newf(ksierr.PermissionDenied, "path %s is outside permitted %s paths", path, accessWord(write))
}

func accessWord(write bool) string {
	if write {
		return "write"
	}
	return "read"
}
