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

// Package sandbox creates and tears down per-agent working directories:
// isolated, shared-by-session, or nested under a parent agent's own
// sandbox, each with a fixed subdirectory shape and recorded metadata.
package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/ksierr"
)

// Mode names how a sandbox's directory is shared.
type Mode string

const (
	ModeIsolated Mode = "isolated"
	ModeShared   Mode = "shared"
	ModeNested   Mode = "nested"
)

// ParentShare controls how much of a nested sandbox's parent workspace is
// exposed via the `parent` symlink.
type ParentShare string

const (
	ParentShareReadOnly  ParentShare = "read_only"
	ParentShareReadWrite ParentShare = "read_write"
	ParentShareNone      ParentShare = "none"
)

// Config describes how one sandbox should be created.
type Config struct {
	Mode          Mode
	ParentAgentID string
	SessionID     string
	ParentShare   ParentShare
	SessionShare  bool
}

// metadata is persisted as .sandbox_metadata.json inside every sandbox.
type metadata struct {
	AgentID   string    `json:"agent_id"`
	Mode      Mode      `json:"mode"`
	Config    Config    `json:"config"`
	CreatedAt time.Time `json:"created_at"`
}

// Sandbox is a created agent working directory.
type Sandbox struct {
	AgentID   string
	Path      string
	Config    Config
	CreatedAt time.Time
}

func (s Sandbox) WorkspacePath() string { return filepath.Join(s.Path, "workspace") }
func (s Sandbox) SharedPath() string    { return filepath.Join(s.Path, "shared") }
func (s Sandbox) ExportsPath() string   { return filepath.Join(s.Path, "exports") }
func (s Sandbox) AgentStatePath() string { return filepath.Join(s.Path, ".agent") }

// Manager creates, tracks, and removes agent sandboxes rooted at a single
// directory tree.
type Manager struct {
	root       string
	sharedRoot string
	agentsRoot string
	logger     *zap.Logger

	mu        sync.RWMutex
	sandboxes map[string]*Sandbox
}

// New builds a Manager rooted at root, creating the fixed top-level shape
// (agents/, shared/, _shared/{knowledge,templates}/) if absent.
func New(root string, logger *zap.Logger) (*Manager, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Manager{
		root:       root,
		sharedRoot: filepath.Join(root, "shared"),
		agentsRoot: filepath.Join(root, "agents"),
		logger:     logger,
		sandboxes:  make(map[string]*Sandbox),
	}
	if err := m.ensureDirectories(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Manager) ensureDirectories() error {
	for _, dir := range []string{
		m.root,
		m.sharedRoot,
		m.agentsRoot,
		filepath.Join(m.root, "_shared", "knowledge"),
		filepath.Join(m.root, "_shared", "templates"),
	} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("creating sandbox directory %s: %w", dir, err)
		}
	}
	return nil
}

// CreateSandbox creates a new sandbox for agentID per cfg's mode and
// registers it for lookup by GetSandbox.
func (m *Manager) CreateSandbox(agentID string, cfg Config) (*Sandbox, error) {
	path, err := m.resolvePath(agentID, cfg)
	if err != nil {
		return nil, err
	}

	for _, dir := range []string{"workspace", "shared", "exports", ".agent"} {
		if err := os.MkdirAll(filepath.Join(path, dir), 0o755); err != nil {
			return nil, ksierr.Wrap(ksierr.Internal, err, "creating sandbox subdirectory")
		}
	}

	if err := m.setupSharedResources(path, cfg); err != nil {
		m.logger.Warn("failed to set up sandbox shared resources",
			zap.String("agent_id", agentID), zap.Error(err))
	}

	sandbox := &Sandbox{AgentID: agentID, Path: path, Config: cfg, CreatedAt: time.Now()}
	if err := writeMetadata(path, sandbox); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sandboxes[agentID] = sandbox
	m.mu.Unlock()

	m.logger.Info("created sandbox",
		zap.String("agent_id", agentID), zap.String("mode", string(cfg.Mode)), zap.String("path", path))
	return sandbox, nil
}

func (m *Manager) resolvePath(agentID string, cfg Config) (string, error) {
	switch {
	case cfg.Mode == ModeShared && cfg.SessionID != "":
		return filepath.Join(m.sharedRoot, cfg.SessionID), nil
	case cfg.Mode == ModeNested && cfg.ParentAgentID != "":
		parent, ok := m.GetSandbox(cfg.ParentAgentID)
		if !ok {
			return "", ksierr.Newf(ksierr.NotFound, "parent agent %q not found", cfg.ParentAgentID)
		}
		return filepath.Join(parent.Path, "nested", agentID), nil
	default:
		return filepath.Join(m.agentsRoot, agentID), nil
	}
}

func (m *Manager) setupSharedResources(path string, cfg Config) error {
	sharedDir := filepath.Join(path, "shared")
	globalShared := filepath.Join(m.root, "_shared")

	for _, resource := range []string{"knowledge", "templates"} {
		src := filepath.Join(globalShared, resource)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		link := filepath.Join(sharedDir, resource)
		if _, err := os.Lstat(link); err == nil {
			continue
		}
		if err := os.Symlink(src, link); err != nil {
			return err
		}
	}

	if cfg.Mode == ModeNested && cfg.ParentAgentID != "" {
		parent, ok := m.GetSandbox(cfg.ParentAgentID)
		if ok && cfg.ParentShare != ParentShareNone {
			parentLink := filepath.Join(path, "parent")
			if _, err := os.Lstat(parentLink); err != nil {
				if err := os.Symlink(parent.WorkspacePath(), parentLink); err != nil {
					return err
				}
				if cfg.ParentShare == ParentShareReadOnly {
					marker := filepath.Join(path, ".parent_access")
					if err := os.WriteFile(marker, []byte("read_only"), 0o644); err != nil {
						return err
					}
				}
			}
		}
	}

	if cfg.SessionShare && cfg.SessionID != "" {
		sessionShared := filepath.Join(m.sharedRoot, cfg.SessionID, "shared")
		if _, err := os.Stat(sessionShared); err == nil {
			link := filepath.Join(sharedDir, "session")
			if _, err := os.Lstat(link); err != nil {
				if err := os.Symlink(sessionShared, link); err != nil {
					return err
				}
			}
		}
	}

	return nil
}

func writeMetadata(path string, s *Sandbox) error {
	meta := metadata{AgentID: s.AgentID, Mode: s.Config.Mode, Config: s.Config, CreatedAt: s.CreatedAt}
	raw, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return ksierr.Wrap(ksierr.Internal, err, "marshaling sandbox metadata")
	}
	if err := os.WriteFile(filepath.Join(path, ".sandbox_metadata.json"), raw, 0o644); err != nil {
		return ksierr.Wrap(ksierr.Internal, err, "writing sandbox metadata")
	}
	return nil
}

// GetSandbox returns the registered sandbox for agentID, if any.
func (m *Manager) GetSandbox(agentID string) (*Sandbox, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sandboxes[agentID]
	return s, ok
}

// RemoveSandbox removes agentID's sandbox. Unless force is set, removal is
// rejected if the sandbox has live nested children. Shared sandboxes are
// never deleted from disk, only untracked (other agents may still use
// them).
func (m *Manager) RemoveSandbox(agentID string, force bool) error {
	sandbox, ok := m.GetSandbox(agentID)
	if !ok {
		return ksierr.Newf(ksierr.NotFound, "sandbox not found for agent %q", agentID)
	}

	if !force {
		nestedDir := filepath.Join(sandbox.Path, "nested")
		if entries, err := os.ReadDir(nestedDir); err == nil && len(entries) > 0 {
			return ksierr.Newf(ksierr.BadRequest,
				"cannot remove sandbox %q with %d nested children", agentID, len(entries))
		}
	}

	m.mu.Lock()
	delete(m.sandboxes, agentID)
	m.mu.Unlock()

	if sandbox.Config.Mode == ModeShared {
		m.logger.Info("removed agent from shared sandbox", zap.String("agent_id", agentID))
		return nil
	}

	if err := os.RemoveAll(sandbox.Path); err != nil {
		return ksierr.Wrap(ksierr.Internal, err, "removing sandbox directory")
	}
	m.logger.Info("removed sandbox", zap.String("agent_id", agentID), zap.String("path", sandbox.Path))
	return nil
}

// ListSandboxes returns every currently tracked sandbox.
func (m *Manager) ListSandboxes() []*Sandbox {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*Sandbox, 0, len(m.sandboxes))
	for _, s := range m.sandboxes {
		out = append(out, s)
	}
	return out
}

// SessionAgents returns the agent IDs sharing sessionID's sandbox.
func (m *Manager) SessionAgents(sessionID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, s := range m.sandboxes {
		if s.Config.SessionID == sessionID {
			out = append(out, id)
		}
	}
	return out
}

// NestedAgents returns the agent IDs nested under parentAgentID.
func (m *Manager) NestedAgents(parentAgentID string) []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []string
	for id, s := range m.sandboxes {
		if s.Config.ParentAgentID == parentAgentID {
			out = append(out, id)
		}
	}
	return out
}

// Stats summarizes sandbox usage by mode.
type Stats struct {
	Total     int
	Isolated  int
	Shared    int
	Nested    int
	BySession map[string]int
	ByParent  map[string]int
}

// Stats computes current sandbox usage statistics.
func (m *Manager) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := Stats{BySession: make(map[string]int), ByParent: make(map[string]int)}
	stats.Total = len(m.sandboxes)
	for _, s := range m.sandboxes {
		switch s.Config.Mode {
		case ModeIsolated:
			stats.Isolated++
		case ModeShared:
			stats.Shared++
			if s.Config.SessionID != "" {
				stats.BySession[s.Config.SessionID]++
			}
		case ModeNested:
			stats.Nested++
			if s.Config.ParentAgentID != "" {
				stats.ByParent[s.Config.ParentAgentID]++
			}
		}
	}
	return stats
}

// DiskUsage reports the bytes occupied by each tracked sandbox's workspace
// and exports directories (the parts an agent actually writes to; shared
// symlinks and metadata are excluded). A sandbox whose directories cannot be
// walked is omitted rather than failing the whole report.
func (m *Manager) DiskUsage() map[string]int64 {
	sandboxes := m.ListSandboxes()
	usage := make(map[string]int64, len(sandboxes))
	for _, s := range sandboxes {
		var total int64
		for _, dir := range []string{s.WorkspacePath(), s.ExportsPath()} {
			total += dirSize(dir)
		}
		usage[s.AgentID] = total
	}
	return usage
}

func dirSize(root string) int64 {
	var total int64
	_ = filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return nil // skip unreadable entries rather than aborting the walk
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	return total
}

// CleanupOrphaned removes agent sandboxes on disk that have no live
// registration and are older than threshold, per their recorded creation
// timestamp. Returns the number of directories removed.
func (m *Manager) CleanupOrphaned(threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = 24 * time.Hour
	}

	entries, err := os.ReadDir(m.agentsRoot)
	if err != nil {
		return 0, ksierr.Wrap(ksierr.Internal, err, "reading agents sandbox root")
	}

	cleaned := 0
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		agentID := entry.Name()
		if _, tracked := m.GetSandbox(agentID); tracked {
			continue
		}

		sandboxDir := filepath.Join(m.agentsRoot, agentID)
		metaPath := filepath.Join(sandboxDir, ".sandbox_metadata.json")
		raw, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var meta metadata
		if err := json.Unmarshal(raw, &meta); err != nil {
			m.logger.Warn("malformed sandbox metadata, skipping orphan check",
				zap.String("path", sandboxDir), zap.Error(err))
			continue
		}

		if time.Since(meta.CreatedAt) > threshold {
			if err := os.RemoveAll(sandboxDir); err != nil {
				m.logger.Error("failed to clean orphaned sandbox", zap.String("path", sandboxDir), zap.Error(err))
				continue
			}
			m.logger.Info("cleaned orphaned sandbox", zap.String("path", sandboxDir))
			cleaned++
		}
	}
	return cleaned, nil
}
