// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package sandbox

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateIsolatedSandboxShape(t *testing.T) {
	m, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	sb, err := m.CreateSandbox("agent-1", Config{Mode: ModeIsolated})
	require.NoError(t, err)

	for _, dir := range []string{"workspace", "shared", "exports", ".agent"} {
		assert.DirExists(t, filepath.Join(sb.Path, dir))
	}
	assert.FileExists(t, filepath.Join(sb.Path, ".sandbox_metadata.json"))
}

func TestSharedSandboxesBySessionCollapseToOnePath(t *testing.T) {
	m, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	a, err := m.CreateSandbox("agent-a", Config{Mode: ModeShared, SessionID: "sess-1"})
	require.NoError(t, err)
	b, err := m.CreateSandbox("agent-b", Config{Mode: ModeShared, SessionID: "sess-1"})
	require.NoError(t, err)

	assert.Equal(t, a.Path, b.Path)
	assert.ElementsMatch(t, []string{"agent-a", "agent-b"}, m.SessionAgents("sess-1"))
}

func TestNestedSandboxLivesUnderParentAndLinksParentWorkspace(t *testing.T) {
	m, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	parent, err := m.CreateSandbox("parent-1", Config{Mode: ModeIsolated})
	require.NoError(t, err)

	child, err := m.CreateSandbox("child-1", Config{
		Mode: ModeNested, ParentAgentID: "parent-1", ParentShare: ParentShareReadOnly,
	})
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(parent.Path, "nested", "child-1"), child.Path)

	link := filepath.Join(child.Path, "parent")
	target, err := os.Readlink(link)
	require.NoError(t, err)
	assert.Equal(t, parent.WorkspacePath(), target)

	assert.FileExists(t, filepath.Join(child.Path, ".parent_access"))
	assert.ElementsMatch(t, []string{"child-1"}, m.NestedAgents("parent-1"))
}

func TestNestedSandboxRequiresExistingParent(t *testing.T) {
	m, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = m.CreateSandbox("orphan", Config{Mode: ModeNested, ParentAgentID: "no-such-parent"})
	assert.Error(t, err)
}

func TestRemoveSandboxRejectsWhenNestedChildrenExistUnlessForced(t *testing.T) {
	m, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = m.CreateSandbox("parent-2", Config{Mode: ModeIsolated})
	require.NoError(t, err)
	_, err = m.CreateSandbox("child-2", Config{Mode: ModeNested, ParentAgentID: "parent-2"})
	require.NoError(t, err)

	err = m.RemoveSandbox("parent-2", false)
	assert.Error(t, err)

	err = m.RemoveSandbox("parent-2", true)
	assert.NoError(t, err)
}

func TestRemoveSharedSandboxUntracksWithoutDeletingDisk(t *testing.T) {
	m, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	sb, err := m.CreateSandbox("agent-shared", Config{Mode: ModeShared, SessionID: "sess-2"})
	require.NoError(t, err)

	require.NoError(t, m.RemoveSandbox("agent-shared", false))
	assert.DirExists(t, sb.Path)

	_, ok := m.GetSandbox("agent-shared")
	assert.False(t, ok)
}

func TestStatsCountsByMode(t *testing.T) {
	m, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = m.CreateSandbox("iso-1", Config{Mode: ModeIsolated})
	require.NoError(t, err)
	_, err = m.CreateSandbox("shared-1", Config{Mode: ModeShared, SessionID: "s1"})
	require.NoError(t, err)

	stats := m.Stats()
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.Isolated)
	assert.Equal(t, 1, stats.Shared)
	assert.Equal(t, 1, stats.BySession["s1"])
}

func TestCleanupOrphanedRemovesOldUntrackedDirectories(t *testing.T) {
	root := t.TempDir()
	m, err := New(root, nil)
	require.NoError(t, err)

	orphanDir := filepath.Join(root, "agents", "orphan-1")
	require.NoError(t, os.MkdirAll(orphanDir, 0o755))
	meta := metadata{AgentID: "orphan-1", Mode: ModeIsolated, CreatedAt: time.Now().Add(-48 * time.Hour)}
	raw, err := json.MarshalIndent(meta, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(orphanDir, ".sandbox_metadata.json"), raw, 0o644))

	cleaned, err := m.CleanupOrphaned(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, cleaned)
	assert.NoDirExists(t, orphanDir)
}

func TestCleanupOrphanedSkipsFreshDirectories(t *testing.T) {
	root := t.TempDir()
	m, err := New(root, nil)
	require.NoError(t, err)

	freshDir := filepath.Join(root, "agents", "fresh-1")
	require.NoError(t, os.MkdirAll(freshDir, 0o755))
	meta := metadata{AgentID: "fresh-1", Mode: ModeIsolated, CreatedAt: time.Now()}
	raw, err := json.MarshalIndent(meta, "", "  ")
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(freshDir, ".sandbox_metadata.json"), raw, 0o644))

	cleaned, err := m.CleanupOrphaned(24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 0, cleaned)
	assert.DirExists(t, freshDir)
}

func TestDiskUsageSumsWorkspaceAndExports(t *testing.T) {
	m, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	sb, err := m.CreateSandbox("agent-1", Config{Mode: ModeIsolated})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(sb.WorkspacePath(), "a.txt"), []byte("12345"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(sb.ExportsPath(), "b.txt"), []byte("1234567"), 0o644))

	usage := m.DiskUsage()
	assert.EqualValues(t, 12, usage["agent-1"])
}

func TestDiskUsageEmptyForFreshSandbox(t *testing.T) {
	m, err := New(t.TempDir(), nil)
	require.NoError(t, err)

	_, err = m.CreateSandbox("agent-1", Config{Mode: ModeIsolated})
	require.NoError(t, err)

	usage := m.DiskUsage()
	assert.EqualValues(t, 0, usage["agent-1"])
}
