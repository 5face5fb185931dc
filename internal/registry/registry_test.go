// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package registry

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	_ "github.com/mutecomm/go-sqlcipher/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/permission"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	dbPath := filepath.Join(t.TempDir(), "registry.db")
	db, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	r, err := New(db, nil)
	require.NoError(t, err)
	return r
}

func TestRegisterAndGet(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	agent := &Agent{
		AgentID:     "agent-1",
		ProfileName: "standard",
		Permissions: permission.Profile{Level: permission.LevelStandard},
		SandboxUUID: "sbx-1",
		State:       StateReady,
	}
	require.NoError(t, r.Register(ctx, agent))

	got, ok := r.Get("agent-1")
	require.True(t, ok)
	assert.Equal(t, "standard", got.ProfileName)
}

func TestSetStatePersists(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &Agent{AgentID: "agent-2", State: StateRegistering}))
	require.NoError(t, r.SetState(ctx, "agent-2", StateReady))

	got, ok := r.Get("agent-2")
	require.True(t, ok)
	assert.Equal(t, StateReady, got.State)
}

func TestSetStateUnknownAgentFails(t *testing.T) {
	r := newTestRegistry(t)
	err := r.SetState(context.Background(), "ghost", StateReady)
	assert.Error(t, err)
}

func TestSetStateRejectsInvalidTransition(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &Agent{AgentID: "agent-skip", State: StateRegistering}))
	err := r.SetState(ctx, "agent-skip", StateDead)
	assert.Error(t, err)

	got, ok := r.Get("agent-skip")
	require.True(t, ok)
	assert.Equal(t, StateRegistering, got.State)
}

func TestSetStateAllowsReadyBusyCycling(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, r.Register(ctx, &Agent{AgentID: "agent-cycle", State: StateReady}))
	require.NoError(t, r.SetState(ctx, "agent-cycle", StateBusy))
	require.NoError(t, r.SetState(ctx, "agent-cycle", StateReady))
	require.NoError(t, r.SetState(ctx, "agent-cycle", StateBusy))
	require.NoError(t, r.SetState(ctx, "agent-cycle", StateReady))

	got, ok := r.Get("agent-cycle")
	require.True(t, ok)
	assert.Equal(t, StateReady, got.State)
}

func TestRemoveDropsFromCache(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, &Agent{AgentID: "agent-3", State: StateReady}))
	require.NoError(t, r.Remove(ctx, "agent-3"))

	_, ok := r.Get("agent-3")
	assert.False(t, ok)
}

func TestChildrenReturnsParentChildGraph(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, &Agent{AgentID: "parent", State: StateReady}))
	require.NoError(t, r.Register(ctx, &Agent{AgentID: "child-a", ParentAgentID: "parent", State: StateReady}))
	require.NoError(t, r.Register(ctx, &Agent{AgentID: "child-b", ParentAgentID: "parent", State: StateReady}))

	assert.ElementsMatch(t, []string{"child-a", "child-b"}, r.Children("parent"))
}

func TestResolveAgentPrefersClosestCapabilityMatch(t *testing.T) {
	r := newTestRegistry(t)
	ctx := context.Background()
	require.NoError(t, r.Register(ctx, &Agent{
		AgentID: "generalist", State: StateReady,
		Capabilities: []string{"code_review", "testing", "docs"},
	}))
	require.NoError(t, r.Register(ctx, &Agent{
		AgentID: "specialist", State: StateReady,
		Capabilities: []string{"code_review"},
	}))

	agentID, ok := r.ResolveAgent([]string{"code_review"})
	require.True(t, ok)
	assert.Equal(t, "specialist", agentID)
}

func TestResolveAgentReturnsFalseWhenNoneQualify(t *testing.T) {
	r := newTestRegistry(t)
	require.NoError(t, r.Register(context.Background(), &Agent{
		AgentID: "agent-x", State: StateReady, Capabilities: []string{"docs"},
	}))

	_, ok := r.ResolveAgent([]string{"code_review"})
	assert.False(t, ok)
}

func TestRestoreReloadsAgentsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "registry.db")

	db1, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	r1, err := New(db1, nil)
	require.NoError(t, err)
	require.NoError(t, r1.Register(context.Background(), &Agent{AgentID: "durable-1", State: StateReady}))
	require.NoError(t, db1.Close())

	db2, err := sql.Open("sqlite3", dbPath)
	require.NoError(t, err)
	defer db2.Close()
	r2, err := New(db2, nil)
	require.NoError(t, err)

	_, ok := r2.Get("durable-1")
	assert.True(t, ok)
}
