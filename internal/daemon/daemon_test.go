// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package daemon

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/event"
)

// newTestDaemon builds a fully wired Daemon rooted at a temporary data
// directory, with a "standard" permission profile pre-seeded so agent
// spawns have something to validate against.
func newTestDaemon(t *testing.T) *Daemon {
	t.Helper()
	dir := t.TempDir()
	t.Setenv("KSI_DATA_DIR", dir)

	profilesDir := filepath.Join(dir, "profiles")
	require.NoError(t, os.MkdirAll(profilesDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(profilesDir, "standard.yaml"), []byte("tools:\n  denied: []\n"), 0o644))

	d, err := New(Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(d.Shutdown)
	return d
}

func emit(t *testing.T, d *Daemon, name string, payload any) *event.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)
	root := event.NewRootContext("test-harness")
	resp := d.router.EmitFirst(context.Background(), root, name, data)
	require.NotNil(t, resp, "no handler responded to %s", name)
	return resp
}

func decodeResult(t *testing.T, resp *event.Response, out any) {
	t.Helper()
	require.Equal(t, "success", resp.Status, "event failed: %+v", resp.Error)
	require.NoError(t, json.Unmarshal(resp.Result, out))
}

func TestAgentSpawnListInfoTerminate(t *testing.T) {
	d := newTestDaemon(t)

	spawnResp := emit(t, d, "agent:spawn", map[string]any{
		"profile_level": "standard",
	})
	var spawned struct {
		AgentID string `json:"agent_id"`
		State   string `json:"state"`
	}
	decodeResult(t, spawnResp, &spawned)
	assert.NotEmpty(t, spawned.AgentID)
	assert.Equal(t, "ready", spawned.State)

	infoResp := emit(t, d, "agent:info", map[string]any{"agent_id": spawned.AgentID})
	var info struct {
		AgentID string `json:"agent_id"`
	}
	decodeResult(t, infoResp, &info)
	assert.Equal(t, spawned.AgentID, info.AgentID)

	listResp := emit(t, d, "agent:list", map[string]any{})
	var list struct {
		Agents []map[string]any `json:"agents"`
	}
	decodeResult(t, listResp, &list)
	assert.Len(t, list.Agents, 1)

	termResp := emit(t, d, "agent:terminate", map[string]any{"agent_id": spawned.AgentID})
	var term struct {
		AgentID string `json:"agent_id"`
	}
	decodeResult(t, termResp, &term)
	assert.Equal(t, spawned.AgentID, term.AgentID)

	afterResp := emit(t, d, "agent:info", map[string]any{"agent_id": spawned.AgentID})
	assert.Equal(t, "error", afterResp.Status)
}

func TestAgentSpawnUnknownProfileRejected(t *testing.T) {
	d := newTestDaemon(t)

	resp := emit(t, d, "agent:spawn", map[string]any{"profile_level": "nonexistent"})
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestPermissionGetAndListProfiles(t *testing.T) {
	d := newTestDaemon(t)

	getResp := emit(t, d, "permission:get_profile", map[string]any{"level": "standard"})
	var profile map[string]any
	decodeResult(t, getResp, &profile)
	assert.Equal(t, "standard", profile["level"])

	listResp := emit(t, d, "permission:list_profiles", map[string]any{})
	var list struct {
		Profiles map[string]any `json:"profiles"`
	}
	decodeResult(t, listResp, &list)
	assert.Contains(t, list.Profiles, "standard")
}

func TestSandboxCreateGetList(t *testing.T) {
	d := newTestDaemon(t)

	createResp := emit(t, d, "sandbox:create", map[string]any{
		"agent_id": "agent-1",
		"config":   map[string]any{"mode": "isolated"},
	})
	var created struct {
		AgentID string `json:"agent_id"`
	}
	decodeResult(t, createResp, &created)
	assert.Equal(t, "agent-1", created.AgentID)

	getResp := emit(t, d, "sandbox:get", map[string]any{"agent_id": "agent-1"})
	assert.Equal(t, "success", getResp.Status)

	listResp := emit(t, d, "sandbox:list", map[string]any{})
	var list struct {
		Sandboxes []map[string]any `json:"sandboxes"`
	}
	decodeResult(t, listResp, &list)
	assert.Len(t, list.Sandboxes, 1)
}

func TestSandboxStatsReportsBytesUsed(t *testing.T) {
	d := newTestDaemon(t)

	createResp := emit(t, d, "sandbox:create", map[string]any{
		"agent_id": "agent-disk",
		"config":   map[string]any{"mode": "isolated"},
	})
	var created struct {
		Workspace string `json:"workspace"`
	}
	decodeResult(t, createResp, &created)
	require.NoError(t, os.WriteFile(filepath.Join(created.Workspace, "notes.txt"), []byte("hello world"), 0o644))

	statsResp := emit(t, d, "sandbox:stats", map[string]any{})
	var stats struct {
		Total          int              `json:"total"`
		BytesUsed      int64            `json:"bytes_used"`
		BytesBySandbox map[string]int64 `json:"bytes_by_sandbox"`
	}
	decodeResult(t, statsResp, &stats)
	assert.Equal(t, 1, stats.Total)
	assert.EqualValues(t, len("hello world"), stats.BytesUsed)
	assert.EqualValues(t, len("hello world"), stats.BytesBySandbox["agent-disk"])
}

func TestStateEntityCreateGetQuery(t *testing.T) {
	d := newTestDaemon(t)

	createResp := emit(t, d, "state:entity:create", map[string]any{
		"type":       "task",
		"properties": map[string]any{"title": "write tests"},
	})
	var created struct {
		ID string `json:"id"`
	}
	decodeResult(t, createResp, &created)
	assert.NotEmpty(t, created.ID)

	getResp := emit(t, d, "state:entity:get", map[string]any{"id": created.ID})
	assert.Equal(t, "success", getResp.Status)

	queryResp := emit(t, d, "state:entity:query", map[string]any{"type": "task"})
	var query struct {
		Entities []map[string]any `json:"entities"`
	}
	decodeResult(t, queryResp, &query)
	assert.Len(t, query.Entities, 1)
}

func TestCompletionAsyncStatusLifecycle(t *testing.T) {
	d := newTestDaemon(t)

	spawnResp := emit(t, d, "agent:spawn", map[string]any{"profile_level": "standard"})
	var spawned struct {
		AgentID string `json:"agent_id"`
	}
	decodeResult(t, spawnResp, &spawned)

	asyncResp := emit(t, d, "completion:async", map[string]any{
		"agent_id": spawned.AgentID,
		"argv":     []string{"/bin/echo", "hello"},
	})
	var async struct {
		RequestID string `json:"request_id"`
		State     string `json:"state"`
	}
	decodeResult(t, asyncResp, &async)
	assert.NotEmpty(t, async.RequestID)
	assert.Equal(t, "running", async.State)

	require.Eventually(t, func() bool {
		statusResp := emit(t, d, "completion:status", map[string]any{"request_id": async.RequestID})
		var status struct {
			State         string `json:"state"`
			ProgressStage string `json:"progress_stage"`
		}
		decodeResult(t, statusResp, &status)
		if status.State != "completed" {
			return false
		}
		assert.Equal(t, "done", status.ProgressStage)
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestCompletionAsyncUnknownAgentRejected(t *testing.T) {
	d := newTestDaemon(t)

	resp := emit(t, d, "completion:async", map[string]any{
		"agent_id": "does-not-exist",
		"argv":     []string{"/bin/echo", "hi"},
	})
	assert.Equal(t, "error", resp.Status)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "NOT_FOUND", resp.Error.Code)
}

func TestSystemStartupAndContext(t *testing.T) {
	d := newTestDaemon(t)
	d.startedAt = time.Now().UTC()

	resp := emit(t, d, "system:startup", map[string]any{})
	assert.Equal(t, "success", resp.Status)

	ctxResp := emit(t, d, "system:context", map[string]any{})
	var ctx struct {
		DataDir string `json:"data_dir"`
	}
	decodeResult(t, ctxResp, &ctx)
	assert.Equal(t, d.cfg.DataDir, ctx.DataDir)
}
