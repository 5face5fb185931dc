// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package daemon

import (
	"context"
	"encoding/json"

	"github.com/ksi-project/ksid/internal/event"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/sandbox"
)

func (d *Daemon) registerSandboxHandlers() {
	d.router.Register("sandbox:create", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			AgentID string         `json:"agent_id"`
			Config  sandbox.Config `json:"config"`
		}](data)
		if err != nil {
			return nil, err
		}
		sbx, err := d.sandboxes.CreateSandbox(req.AgentID, req.Config)
		if err != nil {
			return nil, err
		}
		return summarizeSandbox(sbx), nil
	})

	d.router.Register("sandbox:get", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			AgentID string `json:"agent_id"`
		}](data)
		if err != nil {
			return nil, err
		}
		sbx, ok := d.sandboxes.GetSandbox(req.AgentID)
		if !ok {
			return nil, ksierr.Newf(ksierr.NotFound, "no sandbox for agent %q", req.AgentID)
		}
		return summarizeSandbox(sbx), nil
	})

	d.router.Register("sandbox:remove", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			AgentID string `json:"agent_id"`
			Force   bool   `json:"force"`
		}](data)
		if err != nil {
			return nil, err
		}
		if err := d.sandboxes.RemoveSandbox(req.AgentID, req.Force); err != nil {
			return nil, err
		}
		return map[string]any{"agent_id": req.AgentID}, nil
	})

	d.router.Register("sandbox:list", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		sandboxes := d.sandboxes.ListSandboxes()
		out := make([]map[string]any, 0, len(sandboxes))
		for _, s := range sandboxes {
			out = append(out, summarizeSandbox(s))
		}
		return map[string]any{"sandboxes": out}, nil
	})

	d.router.Register("sandbox:stats", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		stats := d.sandboxes.Stats()
		usage := d.sandboxes.DiskUsage()
		var totalBytes int64
		for _, n := range usage {
			totalBytes += n
		}
		return map[string]any{
			"total":            stats.Total,
			"isolated":         stats.Isolated,
			"shared":           stats.Shared,
			"nested":           stats.Nested,
			"by_session":       stats.BySession,
			"by_parent":        stats.ByParent,
			"bytes_used":       totalBytes,
			"bytes_by_sandbox": usage,
		}, nil
	})
}

func summarizeSandbox(s *sandbox.Sandbox) map[string]any {
	return map[string]any{
		"agent_id":   s.AgentID,
		"path":       s.Path,
		"workspace":  s.WorkspacePath(),
		"shared":     s.SharedPath(),
		"exports":    s.ExportsPath(),
		"mode":       s.Config.Mode,
		"created_at": s.CreatedAt,
	}
}
