// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package daemon

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/ksi-project/ksid/internal/event"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/permission"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/sandbox"
)

// registerHandlers wires the daemon's full core event surface onto its
// router: system, agent, completion, message bus, permission, sandbox, and
// state categories.
func (d *Daemon) registerHandlers() {
	d.registerSystemHandlers()
	d.registerAgentHandlers()
	d.registerCompletionHandlers()
	d.registerMessageHandlers()
	d.registerPermissionHandlers()
	d.registerSandboxHandlers()
	d.registerStateHandlers()
}

func decode[T any](data json.RawMessage) (T, error) {
	var v T
	if len(data) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(data, &v); err != nil {
		return v, ksierr.Wrap(ksierr.BadRequest, err, "decoding request data")
	}
	return v, nil
}

func (d *Daemon) registerSystemHandlers() {
	d.router.Register("system:startup", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		return map[string]any{"status": "ok", "started_at": d.startedAt}, nil
	})

	d.router.Register("system:ready", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		return map[string]any{
			"ready":           true,
			"uptime_seconds":  time.Since(d.startedAt).Seconds(),
			"inflight_spawns": d.supervisor.InflightCount(),
		}, nil
	})

	d.router.Register("system:shutdown", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		return map[string]any{"status": "shutdown_acknowledged"}, nil
	})

	d.router.Register("system:context", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		return map[string]any{
			"data_dir":     d.cfg.DataDir,
			"socket_path":  d.cfg.SocketPath,
			"sandbox_root": d.cfg.SandboxRoot,
			"originator":   ectx.OriginatorID,
		}, nil
	})
}

type spawnRequest struct {
	ProfileLevel  permission.Level `json:"profile_level"`
	ParentAgentID string           `json:"parent_agent_id"`
	SessionID     string           `json:"session_id"`
	Capabilities  []string         `json:"capabilities"`
	Sandbox       struct {
		Mode         sandbox.Mode        `json:"mode"`
		ParentShare  sandbox.ParentShare `json:"parent_share"`
		SessionShare bool                `json:"session_share"`
	} `json:"sandbox"`
	Override *permission.Override `json:"override"`
}

func (d *Daemon) registerAgentHandlers() {
	d.router.Register("agent:spawn", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[spawnRequest](data)
		if err != nil {
			return nil, err
		}

		profile, ok := d.permissions.GetProfile(req.ProfileLevel)
		if !ok {
			return nil, ksierr.Newf(ksierr.NotFound, "unknown permission profile %q", req.ProfileLevel)
		}
		if req.Override != nil {
			profile = req.Override.Apply(profile)
		}

		if req.ParentAgentID != "" {
			if err := d.permissions.ValidateSpawn(req.ParentAgentID, profile); err != nil {
				return nil, err
			}
		}

		agentID := uuid.NewString()
		sbx, err := d.sandboxes.CreateSandbox(agentID, sandbox.Config{
			Mode:          req.Sandbox.Mode,
			ParentAgentID: req.ParentAgentID,
			SessionID:     req.SessionID,
			ParentShare:   req.Sandbox.ParentShare,
			SessionShare:  req.Sandbox.SessionShare,
		})
		if err != nil {
			return nil, err
		}

		agent := &registry.Agent{
			AgentID:       agentID,
			ProfileName:   string(profile.Level),
			Permissions:   profile,
			SandboxUUID:   agentID,
			ParentAgentID: req.ParentAgentID,
			SessionID:     req.SessionID,
			Capabilities:  req.Capabilities,
			State:         registry.StateRegistering,
		}
		if err := d.agents.Register(ctx, agent); err != nil {
			return nil, err
		}
		d.permissions.SetAgentPermissions(agentID, profile)
		if err := d.agents.SetState(ctx, agentID, registry.StateReady); err != nil {
			return nil, err
		}

		return map[string]any{
			"agent_id":      agentID,
			"sandbox_path":  sbx.Path,
			"profile_level": profile.Level,
			"state":         registry.StateReady,
		}, nil
	})

	d.router.Register("agent:terminate", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			AgentID string `json:"agent_id"`
			Force   bool   `json:"force"`
		}](data)
		if err != nil {
			return nil, err
		}
		if _, ok := d.agents.Get(req.AgentID); !ok {
			return nil, ksierr.Newf(ksierr.NotFound, "agent %q not found", req.AgentID)
		}

		if err := d.sandboxes.RemoveSandbox(req.AgentID, req.Force); err != nil {
			return nil, err
		}
		d.permissions.RemoveAgentPermissions(req.AgentID)
		d.msgBus.UnsubscribeAll(req.AgentID)
		d.stopPumpsFor(req.AgentID)
		if err := d.agents.Remove(ctx, req.AgentID); err != nil {
			return nil, err
		}
		return map[string]any{"agent_id": req.AgentID, "state": registry.StateDead}, nil
	})

	d.router.Register("agent:list", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		agents := d.agents.List()
		out := make([]map[string]any, 0, len(agents))
		for _, a := range agents {
			out = append(out, summarizeAgent(a))
		}
		return map[string]any{"agents": out}, nil
	})

	d.router.Register("agent:info", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			AgentID string `json:"agent_id"`
		}](data)
		if err != nil {
			return nil, err
		}
		agent, ok := d.agents.Get(req.AgentID)
		if !ok {
			return nil, ksierr.Newf(ksierr.NotFound, "agent %q not found", req.AgentID)
		}
		return summarizeAgent(agent), nil
	})

	d.router.Register("agent:connect", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			AgentID string `json:"agent_id"`
		}](data)
		if err != nil {
			return nil, err
		}
		if _, ok := d.agents.Get(req.AgentID); !ok {
			return nil, ksierr.Newf(ksierr.NotFound, "agent %q not found", req.AgentID)
		}

		conn, ok := connFromContext(ctx)
		if !ok {
			return nil, ksierr.New(ksierr.Internal, "agent:connect requires a live connection")
		}
		conn.PeerIdentity = req.AgentID

		queued := d.msgBus.Reconnect(req.AgentID)
		for _, env := range queued {
			d.writeNotification(conn, env)
		}
		return map[string]any{"agent_id": req.AgentID, "queued_deliveries": len(queued)}, nil
	})

	d.router.Register("agent:disconnect", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			AgentID string `json:"agent_id"`
		}](data)
		if err != nil {
			return nil, err
		}
		d.msgBus.UnsubscribeAll(req.AgentID)
		d.stopPumpsFor(req.AgentID)
		if conn, ok := connFromContext(ctx); ok && conn.PeerIdentity == req.AgentID {
			conn.PeerIdentity = ""
		}
		return map[string]any{"agent_id": req.AgentID}, nil
	})
}

func summarizeAgent(a *registry.Agent) map[string]any {
	return map[string]any{
		"agent_id":        a.AgentID,
		"profile_name":    a.ProfileName,
		"parent_agent_id": a.ParentAgentID,
		"session_id":      a.SessionID,
		"state":           a.State,
		"capabilities":    a.Capabilities,
		"created_at":      a.CreatedAt,
		"updated_at":      a.UpdatedAt,
	}
}
