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
	"github.com/ksi-project/ksid/internal/permission"
)

func (d *Daemon) registerPermissionHandlers() {
	d.router.Register("permission:get_profile", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			Level permission.Level `json:"level"`
		}](data)
		if err != nil {
			return nil, err
		}
		profile, ok := d.permissions.GetProfile(req.Level)
		if !ok {
			return nil, ksierr.Newf(ksierr.NotFound, "unknown permission profile %q", req.Level)
		}
		return profile, nil
	})

	d.router.Register("permission:list_profiles", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			Reload bool `json:"reload"`
		}](data)
		if err != nil {
			return nil, err
		}
		if req.Reload {
			if err := d.permissions.LoadProfiles(); err != nil {
				return nil, ksierr.Wrap(ksierr.Internal, err, "reloading permission profiles")
			}
		}
		return map[string]any{"profiles": d.permissions.ListProfiles()}, nil
	})

	d.router.Register("permission:set_agent", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			AgentID  string               `json:"agent_id"`
			Level    permission.Level     `json:"level"`
			Override *permission.Override `json:"override"`
		}](data)
		if err != nil {
			return nil, err
		}
		profile, ok := d.permissions.GetProfile(req.Level)
		if !ok {
			return nil, ksierr.Newf(ksierr.NotFound, "unknown permission profile %q", req.Level)
		}
		if req.Override != nil {
			profile = req.Override.Apply(profile)
		}
		d.permissions.SetAgentPermissions(req.AgentID, profile)
		return profile, nil
	})

	d.router.Register("permission:get_agent", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			AgentID string `json:"agent_id"`
		}](data)
		if err != nil {
			return nil, err
		}
		profile, ok := d.permissions.GetAgentPermissions(req.AgentID)
		if !ok {
			return nil, ksierr.Newf(ksierr.NotFound, "no permissions recorded for agent %q", req.AgentID)
		}
		return profile, nil
	})

	d.router.Register("permission:validate_spawn", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			ParentAgentID string           `json:"parent_agent_id"`
			ChildLevel    permission.Level `json:"child_level"`
		}](data)
		if err != nil {
			return nil, err
		}
		childProfile, ok := d.permissions.GetProfile(req.ChildLevel)
		if !ok {
			return nil, ksierr.Newf(ksierr.NotFound, "unknown permission profile %q", req.ChildLevel)
		}
		if err := d.permissions.ValidateSpawn(req.ParentAgentID, childProfile); err != nil {
			return map[string]any{"allowed": false, "reason": err.Error()}, nil
		}
		return map[string]any{"allowed": true}, nil
	})
}
