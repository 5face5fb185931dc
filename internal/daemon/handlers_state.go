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
	"github.com/ksi-project/ksid/internal/state"
)

func (d *Daemon) registerStateHandlers() {
	d.router.Register("state:entity:create", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			ID         string         `json:"id"`
			Type       string         `json:"type"`
			Properties map[string]any `json:"properties"`
		}](data)
		if err != nil {
			return nil, err
		}
		return d.state.CreateEntity(req.ID, req.Type, req.Properties)
	})

	d.router.Register("state:entity:update", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			ID         string         `json:"id"`
			Properties map[string]any `json:"properties"`
			Merge      *bool          `json:"merge"`
		}](data)
		if err != nil {
			return nil, err
		}
		merge := true
		if req.Merge != nil {
			merge = *req.Merge
		}
		return d.state.UpdateEntity(req.ID, req.Properties, merge)
	})

	d.router.Register("state:entity:get", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			ID string `json:"id"`
		}](data)
		if err != nil {
			return nil, err
		}
		entity, ok := d.state.GetEntity(req.ID)
		if !ok {
			return nil, ksierr.Newf(ksierr.NotFound, "entity %q not found", req.ID)
		}
		return entity, nil
	})

	d.router.Register("state:entity:query", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			Type       string         `json:"type"`
			Properties map[string]any `json:"properties"`
		}](data)
		if err != nil {
			return nil, err
		}
		entities := d.state.QueryEntities(state.Query{Type: req.Type, Properties: req.Properties})
		return map[string]any{"entities": entities}, nil
	})

	d.router.Register("state:entity:delete", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			ID string `json:"id"`
		}](data)
		if err != nil {
			return nil, err
		}
		if err := d.state.DeleteEntity(req.ID); err != nil {
			return nil, err
		}
		return map[string]any{"id": req.ID}, nil
	})

	d.router.Register("state:relationship:create", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			Type       string         `json:"type"`
			From       string         `json:"from"`
			To         string         `json:"to"`
			Properties map[string]any `json:"properties"`
		}](data)
		if err != nil {
			return nil, err
		}
		return d.state.CreateRelationship(req.Type, req.From, req.To, req.Properties)
	})

	d.router.Register("state:relationship:list", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			EntityID     string `json:"entity_id"`
			Type         string `json:"type"`
			OutgoingOnly bool   `json:"outgoing_only"`
			IncomingOnly bool   `json:"incoming_only"`
		}](data)
		if err != nil {
			return nil, err
		}
		rels := d.state.ListRelationships(req.EntityID, req.Type, req.OutgoingOnly, req.IncomingOnly)
		return map[string]any{"relationships": rels}, nil
	})

	d.router.Register("state:graph:traverse", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			StartID      string `json:"start_id"`
			Type         string `json:"type"`
			MaxDepth     int    `json:"max_depth"`
			OutgoingOnly bool   `json:"outgoing_only"`
		}](data)
		if err != nil {
			return nil, err
		}
		return d.state.Traverse(req.StartID, req.Type, req.MaxDepth, req.OutgoingOnly)
	})
}
