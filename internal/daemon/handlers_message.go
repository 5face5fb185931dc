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
)

func (d *Daemon) registerMessageHandlers() {
	d.router.Register("message:subscribe", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			Pattern    string `json:"pattern"`
			BufferSize int    `json:"buffer_size"`
		}](data)
		if err != nil {
			return nil, err
		}
		conn, ok := connFromContext(ctx)
		if !ok {
			return nil, ksierr.New(ksierr.Internal, "message:subscribe requires a live connection")
		}
		subscriberID := conn.PeerIdentity
		if subscriberID == "" {
			subscriberID = conn.ID
		}

		sub, err := d.msgBus.Subscribe(subscriberID, req.Pattern, req.BufferSize)
		if err != nil {
			return nil, err
		}
		d.startPump(conn, sub)

		return map[string]any{"subscription_id": sub.ID, "pattern": sub.Pattern}, nil
	})

	d.router.Register("message:unsubscribe", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			SubscriptionID string `json:"subscription_id"`
		}](data)
		if err != nil {
			return nil, err
		}
		if err := d.msgBus.Unsubscribe(req.SubscriptionID); err != nil {
			return nil, err
		}
		d.stopPump(req.SubscriptionID)
		return map[string]any{"subscription_id": req.SubscriptionID}, nil
	})

	d.router.Register("message:publish", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			Topic string          `json:"topic"`
			Event string          `json:"event"`
			Data  json.RawMessage `json:"data"`
		}](data)
		if err != nil {
			return nil, err
		}
		if req.Topic == "" {
			return nil, ksierr.New(ksierr.BadRequest, "topic is required")
		}
		env := event.Envelope{Name: req.Event, Data: req.Data, Context: ectx.Derive()}
		result, err := d.msgBus.Publish(ctx, req.Topic, env)
		if err != nil {
			return nil, ksierr.Wrap(ksierr.ServiceUnavailable, err, "publishing message")
		}
		return map[string]any{"delivered": result.Delivered, "dropped": result.Dropped}, nil
	})

	d.router.Register("message:subscriptions", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			SubscriberID string `json:"subscriber_id"`
		}](data)
		if err != nil {
			return nil, err
		}
		subscriberID := req.SubscriberID
		if subscriberID == "" {
			subscriberID = ectx.OriginatorID
		}
		subs := d.msgBus.Subscriptions(subscriberID)
		out := make([]map[string]any, 0, len(subs))
		for _, sub := range subs {
			out = append(out, map[string]any{
				"subscription_id": sub.ID,
				"subscriber_id":   sub.SubscriberID,
				"pattern":         sub.Pattern,
				"created_at":      sub.Created,
			})
		}
		return map[string]any{"subscriptions": out}, nil
	})

	d.router.Register("message_bus:stats", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		return map[string]any{"stats": d.msgBus.Stats(), "recent": d.msgBus.History()}, nil
	})
}
