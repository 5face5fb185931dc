// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package daemon

import (
	"context"
	"encoding/json"

	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/event"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/transport"
)

// wireRequest is the client-to-daemon frame shape: `{event, data, correlation_id}`.
type wireRequest struct {
	Event         string          `json:"event"`
	Data          json.RawMessage `json:"data"`
	CorrelationID string          `json:"correlation_id,omitempty"`
}

type connContextKey struct{}

// withConn attaches conn to ctx so handlers reached through the router (which
// only carries a plain context.Context, not a transport.Conn) can still
// reply asynchronously or learn the connection's identity.
func withConn(ctx context.Context, conn *transport.Conn) context.Context {
	return context.WithValue(ctx, connContextKey{}, conn)
}

// connFromContext recovers the connection a handler is being invoked on.
// Handlers invoked other than through the transport (e.g. none at present)
// see ok=false.
func connFromContext(ctx context.Context) (*transport.Conn, bool) {
	conn, ok := ctx.Value(connContextKey{}).(*transport.Conn)
	return conn, ok
}

// handleFrame is the transport.Handler bridging one inbound line-JSON frame
// to the event router and writing its response back.
func (d *Daemon) handleFrame(conn *transport.Conn, frame []byte) {
	var req wireRequest
	if err := json.Unmarshal(frame, &req); err != nil {
		conn.SendError("", string(ksierr.BadRequest), "malformed request envelope")
		return
	}
	if req.Event == "" {
		conn.SendError(req.CorrelationID, string(ksierr.BadRequest), "event name is required")
		return
	}

	originator := conn.PeerIdentity
	if originator == "" {
		originator = conn.ID
	}
	root := event.NewRootContext(originator)
	if req.CorrelationID != "" {
		root.CorrelationID = req.CorrelationID
	}

	ctx := withConn(context.Background(), conn)
	resp := d.router.EmitFirst(ctx, root, req.Event, req.Data)
	if resp == nil {
		notFound := event.Failure(root, string(ksierr.NotFound), "no handler for event "+req.Event, nil)
		resp = &notFound
	}
	d.writeResponse(conn, *resp)
}

func (d *Daemon) writeResponse(conn *transport.Conn, resp event.Response) {
	raw, err := json.Marshal(resp)
	if err != nil {
		d.logger.Error("marshaling response failed", zap.Error(err))
		return
	}
	conn.Send(append(raw, '\n'))
}

// writeNotification delivers an asynchronous bus envelope to conn, sharing
// the response envelope shape per the transport contract.
func (d *Daemon) writeNotification(conn *transport.Conn, env event.Envelope) {
	notification := event.Response{
		Status:        "success",
		Result:        env.Data,
		CorrelationID: env.Context.CorrelationID,
		EventID:       env.Context.EventID,
		Event:         env.Name,
	}
	d.writeResponse(conn, notification)
}

// startPump forwards every envelope delivered on sub's channel to conn until
// the channel closes (unsubscribe) or pumpCtx is canceled (connection
// closed), registering a cancel func keyed by subscription id so onClose /
// unsubscribe can stop it early.
func (d *Daemon) startPump(conn *transport.Conn, sub *bus.Subscription) {
	pumpCtx, cancel := context.WithCancel(context.Background())

	d.connMu.Lock()
	d.pumps[sub.ID] = cancel
	d.connMu.Unlock()

	go func() {
		defer func() {
			d.connMu.Lock()
			delete(d.pumps, sub.ID)
			d.connMu.Unlock()
		}()
		for {
			select {
			case env, ok := <-sub.Channel:
				if !ok {
					return
				}
				d.writeNotification(conn, env)
			case <-pumpCtx.Done():
				return
			}
		}
	}()
}

func (d *Daemon) stopPump(subscriptionID string) {
	d.connMu.Lock()
	cancel, ok := d.pumps[subscriptionID]
	delete(d.pumps, subscriptionID)
	d.connMu.Unlock()
	if ok {
		cancel()
	}
}

func (d *Daemon) stopPumpsFor(subscriberID string) {
	for _, sub := range d.msgBus.Subscriptions(subscriberID) {
		d.stopPump(sub.ID)
	}
}
