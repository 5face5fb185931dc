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

// Package event implements the daemon's typed pub/sub kernel: the event
// envelope, a named-handler router with priority dispatch, context
// propagation across emitted events, and a declarative transformer engine.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Context is the system-injected metadata that travels alongside an event's
// data. Handlers never see these fields mixed into data; they receive them
// as the fields of this separate struct.
type Context struct {
	OriginatorID        string `json:"originator_id"`
	AgentID             string `json:"agent_id,omitempty"`
	SessionID           string `json:"session_id,omitempty"`
	CorrelationID       string `json:"correlation_id"`
	ParentCorrelationID string `json:"parent_correlation_id,omitempty"`
	EventID             string `json:"event_id"`
	Timestamp           int64  `json:"timestamp"`
	SourceAgent         string `json:"source_agent,omitempty"`

	// Depth counts transformer hops since the root event and is used to
	// enforce the transformer loop cap. It is never serialized to clients.
	Depth int `json:"-"`
}

// NewRootContext builds the context for an externally originated event
// (one that did not result from a handler's emit call).
func NewRootContext(originatorID string) Context {
	return Context{
		OriginatorID:  originatorID,
		CorrelationID: uuid.NewString(),
		EventID:       uuid.NewString(),
		Timestamp:     time.Now().UTC().UnixNano(),
	}
}

// Derive builds the context for an event emitted from within a handler that
// was itself dispatched with ctx. originator_id, agent_id and session_id are
// inherited; a fresh correlation_id and event_id are minted, and
// parent_correlation_id points back to ctx's own correlation_id.
func (c Context) Derive() Context {
	return Context{
		OriginatorID:        c.OriginatorID,
		AgentID:             c.AgentID,
		SessionID:           c.SessionID,
		CorrelationID:       uuid.NewString(),
		ParentCorrelationID: c.CorrelationID,
		EventID:             uuid.NewString(),
		Timestamp:           time.Now().UTC().UnixNano(),
		SourceAgent:         c.SourceAgent,
		Depth:               c.Depth + 1,
	}
}

// Envelope is an immutable unit of dispatch: a name, an opaque handler-defined
// data payload, and the router-injected context.
type Envelope struct {
	Name    string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Context Context         `json:"-"`
}

// ErrorInfo is the error branch of a Response.
type ErrorInfo struct {
	Code    string         `json:"code"`
	Message string         `json:"message"`
	Details map[string]any `json:"details,omitempty"`
}

// Response is the result of dispatching an event to one handler, or the
// envelope returned to a client over the transport.
type Response struct {
	Status              string          `json:"status"`
	Result              json.RawMessage `json:"result,omitempty"`
	Error               *ErrorInfo      `json:"error,omitempty"`
	CorrelationID       string          `json:"correlation_id,omitempty"`
	ParentCorrelationID string          `json:"parent_correlation_id,omitempty"`
	EventID             string          `json:"event_id,omitempty"`
	Event               string          `json:"event,omitempty"`
}

// Success builds a success Response carrying result, stamped with ctx's
// identifiers.
func Success(ctx Context, result any) Response {
	raw, err := json.Marshal(result)
	if err != nil {
		return Failure(ctx, "INTERNAL", "marshaling result: "+err.Error(), nil)
	}
	return Response{
		Status:              "success",
		Result:              raw,
		CorrelationID:       ctx.CorrelationID,
		ParentCorrelationID: ctx.ParentCorrelationID,
		EventID:             ctx.EventID,
	}
}

// Failure builds an error Response stamped with ctx's identifiers.
func Failure(ctx Context, code, message string, details map[string]any) Response {
	return Response{
		Status:              "error",
		Error:               &ErrorInfo{Code: code, Message: message, Details: details},
		CorrelationID:       ctx.CorrelationID,
		ParentCorrelationID: ctx.ParentCorrelationID,
		EventID:             ctx.EventID,
	}
}
