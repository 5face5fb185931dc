// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package event

import (
	"context"
	"encoding/json"
	"runtime/debug"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/ksierr"
)

// HandlerFunc handles one dispatched event. It receives the Go context for
// cancellation, the event's system context (identifiers, correlation), and
// the raw data payload. A nil result with a nil error means "no response".
type HandlerFunc func(ctx context.Context, ectx Context, data json.RawMessage) (any, error)

// Terminal wraps a handler result to signal that emit_first should stop
// invoking further handlers for this dispatch. Ordinary handlers never need
// it; it exists for the rare handler that must short-circuit observation
// (e.g. a cache hit that makes downstream handlers redundant).
type Terminal struct {
	Value any
}

type registration struct {
	pattern  string
	handler  HandlerFunc
	priority int
	seq      uint64
}

// TransformerRule is a declarative, source-pattern-to-target-event rewrite.
// When an event matching SourcePattern is dispatched, the router emits a
// derived event at TargetEvent whose data is produced by Mapping, provided
// Condition (if set) evaluates true against the source data.
type TransformerRule struct {
	SourcePattern string
	TargetEvent   string
	Mapping       Mapping
	Condition     *Condition
}

// Router is the named-handler dispatch kernel. It is safe for concurrent use.
type Router struct {
	mu           sync.RWMutex
	exact        map[string][]*registration
	wildcard     []*registration
	transformers []TransformerRule

	seq      atomic.Uint64
	maxDepth int
	logger   *zap.Logger

	debugStackTraces bool
}

// NewRouter builds a Router. maxDepth bounds transformer recursion (the
// spec's default is 16); a value <= 0 uses that default.
func NewRouter(maxDepth int, logger *zap.Logger) *Router {
	if maxDepth <= 0 {
		maxDepth = 16
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		exact:    make(map[string][]*registration),
		maxDepth: maxDepth,
		logger:   logger,
	}
}

// WithDebugStackTraces toggles whether a recovered handler panic's stack
// trace is attached to its error response's details field. Returns r for
// chaining off NewRouter.
func (r *Router) WithDebugStackTraces(enabled bool) *Router {
	r.debugStackTraces = enabled
	return r
}

// Register associates handler with pattern (an exact name, or one containing
// "*"/"**" wildcard segments). Within equal priority, registration order
// determines dispatch order. Higher priority dispatches first.
func (r *Router) Register(pattern string, priority int, handler HandlerFunc) {
	reg := &registration{pattern: pattern, handler: handler, priority: priority, seq: r.seq.Add(1)}

	r.mu.Lock()
	defer r.mu.Unlock()
	if IsWildcard(pattern) {
		r.wildcard = append(r.wildcard, reg)
		return
	}
	r.exact[pattern] = append(r.exact[pattern], reg)
}

// RegisterTransformer adds a transformer rule. Transformers never consume
// the source event; subscribers to the source event still observe it.
func (r *Router) RegisterTransformer(rule TransformerRule) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transformers = append(r.transformers, rule)
}

func (r *Router) matching(name string) []*registration {
	r.mu.RLock()
	defer r.mu.RUnlock()

	matched := append([]*registration(nil), r.exact[name]...)
	for _, reg := range r.wildcard {
		if MatchPattern(reg.pattern, name) {
			matched = append(matched, reg)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		if matched[i].priority != matched[j].priority {
			return matched[i].priority > matched[j].priority
		}
		return matched[i].seq < matched[j].seq
	})
	return matched
}

// Emit dispatches name to every matching handler in priority order and
// returns every non-nil result. It also triggers any transformer whose
// source_pattern matches name. Handler errors do not abort dispatch to
// other handlers; they are collected as error Responses.
func (r *Router) Emit(ctx context.Context, parent Context, name string, data json.RawMessage) []Response {
	ectx := parent
	responses := r.dispatch(ctx, ectx, name, data, false)
	r.runTransformers(ctx, ectx, name, data)
	return responses
}

// EmitFirst dispatches like Emit but returns only the first non-empty
// response (or none). All handlers still run, in priority order, unless one
// returns a Terminal result, which stops further dispatch for this call.
func (r *Router) EmitFirst(ctx context.Context, parent Context, name string, data json.RawMessage) *Response {
	responses := r.dispatch(ctx, parent, name, data, true)
	r.runTransformers(ctx, parent, name, data)
	for _, resp := range responses {
		if resp.Status == "success" && len(resp.Result) > 0 && string(resp.Result) != "null" {
			out := resp
			return &out
		}
		if resp.Status == "error" {
			out := resp
			return &out
		}
	}
	return nil
}

func (r *Router) dispatch(ctx context.Context, ectx Context, name string, data json.RawMessage, stopOnTerminal bool) []Response {
	regs := r.matching(name)
	responses := make([]Response, 0, len(regs))

	for _, reg := range regs {
		if ctx.Err() != nil {
			// A canceled emit propagates cancellation; partial responses
			// collected so far are discarded.
			return nil
		}

		result, err := r.invoke(reg, ctx, ectx, data)
		if err != nil {
			ke, ok := ksierr.As(err)
			if !ok {
				ke = ksierr.Wrap(ksierr.Internal, err, err.Error())
			}
			responses = append(responses, Failure(ectx, string(ke.Code), ke.Message, ke.Details))
			continue
		}
		if result == nil {
			continue
		}
		if term, isTerminal := result.(Terminal); isTerminal {
			responses = append(responses, Success(ectx, term.Value))
			if stopOnTerminal {
				break
			}
			continue
		}
		responses = append(responses, Success(ectx, result))
	}
	return responses
}

// invoke calls reg's handler, recovering a panic into an Internal error
// rather than letting it unwind into the daemon's goroutine and crash the
// process. The stack trace is only attached to the returned error's details
// when debug stack traces are enabled.
func (r *Router) invoke(reg *registration, ctx context.Context, ectx Context, data json.RawMessage) (result any, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			stack := debug.Stack()
			r.logger.Error("handler panicked",
				zap.String("pattern", reg.pattern),
				zap.Any("recovered", rec),
				zap.ByteString("stack", stack))
			ke := ksierr.Newf(ksierr.Internal, "handler panicked: %v", rec)
			if r.debugStackTraces {
				ke = ke.WithDetails(map[string]any{"stack": string(stack)})
			}
			result, err = nil, ke
		}
	}()
	return reg.handler(ctx, ectx, data)
}

func (r *Router) runTransformers(ctx context.Context, parent Context, name string, data json.RawMessage) {
	r.mu.RLock()
	rules := append([]TransformerRule(nil), r.transformers...)
	r.mu.RUnlock()

	for _, rule := range rules {
		if !MatchPattern(rule.SourcePattern, name) {
			continue
		}
		if rule.Condition != nil && !rule.Condition.Evaluate(data) {
			continue
		}

		derived := parent.Derive()
		if derived.Depth > r.maxDepth {
			r.logger.Warn("transformer loop guard tripped",
				zap.String("source", name),
				zap.String("target", rule.TargetEvent),
				zap.Int("depth", derived.Depth),
			)
			r.dispatch(ctx, parent, "system:error", mustJSON(map[string]any{
				"code":    string(ksierr.TransformerLoop),
				"message": "transformer depth cap exceeded",
				"source":  name,
				"target":  rule.TargetEvent,
			}), false)
			continue
		}

		mapped, err := rule.Mapping.Apply(data)
		if err != nil {
			r.logger.Warn("transformer mapping failed", zap.String("target", rule.TargetEvent), zap.Error(err))
			continue
		}
		r.Emit(ctx, derived, rule.TargetEvent, mapped)
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("{}")
	}
	return raw
}
