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
	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/bus"
	"github.com/ksi-project/ksid/internal/event"
	"github.com/ksi-project/ksid/internal/ksierr"
	"github.com/ksi-project/ksid/internal/registry"
	"github.com/ksi-project/ksid/internal/supervisor"
)

// completionRecord tracks one in-flight or finished completion:async
// request, keyed by request_id.
type completionRecord struct {
	RequestID string
	AgentID   string
	SessionID string
	State     supervisor.State
	// ProgressStage tracks where the request is within a single attempt's
	// lifecycle: queued (waiting for the supervisor to start the child),
	// running (child started, no output yet), streaming (child has produced
	// output), done (attempt loop returned, State holds the final outcome).
	ProgressStage string
	Result        *supervisor.Result
	Err           string
	StartedAt     time.Time
	EndedAt       time.Time
}

const (
	progressStageQueued    = "queued"
	progressStageRunning   = "running"
	progressStageStreaming = "streaming"
	progressStageDone      = "done"
)

type completionAsyncRequest struct {
	AgentID   string   `json:"agent_id"`
	SessionID string   `json:"session_id"`
	Argv      []string `json:"argv"`
	Cwd       string   `json:"cwd"`
	Env       []string `json:"env"`
	Timeouts  struct {
		ProgressSeconds int   `json:"progress_seconds"`
		OverallSeconds  int   `json:"overall_seconds"`
		GraceSeconds    int   `json:"grace_seconds"`
		RetrySeconds    []int `json:"retry_seconds"`
	} `json:"timeouts"`
}

func (d *Daemon) registerCompletionHandlers() {
	d.router.Register("completion:async", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[completionAsyncRequest](data)
		if err != nil {
			return nil, err
		}
		if len(req.Argv) == 0 {
			return nil, ksierr.New(ksierr.BadRequest, "argv must not be empty")
		}
		if _, ok := d.agents.Get(req.AgentID); !ok {
			return nil, ksierr.Newf(ksierr.NotFound, "agent %q not found", req.AgentID)
		}

		requestID := uuid.NewString()
		timeouts := supervisor.Timeouts{
			Progress: time.Duration(req.Timeouts.ProgressSeconds) * time.Second,
			Overall:  time.Duration(req.Timeouts.OverallSeconds) * time.Second,
		}
		if req.Timeouts.GraceSeconds > 0 {
			timeouts.Grace = time.Duration(req.Timeouts.GraceSeconds) * time.Second
		}
		for _, s := range req.Timeouts.RetrySeconds {
			timeouts.RetrySchedule = append(timeouts.RetrySchedule, time.Duration(s)*time.Second)
		}

		rec := &completionRecord{
			RequestID:     requestID,
			AgentID:       req.AgentID,
			SessionID:     req.SessionID,
			State:         supervisor.StateRunning,
			ProgressStage: progressStageQueued,
			StartedAt:     time.Now().UTC(),
		}
		d.completionsMu.Lock()
		d.completions[requestID] = rec
		d.completionsMu.Unlock()

		go d.runCompletion(rec, req, timeouts)

		return map[string]any{"request_id": requestID, "state": supervisor.StateRunning, "progress_stage": progressStageQueued}, nil
	})

	d.router.Register("completion:status", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			RequestID string `json:"request_id"`
		}](data)
		if err != nil {
			return nil, err
		}
		d.completionsMu.Lock()
		rec, ok := d.completions[req.RequestID]
		d.completionsMu.Unlock()
		if !ok {
			return nil, ksierr.Newf(ksierr.NotFound, "completion request %q not found", req.RequestID)
		}
		return summarizeCompletion(rec), nil
	})

	d.router.Register("completion:cancel", 0, func(ctx context.Context, ectx event.Context, data json.RawMessage) (any, error) {
		req, err := decode[struct {
			RequestID string `json:"request_id"`
		}](data)
		if err != nil {
			return nil, err
		}
		cancelled := d.supervisor.Cancel(req.RequestID)
		return map[string]any{"request_id": req.RequestID, "cancelled": cancelled}, nil
	})
}

// runCompletion drives one completion:async request to completion and
// publishes a completion:status notification targeted at the requesting
// agent, independent of whether that agent is still connected (the bus
// queues offline deliveries).
func (d *Daemon) runCompletion(rec *completionRecord, req completionAsyncRequest, timeouts supervisor.Timeouts) {
	ctx := context.Background()

	if err := d.agents.SetState(ctx, rec.AgentID, registry.StateBusy); err != nil {
		d.logger.Warn("marking agent busy failed", zap.String("agent_id", rec.AgentID), zap.Error(err))
	}
	defer func() {
		if err := d.agents.SetState(ctx, rec.AgentID, registry.StateReady); err != nil {
			d.logger.Debug("returning agent to ready failed", zap.String("agent_id", rec.AgentID), zap.Error(err))
		}
	}()

	d.completionsMu.Lock()
	rec.ProgressStage = progressStageRunning
	d.completionsMu.Unlock()

	timeouts.OnOutput = func() {
		d.completionsMu.Lock()
		if rec.ProgressStage == progressStageRunning {
			rec.ProgressStage = progressStageStreaming
		}
		d.completionsMu.Unlock()
	}

	result, err := d.supervisor.Spawn(ctx, rec.RequestID, req.Argv, req.Cwd, req.Env, timeouts)

	d.completionsMu.Lock()
	rec.EndedAt = time.Now().UTC()
	rec.Result = result
	rec.ProgressStage = progressStageDone
	if err != nil {
		rec.State = supervisor.StateCrashed
		rec.Err = err.Error()
	} else if result.TimedOut {
		rec.State = supervisor.StateTimedOut
	} else {
		rec.State = supervisor.StateCompleted
	}
	snapshot := summarizeCompletion(rec)
	d.completionsMu.Unlock()

	if req.SessionID != "" {
		if logErr := d.convos.AppendResponse(req.SessionID, rec.RequestID); logErr != nil {
			d.logger.Warn("appending completion to conversation index failed", zap.Error(logErr))
		}
	}

	snapshot["to"] = rec.AgentID
	snapshot["from"] = "ksid"
	payload, marshalErr := json.Marshal(snapshot)
	if marshalErr != nil {
		d.logger.Error("marshaling completion:status payload failed", zap.Error(marshalErr))
		return
	}
	root := event.NewRootContext("ksid")
	root.AgentID = rec.AgentID
	root.SessionID = rec.SessionID
	env := event.Envelope{Name: "completion:status", Data: payload, Context: root}
	if _, pubErr := d.msgBus.Publish(ctx, bus.TopicDirectMessage, env); pubErr != nil {
		d.logger.Warn("publishing completion:status failed", zap.Error(pubErr))
	}
}

func summarizeCompletion(rec *completionRecord) map[string]any {
	out := map[string]any{
		"request_id":     rec.RequestID,
		"agent_id":       rec.AgentID,
		"session_id":     rec.SessionID,
		"state":          rec.State,
		"progress_stage": rec.ProgressStage,
		"started_at":     rec.StartedAt,
	}
	if !rec.EndedAt.IsZero() {
		out["ended_at"] = rec.EndedAt
	}
	if rec.Err != "" {
		out["error"] = rec.Err
	}
	if rec.Result != nil {
		out["stdout"] = rec.Result.Stdout
		out["stderr"] = rec.Result.Stderr
		out["exit_code"] = rec.Result.ExitCode
		out["duration_ms"] = rec.Result.Duration.Milliseconds()
		out["attempts"] = rec.Result.Attempts
		out["timeout_cause"] = rec.Result.TimeoutCause
	}
	return out
}
