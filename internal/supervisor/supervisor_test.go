// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package supervisor

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/ksierr"
)

func TestSpawnSuccess(t *testing.T) {
	s := New(0, nil)
	result, err := s.Spawn(context.Background(), "req-1",
		[]string{"/bin/sh", "-c", "echo hello"}, "", nil,
		Timeouts{Overall: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "hello")
	assert.False(t, result.TimedOut)
	assert.Equal(t, 0, s.InflightCount())
}

func TestSpawnOnOutputFiresWhenChildWrites(t *testing.T) {
	s := New(0, nil)
	var calls int32
	result, err := s.Spawn(context.Background(), "req-onoutput",
		[]string{"/bin/sh", "-c", "echo hello"}, "", nil,
		Timeouts{Overall: 2 * time.Second, OnOutput: func() { atomic.AddInt32(&calls, 1) }})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.GreaterOrEqual(t, atomic.LoadInt32(&calls), int32(1))
}

func TestSpawnNonZeroExit(t *testing.T) {
	s := New(0, nil)
	result, err := s.Spawn(context.Background(), "req-2",
		[]string{"/bin/sh", "-c", "echo oops 1>&2; exit 1"}, "", nil,
		Timeouts{Overall: 2 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, 1, result.ExitCode)
	assert.Contains(t, result.Stderr, "oops")
}

func TestSpawnMissingExecutable(t *testing.T) {
	s := New(0, nil)
	_, err := s.Spawn(context.Background(), "req-3",
		[]string{"/no/such/executable-ksi-test"}, "", nil,
		Timeouts{Overall: time.Second})
	require.Error(t, err)
	assert.Equal(t, ksierr.ConnectionError, ksierr.CodeOf(err))
}

func TestSpawnOverallTimeout(t *testing.T) {
	s := New(0, nil)
	result, err := s.Spawn(context.Background(), "req-4",
		[]string{"/bin/sh", "-c", "sleep 5"}, "", nil,
		Timeouts{Overall: 100 * time.Millisecond, Grace: 50 * time.Millisecond})
	require.Error(t, err)
	assert.Equal(t, ksierr.Timeout, ksierr.CodeOf(err))
	require.NotNil(t, result)
	assert.True(t, result.TimedOut)
	assert.Equal(t, CauseOverall, result.TimeoutCause)
}

func TestSpawnProgressTimeoutRetries(t *testing.T) {
	s := New(0, nil)
	result, err := s.Spawn(context.Background(), "req-5",
		[]string{"/bin/sh", "-c", "sleep 5"}, "", nil,
		Timeouts{
			Progress:      50 * time.Millisecond,
			Grace:         20 * time.Millisecond,
			RetrySchedule: []time.Duration{time.Second, time.Second},
		})
	require.Error(t, err)
	assert.Equal(t, ksierr.Timeout, ksierr.CodeOf(err))
	assert.Equal(t, 2, result.Attempts)
}

func TestSpawnCancellationTerminatesChild(t *testing.T) {
	s := New(0, nil)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		_, _ = s.Spawn(ctx, "req-6", []string{"/bin/sh", "-c", "sleep 5"}, "", nil,
			Timeouts{Overall: 5 * time.Second})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("spawn did not return after cancellation")
	}
	assert.Equal(t, 0, s.InflightCount())
}

func TestCancelByRequestID(t *testing.T) {
	s := New(0, nil)
	done := make(chan struct{})
	go func() {
		_, _ = s.Spawn(context.Background(), "req-7", []string{"/bin/sh", "-c", "sleep 5"}, "", nil,
			Timeouts{Overall: 5 * time.Second})
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	assert.True(t, s.Cancel("req-7"))
	assert.False(t, s.Cancel("no-such-request"))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("spawn did not return after Cancel")
	}
}

func TestShutdownTerminatesAllInflight(t *testing.T) {
	s := New(0, nil)
	for i := 0; i < 3; i++ {
		go func(i int) {
			_, _ = s.Spawn(context.Background(), "req-shutdown-"+string(rune('0'+i)), []string{"/bin/sh", "-c", "sleep 5"}, "", nil,
				Timeouts{Overall: 5 * time.Second})
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	s.Shutdown(100 * time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, s.InflightCount())
}

func TestMaxInflightRejectsOverCap(t *testing.T) {
	s := New(1, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_, _ = s.Spawn(ctx, "req-a", []string{"/bin/sh", "-c", "sleep 1"}, "", nil, Timeouts{Overall: time.Second})
	}()
	time.Sleep(30 * time.Millisecond)

	_, err := s.Spawn(context.Background(), "req-b", []string{"/bin/sh", "-c", "echo hi"}, "", nil, Timeouts{Overall: time.Second})
	require.Error(t, err)
	assert.Equal(t, ksierr.ServiceUnavailable, ksierr.CodeOf(err))
}
