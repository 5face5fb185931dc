// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package bus

import (
	"sync"

	"github.com/ksi-project/ksid/internal/event"
)

// offlineQueueStore holds one bounded FIFO per agent, retaining envelopes
// addressed to a currently disconnected peer. Overflow drops the oldest
// entry and increments a per-agent counter, per the bus's at-most-one-copy,
// best-effort delivery contract.
type offlineQueueStore struct {
	mu       sync.Mutex
	capacity int
	queues   map[string][]event.Envelope
	dropped  map[string]int64
}

func newOfflineQueueStore(capacity int) *offlineQueueStore {
	if capacity <= 0 {
		capacity = 1000
	}
	return &offlineQueueStore{
		capacity: capacity,
		queues:   make(map[string][]event.Envelope),
		dropped:  make(map[string]int64),
	}
}

// Enqueue appends env to agentID's offline queue, dropping the oldest entry
// if the queue is already at capacity.
func (s *offlineQueueStore) Enqueue(agentID string, env event.Envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[agentID]
	if len(q) >= s.capacity {
		q = q[1:]
		s.dropped[agentID]++
	}
	s.queues[agentID] = append(q, env)
}

// Drain removes and returns every queued envelope for agentID, in order.
func (s *offlineQueueStore) Drain(agentID string) []event.Envelope {
	s.mu.Lock()
	defer s.mu.Unlock()

	q := s.queues[agentID]
	delete(s.queues, agentID)
	return q
}

// Depth reports how many envelopes are queued for agentID.
func (s *offlineQueueStore) Depth(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[agentID])
}

// Dropped reports how many envelopes have been dropped for agentID due to
// overflow.
func (s *offlineQueueStore) Dropped(agentID string) int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped[agentID]
}

// Clear empties every queue, used on shutdown drain.
func (s *offlineQueueStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues = make(map[string][]event.Envelope)
}
