// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package bus

import (
	"encoding/json"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/event"
)

// historyRecord is one entry appended to the bus's debug ring buffer and
// asynchronous log file.
type historyRecord struct {
	Topic   string          `json:"topic"`
	Name    string          `json:"event"`
	Data    json.RawMessage `json:"data,omitempty"`
	Context event.Context   `json:"context"`
}

// history keeps a bounded in-memory ring buffer of recent publications for
// debugging, and asynchronously appends the same records to a log file. A
// dedicated writer goroutine owns the file; logging failures never block a
// publisher and are only logged, never propagated.
type history struct {
	mu       sync.Mutex
	buf      []historyRecord
	capacity int
	next     int
	filled   bool

	writeCh chan historyRecord
	done    chan struct{}
	logger  *zap.Logger
	file    *os.File
}

func newHistory(capacity int, logPath string, logger *zap.Logger) *history {
	if capacity <= 0 {
		capacity = 1000
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	h := &history{
		buf:      make([]historyRecord, capacity),
		capacity: capacity,
		writeCh:  make(chan historyRecord, 256),
		done:     make(chan struct{}),
		logger:   logger,
	}

	if logPath != "" {
		f, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logger.Warn("opening bus history log failed, history will not be persisted", zap.Error(err))
		} else {
			h.file = f
		}
	}

	go h.writerLoop()
	return h
}

// Record appends rec to the ring buffer and hands it to the async writer.
// Never blocks the caller beyond a buffered channel send.
func (h *history) Record(rec historyRecord) {
	h.mu.Lock()
	h.buf[h.next] = rec
	h.next = (h.next + 1) % h.capacity
	if h.next == 0 {
		h.filled = true
	}
	h.mu.Unlock()

	select {
	case h.writeCh <- rec:
	default:
		// Writer is behind; the ring buffer already has the record for
		// in-memory inspection, so dropping the on-disk copy is acceptable.
	}
}

// Recent returns up to the last `capacity` records in chronological order.
func (h *history) Recent() []historyRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.filled {
		out := make([]historyRecord, h.next)
		copy(out, h.buf[:h.next])
		return out
	}
	out := make([]historyRecord, h.capacity)
	copy(out, h.buf[h.next:])
	copy(out[h.capacity-h.next:], h.buf[:h.next])
	return out
}

// Clear empties the ring buffer, used on shutdown drain.
func (h *history) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.buf = make([]historyRecord, h.capacity)
	h.next = 0
	h.filled = false
}

func (h *history) writerLoop() {
	defer close(h.done)
	for rec := range h.writeCh {
		if h.file == nil {
			continue
		}
		line, err := json.Marshal(rec)
		if err != nil {
			h.logger.Warn("marshaling history record failed", zap.Error(err))
			continue
		}
		line = append(line, '\n')
		if _, err := h.file.Write(line); err != nil {
			h.logger.Warn("writing bus history log failed", zap.Error(err))
		}
	}
}

// Close stops the writer goroutine and closes the log file.
func (h *history) Close() error {
	close(h.writeCh)
	<-h.done
	if h.file != nil {
		return h.file.Close()
	}
	return nil
}
