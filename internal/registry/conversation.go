// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package registry

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
)

// ConversationIndex appends response_id lines to a per-conversation log
// file. Each append is written synchronously and flushed to the file before
// AppendResponse returns (without fsync), so a crash can lose only the last
// few lines not yet on disk without ever corrupting the file. Reconstruction is
// O(N) in the number of responses: read the file once, no index database
// lookups needed.
type ConversationIndex struct {
	dir    string
	logger *zap.Logger

	mu      sync.Mutex
	writers map[string]*conversationWriter
}

type conversationWriter struct {
	mu     sync.Mutex
	file   *os.File
	writer *bufio.Writer
}

// NewConversationIndex roots the append-only logs at dir (typically
// <data_dir>/conversations/).
func NewConversationIndex(dir string, logger *zap.Logger) (*ConversationIndex, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating conversations directory: %w", err)
	}
	return &ConversationIndex{dir: dir, logger: logger, writers: make(map[string]*conversationWriter)}, nil
}

func (c *ConversationIndex) writerFor(conversationID string) (*conversationWriter, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if w, ok := c.writers[conversationID]; ok {
		return w, nil
	}

	path := filepath.Join(c.dir, conversationID+".log")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening conversation log %s: %w", path, err)
	}
	w := &conversationWriter{file: f, writer: bufio.NewWriter(f)}
	c.writers[conversationID] = w
	return w, nil
}

// AppendResponse appends responseID as one line to conversationID's log.
// Writes are not fsync'd after every line; on crash the last unflushed
// records may be lost, but the file itself never corrupts.
func (c *ConversationIndex) AppendResponse(conversationID, responseID string) error {
	w, err := c.writerFor(conversationID)
	if err != nil {
		c.logger.Warn("conversation log append failed", zap.String("conversation_id", conversationID), zap.Error(err))
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.writer.WriteString(responseID + "\n"); err != nil {
		return fmt.Errorf("appending to conversation log: %w", err)
	}
	return w.writer.Flush()
}

// ReadResponses reconstructs the ordered list of response_ids for
// conversationID by scanning its log file once.
func (c *ConversationIndex) ReadResponses(conversationID string) ([]string, error) {
	path := filepath.Join(c.dir, conversationID+".log")
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening conversation log %s: %w", path, err)
	}
	defer f.Close()

	var ids []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			ids = append(ids, line)
		}
	}
	return ids, scanner.Err()
}

// Close flushes and closes every open conversation log writer.
func (c *ConversationIndex) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var firstErr error
	for _, w := range c.writers {
		w.mu.Lock()
		if err := w.writer.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := w.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		w.mu.Unlock()
	}
	c.writers = make(map[string]*conversationWriter)
	return firstErr
}
