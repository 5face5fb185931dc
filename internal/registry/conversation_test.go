// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package registry

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppendResponseAndReadBack(t *testing.T) {
	idx, err := NewConversationIndex(t.TempDir(), nil)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.AppendResponse("conv-1", "resp-a"))
	require.NoError(t, idx.AppendResponse("conv-1", "resp-b"))
	require.NoError(t, idx.AppendResponse("conv-1", "resp-c"))

	ids, err := idx.ReadResponses("conv-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"resp-a", "resp-b", "resp-c"}, ids)
}

func TestReadResponsesUnknownConversationReturnsEmpty(t *testing.T) {
	idx, err := NewConversationIndex(t.TempDir(), nil)
	require.NoError(t, err)
	defer idx.Close()

	ids, err := idx.ReadResponses("no-such-conversation")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestConversationsAreIndependent(t *testing.T) {
	idx, err := NewConversationIndex(t.TempDir(), nil)
	require.NoError(t, err)
	defer idx.Close()

	require.NoError(t, idx.AppendResponse("conv-a", "a1"))
	require.NoError(t, idx.AppendResponse("conv-b", "b1"))

	a, err := idx.ReadResponses("conv-a")
	require.NoError(t, err)
	b, err := idx.ReadResponses("conv-b")
	require.NoError(t, err)

	assert.Equal(t, []string{"a1"}, a)
	assert.Equal(t, []string{"b1"}, b)
}

func TestCloseFlushesPendingWrites(t *testing.T) {
	dir := t.TempDir()
	idx, err := NewConversationIndex(dir, nil)
	require.NoError(t, err)

	require.NoError(t, idx.AppendResponse("conv-close", "r1"))
	require.NoError(t, idx.Close())

	idx2, err := NewConversationIndex(dir, nil)
	require.NoError(t, err)
	defer idx2.Close()

	ids, err := idx2.ReadResponses("conv-close")
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, ids)
}
