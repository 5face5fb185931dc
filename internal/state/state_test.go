// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateEntityGeneratesIDWhenEmpty(t *testing.T) {
	s := New()
	e, err := s.CreateEntity("", "agent", map[string]any{"name": "scout"})
	require.NoError(t, err)
	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "agent", e.Type)
}

func TestCreateEntityRejectsDuplicateID(t *testing.T) {
	s := New()
	_, err := s.CreateEntity("e1", "agent", nil)
	require.NoError(t, err)

	_, err = s.CreateEntity("e1", "agent", nil)
	assert.Error(t, err)
}

func TestUpdateEntityMergesPropertiesByDefault(t *testing.T) {
	s := New()
	_, err := s.CreateEntity("e1", "agent", map[string]any{"a": 1})
	require.NoError(t, err)

	updated, err := s.UpdateEntity("e1", map[string]any{"b": 2}, true)
	require.NoError(t, err)
	assert.Equal(t, 1, updated.Properties["a"])
	assert.Equal(t, 2, updated.Properties["b"])
}

func TestUpdateEntityReplacesPropertiesWhenNotMerging(t *testing.T) {
	s := New()
	_, err := s.CreateEntity("e1", "agent", map[string]any{"a": 1})
	require.NoError(t, err)

	updated, err := s.UpdateEntity("e1", map[string]any{"b": 2}, false)
	require.NoError(t, err)
	_, hasA := updated.Properties["a"]
	assert.False(t, hasA)
	assert.Equal(t, 2, updated.Properties["b"])
}

func TestUpdateEntityUnknownIDFails(t *testing.T) {
	s := New()
	_, err := s.UpdateEntity("ghost", nil, true)
	assert.Error(t, err)
}

func TestQueryEntitiesFiltersByTypeAndProperties(t *testing.T) {
	s := New()
	_, _ = s.CreateEntity("a1", "agent", map[string]any{"role": "scout"})
	_, _ = s.CreateEntity("a2", "agent", map[string]any{"role": "builder"})
	_, _ = s.CreateEntity("t1", "tool", map[string]any{"role": "scout"})

	byType := s.QueryEntities(Query{Type: "agent"})
	assert.Len(t, byType, 2)

	byProp := s.QueryEntities(Query{Type: "agent", Properties: map[string]any{"role": "scout"}})
	require.Len(t, byProp, 1)
	assert.Equal(t, "a1", byProp[0].ID)
}

func TestDeleteEntityRemovesTouchingRelationships(t *testing.T) {
	s := New()
	_, _ = s.CreateEntity("a", "agent", nil)
	_, _ = s.CreateEntity("b", "agent", nil)
	_, err := s.CreateRelationship("spawned", "a", "b", nil)
	require.NoError(t, err)

	require.NoError(t, s.DeleteEntity("a"))

	_, ok := s.GetEntity("a")
	assert.False(t, ok)
	assert.Empty(t, s.ListRelationships("b", "", false, false))
}

func TestCreateRelationshipRequiresExistingEndpoints(t *testing.T) {
	s := New()
	_, _ = s.CreateEntity("a", "agent", nil)

	_, err := s.CreateRelationship("spawned", "a", "missing", nil)
	assert.Error(t, err)
}

func TestListRelationshipsDirectionFilter(t *testing.T) {
	s := New()
	_, _ = s.CreateEntity("a", "agent", nil)
	_, _ = s.CreateEntity("b", "agent", nil)
	_, err := s.CreateRelationship("spawned", "a", "b", nil)
	require.NoError(t, err)

	assert.Len(t, s.ListRelationships("a", "", true, false), 1)
	assert.Empty(t, s.ListRelationships("a", "", false, true))
	assert.Len(t, s.ListRelationships("b", "", false, true), 1)
}

func TestTraverseFollowsChainWithinDepth(t *testing.T) {
	s := New()
	_, _ = s.CreateEntity("a", "agent", nil)
	_, _ = s.CreateEntity("b", "agent", nil)
	_, _ = s.CreateEntity("c", "agent", nil)
	_, err := s.CreateRelationship("spawned", "a", "b", nil)
	require.NoError(t, err)
	_, err = s.CreateRelationship("spawned", "b", "c", nil)
	require.NoError(t, err)

	result, err := s.Traverse("a", "spawned", 1, true)
	require.NoError(t, err)
	assert.Contains(t, result.Entities, "a")
	assert.Contains(t, result.Entities, "b")
	assert.NotContains(t, result.Entities, "c")

	result, err = s.Traverse("a", "spawned", 2, true)
	require.NoError(t, err)
	assert.Contains(t, result.Entities, "c")
}

func TestTraverseUnknownStartFails(t *testing.T) {
	s := New()
	_, err := s.Traverse("ghost", "", 1, true)
	assert.Error(t, err)
}

func TestStatsReflectsCounts(t *testing.T) {
	s := New()
	_, _ = s.CreateEntity("a", "agent", nil)
	_, _ = s.CreateEntity("b", "agent", nil)
	_, _ = s.CreateRelationship("spawned", "a", "b", nil)

	stats := s.Stats()
	assert.Equal(t, 2, stats.Entities)
	assert.Equal(t, 1, stats.Relationships)
}
