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

// Package state implements an in-memory entity-attribute-value graph: typed
// entities with arbitrary properties, directed typed relationships between
// them, and traversal over that graph. It backs the daemon's state:entity:*,
// state:relationship:*, and state:graph:traverse event surface.
package state

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ksi-project/ksid/internal/ksierr"
)

// Entity is a typed node with arbitrary properties.
type Entity struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// Relationship is a directed, typed edge between two entities.
type Relationship struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	FromEntity string         `json:"from_entity"`
	ToEntity   string         `json:"to_entity"`
	Properties map[string]any `json:"properties,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// Query filters entities by type and/or exact property match. A zero-value
// Query matches everything.
type Query struct {
	Type       string
	Properties map[string]any
}

func (q Query) matches(e *Entity) bool {
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	for k, v := range q.Properties {
		if ev, ok := e.Properties[k]; !ok || ev != v {
			return false
		}
	}
	return true
}

// Traversal is the result of walking the graph outward from a starting
// entity: every entity and relationship visited, and the paths (sequences of
// entity IDs) found within the depth bound.
type Traversal struct {
	Entities      map[string]*Entity
	Relationships []*Relationship
	Paths         [][]string
}

// Store is a mutex-guarded in-memory EAV graph. Copy-on-write is not used:
// the store's own lock is the single writer/many-reader boundary,
// short-held per operation.
type Store struct {
	mu            sync.RWMutex
	entities      map[string]*Entity
	relationships map[string]*Relationship
	// outgoing/incoming index relationship IDs by entity, for O(degree) traversal.
	outgoing map[string][]string
	incoming map[string][]string
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		entities:      make(map[string]*Entity),
		relationships: make(map[string]*Relationship),
		outgoing:      make(map[string][]string),
		incoming:      make(map[string][]string),
	}
}

// CreateEntity inserts a new entity, generating an ID if id is empty.
func (s *Store) CreateEntity(id, entityType string, properties map[string]any) (*Entity, error) {
	if entityType == "" {
		return nil, ksierr.New(ksierr.BadRequest, "entity type is required")
	}
	if id == "" {
		id = uuid.NewString()
	}
	if properties == nil {
		properties = map[string]any{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.entities[id]; exists {
		return nil, ksierr.Newf(ksierr.BadRequest, "entity %q already exists", id)
	}
	now := time.Now().UTC()
	e := &Entity{ID: id, Type: entityType, Properties: properties, CreatedAt: now, UpdatedAt: now}
	s.entities[id] = e
	return e, nil
}

// UpdateEntity applies properties to an existing entity, merging (the
// default) or replacing its property set entirely.
func (s *Store) UpdateEntity(id string, properties map[string]any, merge bool) (*Entity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entities[id]
	if !ok {
		return nil, ksierr.Newf(ksierr.NotFound, "entity %q not found", id)
	}
	if merge {
		for k, v := range properties {
			e.Properties[k] = v
		}
	} else {
		e.Properties = properties
	}
	e.UpdatedAt = time.Now().UTC()
	return e, nil
}

// GetEntity returns the entity with the given id.
func (s *Store) GetEntity(id string) (*Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	return e, ok
}

// QueryEntities returns every entity matching q.
func (s *Store) QueryEntities(q Query) []*Entity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*Entity
	for _, e := range s.entities {
		if q.matches(e) {
			out = append(out, e)
		}
	}
	return out
}

// DeleteEntity removes an entity and every relationship touching it.
func (s *Store) DeleteEntity(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[id]; !ok {
		return ksierr.Newf(ksierr.NotFound, "entity %q not found", id)
	}
	delete(s.entities, id)

	for _, relID := range append(append([]string{}, s.outgoing[id]...), s.incoming[id]...) {
		s.removeRelationshipLocked(relID)
	}
	delete(s.outgoing, id)
	delete(s.incoming, id)
	return nil
}

// CreateRelationship links from->to with the given type, validating both
// endpoints already exist.
func (s *Store) CreateRelationship(relType, from, to string, properties map[string]any) (*Relationship, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.entities[from]; !ok {
		return nil, ksierr.Newf(ksierr.NotFound, "entity %q not found", from)
	}
	if _, ok := s.entities[to]; !ok {
		return nil, ksierr.Newf(ksierr.NotFound, "entity %q not found", to)
	}

	rel := &Relationship{
		ID: uuid.NewString(), Type: relType, FromEntity: from, ToEntity: to,
		Properties: properties, CreatedAt: time.Now().UTC(),
	}
	s.relationships[rel.ID] = rel
	s.outgoing[from] = append(s.outgoing[from], rel.ID)
	s.incoming[to] = append(s.incoming[to], rel.ID)
	return rel, nil
}

// ListRelationships returns relationships touching entityID, optionally
// filtered by relType (empty matches all) and direction.
func (s *Store) ListRelationships(entityID, relType string, outgoingOnly, incomingOnly bool) []*Relationship {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ids []string
	switch {
	case outgoingOnly:
		ids = s.outgoing[entityID]
	case incomingOnly:
		ids = s.incoming[entityID]
	default:
		ids = append(append([]string{}, s.outgoing[entityID]...), s.incoming[entityID]...)
	}

	var out []*Relationship
	seen := make(map[string]bool)
	for _, id := range ids {
		if seen[id] {
			continue
		}
		seen[id] = true
		rel := s.relationships[id]
		if rel == nil {
			continue
		}
		if relType != "" && rel.Type != relType {
			continue
		}
		out = append(out, rel)
	}
	return out
}

func (s *Store) removeRelationshipLocked(id string) {
	rel, ok := s.relationships[id]
	if !ok {
		return
	}
	delete(s.relationships, id)
	s.outgoing[rel.FromEntity] = removeString(s.outgoing[rel.FromEntity], id)
	s.incoming[rel.ToEntity] = removeString(s.incoming[rel.ToEntity], id)
}

func removeString(list []string, target string) []string {
	out := list[:0]
	for _, v := range list {
		if v != target {
			out = append(out, v)
		}
	}
	return out
}

// Traverse performs a breadth-first walk from startID following
// relationships of type relType (empty matches any) up to maxDepth hops,
// optionally restricted to outgoing edges.
func (s *Store) Traverse(startID, relType string, maxDepth int, outgoingOnly bool) (*Traversal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.entities[startID]; !ok {
		return nil, ksierr.Newf(ksierr.NotFound, "entity %q not found", startID)
	}
	if maxDepth <= 0 {
		maxDepth = 3
	}

	result := &Traversal{Entities: map[string]*Entity{startID: s.entities[startID]}}
	type frame struct {
		id   string
		path []string
	}
	queue := []frame{{id: startID, path: []string{startID}}}
	visitedRel := make(map[string]bool)

	for len(queue) > 0 && len(queue[0].path)-1 < maxDepth {
		cur := queue[0]
		queue = queue[1:]

		var relIDs []string
		if outgoingOnly {
			relIDs = s.outgoing[cur.id]
		} else {
			relIDs = append(append([]string{}, s.outgoing[cur.id]...), s.incoming[cur.id]...)
		}

		for _, relID := range relIDs {
			if visitedRel[relID] {
				continue
			}
			rel := s.relationships[relID]
			if rel == nil || (relType != "" && rel.Type != relType) {
				continue
			}
			visitedRel[relID] = true
			result.Relationships = append(result.Relationships, rel)

			next := rel.ToEntity
			if next == cur.id {
				next = rel.FromEntity
			}
			if next == "" {
				continue
			}
			if _, ok := result.Entities[next]; !ok {
				if e, exists := s.entities[next]; exists {
					result.Entities[next] = e
				}
			}
			path := append(append([]string{}, cur.path...), next)
			result.Paths = append(result.Paths, path)
			queue = append(queue, frame{id: next, path: path})
		}
	}
	return result, nil
}

// Stats summarizes store size, for diagnostics.
type Stats struct {
	Entities      int
	Relationships int
}

// Stats returns current entity/relationship counts.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Stats{Entities: len(s.entities), Relationships: len(s.relationships)}
}
