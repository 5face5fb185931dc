// Copyright 2026 The KSI Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.

package bus

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ksi-project/ksid/internal/event"
)

func TestSubscribeIsDuplicateSuppressed(t *testing.T) {
	b := New(Config{}, nil)
	defer b.Shutdown(context.Background())

	sub1, err := b.Subscribe("client-a", "foo:*", 0)
	require.NoError(t, err)
	sub2, err := b.Subscribe("client-a", "foo:*", 0)
	require.NoError(t, err)

	assert.Equal(t, sub1.ID, sub2.ID)
}

func TestPublishWildcardFanout(t *testing.T) {
	b := New(Config{}, nil)
	defer b.Shutdown(context.Background())

	sub, err := b.Subscribe("client-a", "foo:*", 0)
	require.NoError(t, err)

	data, _ := json.Marshal(map[string]any{"x": 1})
	env := event.Envelope{Name: "foo:bar", Data: data, Context: event.NewRootContext("client-b")}

	result, err := b.Publish(context.Background(), "foo:bar", env)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Delivered)

	select {
	case got := <-sub.Channel:
		assert.Equal(t, "foo:bar", got.Name)
	case <-time.After(time.Second):
		t.Fatal("expected delivery")
	}
}

func TestDirectMessageOfflineQueueing(t *testing.T) {
	b := New(Config{}, nil)
	defer b.Shutdown(context.Background())

	data, _ := json.Marshal(map[string]any{"to": "alice", "from": "bob", "content": "hi"})
	env := event.Envelope{Name: "message:direct", Data: data, Context: event.NewRootContext("bob")}

	_, err := b.Publish(context.Background(), TopicDirectMessage, env)
	require.NoError(t, err)

	assert.Equal(t, 1, b.OfflineDepth("alice"))

	sub, err := b.Subscribe("alice", TopicDirectMessage, 0)
	require.NoError(t, err)
	_ = sub

	queued := b.Reconnect("alice")
	require.Len(t, queued, 1)
	var payload map[string]any
	require.NoError(t, json.Unmarshal(queued[0].Data, &payload))
	assert.Equal(t, "hi", payload["content"])
}

func TestDirectMessageDeliversToLiveSubscriber(t *testing.T) {
	b := New(Config{}, nil)
	defer b.Shutdown(context.Background())

	sub, err := b.Subscribe("alice", TopicDirectMessage, 0)
	require.NoError(t, err)

	data, _ := json.Marshal(map[string]any{"to": "alice", "from": "bob"})
	env := event.Envelope{Name: "message:direct", Data: data, Context: event.NewRootContext("bob")}

	result, err := b.Publish(context.Background(), TopicDirectMessage, env)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, result.Delivered, 1)

	select {
	case <-sub.Channel:
	case <-time.After(time.Second):
		t.Fatal("expected direct delivery")
	}
	assert.Equal(t, 0, b.OfflineDepth("alice"))
}

func TestBroadcastExcludesSender(t *testing.T) {
	b := New(Config{}, nil)
	defer b.Shutdown(context.Background())

	senderSub, err := b.Subscribe("bob", TopicBroadcast, 0)
	require.NoError(t, err)
	otherSub, err := b.Subscribe("alice", TopicBroadcast, 0)
	require.NoError(t, err)

	data, _ := json.Marshal(map[string]any{"from": "bob"})
	env := event.Envelope{Name: "announce", Data: data, Context: event.NewRootContext("bob")}

	_, err = b.Publish(context.Background(), TopicBroadcast, env)
	require.NoError(t, err)

	select {
	case <-otherSub.Channel:
	case <-time.After(time.Second):
		t.Fatal("expected broadcast delivery to alice")
	}

	select {
	case <-senderSub.Channel:
		t.Fatal("sender should not receive its own broadcast")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestOfflineQueueDropsOldestOnOverflow(t *testing.T) {
	b := New(Config{OfflineQueueCapacity: 2}, nil)
	defer b.Shutdown(context.Background())

	for i := 0; i < 3; i++ {
		data, _ := json.Marshal(map[string]any{"to": "alice", "seq": i})
		env := event.Envelope{Name: "message:direct", Data: data, Context: event.NewRootContext("bob")}
		_, err := b.Publish(context.Background(), TopicDirectMessage, env)
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), b.OfflineDropped("alice"))
	queued := b.Reconnect("alice")
	require.Len(t, queued, 2)

	var first, second map[string]any
	require.NoError(t, json.Unmarshal(queued[0].Data, &first))
	require.NoError(t, json.Unmarshal(queued[1].Data, &second))
	assert.Equal(t, float64(1), first["seq"])
	assert.Equal(t, float64(2), second["seq"])
}

type stubResolver struct {
	agentID string
	ok      bool
}

func (s stubResolver) ResolveAgent(required []string) (string, bool) { return s.agentID, s.ok }

func TestTaskAssignmentResolvesViaCapabilityResolver(t *testing.T) {
	b := New(Config{}, nil)
	defer b.Shutdown(context.Background())
	b.SetCapabilityResolver(stubResolver{agentID: "alice", ok: true})

	data, _ := json.Marshal(map[string]any{"from": "bob", "required_capabilities": []any{"code_review"}})
	env := event.Envelope{Name: "task:assign", Data: data, Context: event.NewRootContext("bob")}

	_, err := b.Publish(context.Background(), TopicTaskAssignment, env)
	require.NoError(t, err)

	assert.Equal(t, 1, b.OfflineDepth("alice"))
}

func TestUnsubscribeAllRemovesEverySubscription(t *testing.T) {
	b := New(Config{}, nil)
	defer b.Shutdown(context.Background())

	_, err := b.Subscribe("alice", "foo:*", 0)
	require.NoError(t, err)
	_, err = b.Subscribe("alice", "bar:baz", 0)
	require.NoError(t, err)

	b.UnsubscribeAll("alice")
	assert.Empty(t, b.Subscriptions("alice"))
}
