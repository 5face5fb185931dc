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

// Package bus implements the subscription registry and the topic-based
// message bus built on top of it: multi-subscriber fan-out, the
// DIRECT_MESSAGE/BROADCAST/TASK_ASSIGNMENT publish semantics, per-agent
// offline queueing, and a bounded debug history.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ksi-project/ksid/internal/event"
)

// Topic names carrying dedicated publish semantics. Any other topic is
// delivered generically: fan-out to exact and wildcard-matching subscribers.
const (
	TopicDirectMessage  = "DIRECT_MESSAGE"
	TopicBroadcast      = "BROADCAST"
	TopicTaskAssignment = "TASK_ASSIGNMENT"
)

const defaultBufferSize = 100

// CapabilityResolver resolves a TASK_ASSIGNMENT with no explicit recipient
// to a live agent whose declared capabilities satisfy requiredCapabilities.
// It is backed by the Agent Registry.
type CapabilityResolver interface {
	ResolveAgent(requiredCapabilities []string) (agentID string, ok bool)
}

type subscriberEntry struct {
	id           string
	subscriberID string
	pattern      string
	ch           chan event.Envelope
	notify       chan struct{}
	created      time.Time
}

// Subscription is the handle returned to a caller of Subscribe.
type Subscription struct {
	ID           string
	SubscriberID string
	Pattern      string
	Channel      <-chan event.Envelope
	Created      time.Time
}

// Bus is the subscription registry and message bus. Safe for concurrent use.
type Bus struct {
	mu       sync.RWMutex
	exact    map[string][]*subscriberEntry
	wildcard []*subscriberEntry
	byID     map[string]*subscriberEntry
	dedupe   map[string]*subscriberEntry // subscriberID + "\x00" + pattern -> entry

	offline *offlineQueueStore
	history *history
	logger  *zap.Logger

	capResolver CapabilityResolver
	disconnect  func(subscriberID string)

	totalPublished atomic.Int64
	totalDelivered atomic.Int64
	totalDropped   atomic.Int64

	closed atomic.Bool
}

// Config configures a Bus at construction.
type Config struct {
	OfflineQueueCapacity int
	HistoryCapacity      int
	HistoryLogPath       string
}

// New builds a Bus.
func New(cfg Config, logger *zap.Logger) *Bus {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Bus{
		exact:   make(map[string][]*subscriberEntry),
		byID:    make(map[string]*subscriberEntry),
		dedupe:  make(map[string]*subscriberEntry),
		offline: newOfflineQueueStore(cfg.OfflineQueueCapacity),
		history: newHistory(cfg.HistoryCapacity, cfg.HistoryLogPath, logger),
		logger:  logger,
	}
}

// SetCapabilityResolver wires the Agent Registry's capability lookup used by
// TASK_ASSIGNMENT publications with no explicit recipient.
func (b *Bus) SetCapabilityResolver(r CapabilityResolver) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.capResolver = r
}

// SetDisconnectHandler registers a callback invoked when a subscriber fails
// to receive a delivery (its channel was full). The bus itself only tears
// down the subscriber's registry entries; the handler is responsible for
// closing the underlying connection.
func (b *Bus) SetDisconnectHandler(fn func(subscriberID string)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.disconnect = fn
}

// Subscribe registers subscriberID's interest in pattern. Re-subscribing to
// the same (subscriberID, pattern) pair is duplicate-suppressed and returns
// the existing subscription.
func (b *Bus) Subscribe(subscriberID, pattern string, bufferSize int) (*Subscription, error) {
	if b.closed.Load() {
		return nil, fmt.Errorf("bus is closed")
	}
	if subscriberID == "" || pattern == "" {
		return nil, fmt.Errorf("subscriber id and pattern are required")
	}
	if bufferSize <= 0 {
		bufferSize = defaultBufferSize
	}

	key := subscriberID + "\x00" + pattern

	b.mu.Lock()
	defer b.mu.Unlock()

	if existing, ok := b.dedupe[key]; ok {
		return &Subscription{
			ID: existing.id, SubscriberID: existing.subscriberID,
			Pattern: existing.pattern, Channel: existing.ch, Created: existing.created,
		}, nil
	}

	entry := &subscriberEntry{
		id:           uuid.NewString(),
		subscriberID: subscriberID,
		pattern:      pattern,
		ch:           make(chan event.Envelope, bufferSize),
		created:      time.Now(),
	}

	if event.IsWildcard(pattern) {
		b.wildcard = append(b.wildcard, entry)
	} else {
		b.exact[pattern] = append(b.exact[pattern], entry)
	}
	b.byID[entry.id] = entry
	b.dedupe[key] = entry

	b.logger.Info("bus subscribe", zap.String("subscriber_id", subscriberID), zap.String("pattern", pattern))

	return &Subscription{ID: entry.id, SubscriberID: subscriberID, Pattern: pattern, Channel: entry.ch, Created: entry.created}, nil
}

// Unsubscribe removes one subscription by id.
func (b *Bus) Unsubscribe(subscriptionID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.unsubscribeLocked(subscriptionID)
}

func (b *Bus) unsubscribeLocked(subscriptionID string) error {
	entry, ok := b.byID[subscriptionID]
	if !ok {
		return fmt.Errorf("subscription not found: %s", subscriptionID)
	}
	b.removeEntryLocked(entry)
	return nil
}

func (b *Bus) removeEntryLocked(entry *subscriberEntry) {
	delete(b.byID, entry.id)
	delete(b.dedupe, entry.subscriberID+"\x00"+entry.pattern)

	if event.IsWildcard(entry.pattern) {
		for i, e := range b.wildcard {
			if e.id == entry.id {
				b.wildcard = append(b.wildcard[:i], b.wildcard[i+1:]...)
				break
			}
		}
	} else {
		list := b.exact[entry.pattern]
		for i, e := range list {
			if e.id == entry.id {
				b.exact[entry.pattern] = append(list[:i], list[i+1:]...)
				break
			}
		}
	}
	close(entry.ch)
}

// UnsubscribeAll removes every subscription belonging to subscriberID, used
// on disconnection.
func (b *Bus) UnsubscribeAll(subscriberID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	var toRemove []*subscriberEntry
	for _, e := range b.byID {
		if e.subscriberID == subscriberID {
			toRemove = append(toRemove, e)
		}
	}
	for _, e := range toRemove {
		b.removeEntryLocked(e)
	}
}

// RegisterNotificationChannel arranges for notifyCh to receive a
// non-blocking signal whenever a new message is delivered or queued for
// subscriptionID, enabling event-driven wakeup instead of polling.
func (b *Bus) RegisterNotificationChannel(subscriptionID string, notifyCh chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if e, ok := b.byID[subscriptionID]; ok {
		e.notify = notifyCh
	}
}

// Subscriptions returns every active subscription for subscriberID.
func (b *Bus) Subscriptions(subscriberID string) []Subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []Subscription
	for _, e := range b.byID {
		if e.subscriberID == subscriberID {
			out = append(out, Subscription{ID: e.id, SubscriberID: e.subscriberID, Pattern: e.pattern, Channel: e.ch, Created: e.created})
		}
	}
	return out
}

func (b *Bus) matching(topic string, excludeSubscriberID string) []*subscriberEntry {
	b.mu.RLock()
	defer b.mu.RUnlock()

	matched := append([]*subscriberEntry(nil), b.exact[topic]...)
	for _, e := range b.wildcard {
		if event.MatchPattern(e.pattern, topic) {
			matched = append(matched, e)
		}
	}
	if excludeSubscriberID == "" {
		return matched
	}
	filtered := matched[:0:0]
	for _, e := range matched {
		if e.subscriberID != excludeSubscriberID {
			filtered = append(filtered, e)
		}
	}
	return filtered
}

// PublishResult reports the outcome of one Publish call.
type PublishResult struct {
	Delivered int
	Dropped   int
}

// Publish dispatches env under topic, applying DIRECT_MESSAGE, BROADCAST,
// and TASK_ASSIGNMENT semantics for those three reserved topic names and
// generic exact/wildcard fan-out otherwise.
func (b *Bus) Publish(ctx context.Context, topic string, env event.Envelope) (PublishResult, error) {
	if b.closed.Load() {
		return PublishResult{}, fmt.Errorf("bus is closed")
	}
	if topic == "" {
		return PublishResult{}, fmt.Errorf("topic cannot be empty")
	}

	b.totalPublished.Add(1)
	b.history.Record(historyRecord{Topic: topic, Name: env.Name, Data: env.Data, Context: env.Context})

	var (
		from string
		to   string
	)
	var fields map[string]any
	if len(env.Data) > 0 {
		_ = json.Unmarshal(env.Data, &fields)
		if v, ok := fields["from"].(string); ok {
			from = v
		}
		if v, ok := fields["to"].(string); ok {
			to = v
		}
	}

	var result PublishResult
	switch topic {
	case TopicDirectMessage:
		result = b.publishDirect(to, from, env)
	case TopicTaskAssignment:
		if to == "" {
			if resolved, ok := b.resolveCapableAgent(fields); ok {
				to = resolved
			}
		}
		result = b.publishDirect(to, from, env)
	case TopicBroadcast:
		result = b.publishFanout(topic, from, env, false)
	default:
		result = b.publishFanout(topic, "", env, false)
	}

	b.totalDelivered.Add(int64(result.Delivered))
	b.totalDropped.Add(int64(result.Dropped))
	return result, nil
}

func (b *Bus) resolveCapableAgent(fields map[string]any) (string, bool) {
	b.mu.RLock()
	resolver := b.capResolver
	b.mu.RUnlock()
	if resolver == nil {
		return "", false
	}

	var required []string
	if raw, ok := fields["required_capabilities"].([]any); ok {
		for _, v := range raw {
			if s, ok := v.(string); ok {
				required = append(required, s)
			}
		}
	}
	return resolver.ResolveAgent(required)
}

// publishDirect delivers env once to the live connection of agent `to`, or
// enqueues it offline if `to` is absent/disconnected. It also fans the
// envelope out to every other subscriber of the topic (observers/monitors).
func (b *Bus) publishDirect(to, from string, env event.Envelope) PublishResult {
	var result PublishResult

	if to != "" {
		attempted, delivered := false, false
		for _, e := range b.matching(TopicDirectMessage, "") {
			if e.subscriberID != to {
				continue
			}
			attempted = true
			if b.deliverOne(e, env) {
				delivered = true
			}
		}
		// A failed attempt has already been queued offline by deliverOne.
		if !attempted {
			b.offline.Enqueue(to, env)
		} else if delivered {
			result.Delivered++
		}
	}

	// Observer fan-out: every other subscriber of DIRECT_MESSAGE besides
	// the sender sees the envelope too.
	for _, e := range b.matching(TopicDirectMessage, from) {
		if e.subscriberID == to {
			continue // already delivered above
		}
		if b.deliverOne(e, env) {
			result.Delivered++
		} else {
			result.Dropped++
		}
	}
	return result
}

func (b *Bus) publishFanout(topic, excludeSubscriberID string, env event.Envelope, _ bool) PublishResult {
	var result PublishResult
	for _, e := range b.matching(topic, excludeSubscriberID) {
		if b.deliverOne(e, env) {
			result.Delivered++
		} else {
			result.Dropped++
		}
	}
	return result
}

// deliverOne attempts a non-blocking delivery to entry. On success it also
// pulses the subscriber's notification channel, if any. On failure (the
// subscriber's buffer is full) the envelope is moved to the offline queue
// under entry's subscriber id, whether or not that subscriber is an agent,
// and only this one subscription entry is removed; the subscriber's other
// subscriptions stay registered. The disconnect handler, if set, is then
// called with the subscriber id.
func (b *Bus) deliverOne(entry *subscriberEntry, env event.Envelope) bool {
	select {
	case entry.ch <- env:
		if entry.notify != nil {
			select {
			case entry.notify <- struct{}{}:
			default:
			}
		}
		return true
	default:
		b.logger.Warn("subscriber delivery failed, disconnecting",
			zap.String("subscriber_id", entry.subscriberID),
			zap.String("pattern", entry.pattern))

		b.offline.Enqueue(entry.subscriberID, env)

		b.mu.Lock()
		b.removeEntryLocked(entry)
		handler := b.disconnect
		b.mu.Unlock()

		if handler != nil {
			handler(entry.subscriberID)
		}
		return false
	}
}

// Reconnect drains and returns agentID's offline queue, for delivery
// immediately upon reconnection, before any newly published events.
func (b *Bus) Reconnect(agentID string) []event.Envelope {
	return b.offline.Drain(agentID)
}

// OfflineDepth reports the number of envelopes queued for agentID.
func (b *Bus) OfflineDepth(agentID string) int { return b.offline.Depth(agentID) }

// OfflineDropped reports how many envelopes have been dropped for agentID.
func (b *Bus) OfflineDropped(agentID string) int64 { return b.offline.Dropped(agentID) }

// Stats summarizes bus-wide publish/delivery/drop counters.
type Stats struct {
	TotalPublished int64
	TotalDelivered int64
	TotalDropped   int64
}

// Stats returns a snapshot of bus-wide counters.
func (b *Bus) Stats() Stats {
	return Stats{
		TotalPublished: b.totalPublished.Load(),
		TotalDelivered: b.totalDelivered.Load(),
		TotalDropped:   b.totalDropped.Load(),
	}
}

// History returns the bounded ring buffer of recent publications.
func (b *Bus) History() []historyRecord { return b.history.Recent() }

// Shutdown drains the bus: cancels pending deliveries by closing every
// subscriber channel, disconnects all subscribers, clears offline queues
// and history, and stops the history writer. It returns once complete or
// when ctx is done, whichever is first.
func (b *Bus) Shutdown(ctx context.Context) error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		b.mu.Lock()
		for _, e := range b.byID {
			close(e.ch)
		}
		b.exact = make(map[string][]*subscriberEntry)
		b.wildcard = nil
		b.byID = make(map[string]*subscriberEntry)
		b.dedupe = make(map[string]*subscriberEntry)
		b.mu.Unlock()

		b.offline.Clear()
		b.history.Clear()
		_ = b.history.Close()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
