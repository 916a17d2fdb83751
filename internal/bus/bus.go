// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Glimmer Contributors

// Package bus implements the host-wide publish channel overlay windows and
// other in-process consumers listen on.
package bus

import (
	"log/slog"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// SourceKind identifies what published an event.
type SourceKind uint8

const (
	SourcePlugin SourceKind = iota
	SourceHost
)

func (s SourceKind) String() string {
	switch s {
	case SourcePlugin:
		return "plugin"
	case SourceHost:
		return "host"
	default:
		return "unknown"
	}
}

// Event is one publish on a named channel.
type Event struct {
	ID        ulid.ULID
	Channel   string // e.g. "service:battery"
	Timestamp time.Time
	Source    SourceKind
	SourceID  string // plugin id or command name
	Payload   []byte // JSON
}

// subscriberBuffer is the per-subscriber channel depth. A consumer that falls
// more than this many events behind starts losing events.
const subscriberBuffer = 100

// Broadcaster distributes events to channel subscribers.
type Broadcaster struct {
	mu     sync.RWMutex
	subs   map[string][]chan Event
	logger *slog.Logger
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subs:   make(map[string][]chan Event),
		logger: logger,
	}
}

// Subscribe creates a channel for receiving events published on a channel name.
func (b *Broadcaster) Subscribe(channel string) chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, subscriberBuffer)
	b.subs[channel] = append(b.subs[channel], ch)
	return ch
}

// Unsubscribe removes and closes a subscriber channel.
func (b *Broadcaster) Unsubscribe(channel string, ch chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs := b.subs[channel]
	for i, sub := range subs {
		if sub == ch {
			b.subs[channel] = append(subs[:i], subs[i+1:]...)
			close(ch)
			return
		}
	}
}

// Publish sends an event to every subscriber of its channel. Delivery is
// best-effort: a subscriber with a full buffer misses the event.
func (b *Broadcaster) Publish(event Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subs[event.Channel] {
		select {
		case ch <- event:
		default:
			b.logger.Warn("event dropped: subscriber buffer full",
				"channel", event.Channel,
				"event_id", event.ID.String(),
				"source", event.Source.String(),
			)
		}
	}
}

// NewEvent constructs an event with a fresh ULID and timestamp.
func NewEvent(channel string, source SourceKind, sourceID string, payload []byte) Event {
	return Event{
		ID:        ulid.Make(),
		Channel:   channel,
		Timestamp: time.Now(),
		Source:    source,
		SourceID:  sourceID,
		Payload:   payload,
	}
}
