/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package events

import "sync"

// EventType enumerates event categories.
type EventType string

const (
	EventInitialized    EventType = "control.initialized"
	EventCleanedUp      EventType = "control.cleaned_up"
	EventDispatch       EventType = "control.dispatch"
	EventDispatchFailed EventType = "control.dispatch_failed"

	EventScheduleArmed   EventType = "schedule.armed"
	EventScheduleCleared EventType = "schedule.cleared"
	EventEntryFired      EventType = "schedule.entry_fired"

	EventStreamStarted EventType = "stream.started"
	EventStreamStopped EventType = "stream.stopped"

	EventSyncStarted   EventType = "media.sync_started"
	EventSyncCompleted EventType = "media.sync_completed"
)

// AllEventTypes lists every event category, for consumers that relay
// the whole stream.
func AllEventTypes() []EventType {
	return []EventType{
		EventInitialized, EventCleanedUp, EventDispatch, EventDispatchFailed,
		EventScheduleArmed, EventScheduleCleared, EventEntryFired,
		EventStreamStarted, EventStreamStopped,
		EventSyncStarted, EventSyncCompleted,
	}
}

// Payload generic event payload.
type Payload map[string]any

// Subscriber receives event payloads.
type Subscriber chan Payload

// Bus implements a simple in-process pubsub.
type Bus struct {
	mu   sync.RWMutex
	subs map[EventType][]Subscriber
}

// NewBus creates an event bus.
func NewBus() *Bus {
	return &Bus{subs: make(map[EventType][]Subscriber)}
}

// Subscribe registers a subscriber for event type.
func (b *Bus) Subscribe(eventType EventType) Subscriber {
	ch := make(Subscriber, 8)
	b.mu.Lock()
	b.subs[eventType] = append(b.subs[eventType], ch)
	b.mu.Unlock()
	return ch
}

// Publish sends payload to subscribers. Slow subscribers are skipped
// rather than blocking the publisher.
func (b *Bus) Publish(eventType EventType, payload Payload) {
	b.mu.RLock()
	subs := append([]Subscriber(nil), b.subs[eventType]...)
	b.mu.RUnlock()
	for _, sub := range subs {
		select {
		case sub <- payload:
		default:
		}
	}
}

// Unsubscribe removes the subscriber.
func (b *Bus) Unsubscribe(eventType EventType, sub Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subs[eventType]
	for i, candidate := range subs {
		if candidate == sub {
			b.subs[eventType] = append(subs[:i], subs[i+1:]...)
			close(sub)
			return
		}
	}
}
