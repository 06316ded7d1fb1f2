// Package events provides the pub/sub bus for browser tab events and
// engine lifecycle events. Immediate triggers and the websocket event
// stream both feed off it.
package events

import (
	"encoding/json"
	"sync"
	"time"
)

// EventType classifies bus events.
type EventType string

const (
	TabCreated   EventType = "tab.created"
	TabUpdated   EventType = "tab.updated"
	TabActivated EventType = "tab.activated"
	TabRemoved   EventType = "tab.removed"

	RuleRun      EventType = "rule.run"
	RulesChanged EventType = "rules.changed"
	SnoozeWoke   EventType = "snooze.woke"

	BridgeConnected    EventType = "bridge.connected"
	BridgeDisconnected EventType = "bridge.disconnected"
)

// Event is one bus message. TabID/WindowID are set for browser events,
// RuleID for engine events; Detail carries type-specific payloads.
type Event struct {
	Type      EventType `json:"type"`
	TabID     int       `json:"tabId,omitempty"`
	WindowID  int       `json:"windowId,omitempty"`
	RuleID    string    `json:"ruleId,omitempty"`
	Summary   string    `json:"summary,omitempty"`
	Detail    any       `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// JSON returns the event as a JSON byte slice.
func (e Event) JSON() []byte {
	data, _ := json.Marshal(e)
	return data
}

// Bus is a simple pub/sub event bus.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufferSize  int
}

// NewBus creates an event bus.
func NewBus(bufferSize int) *Bus {
	if bufferSize < 1 {
		bufferSize = 64
	}
	return &Bus{
		subscribers: make(map[string]chan Event),
		bufferSize:  bufferSize,
	}
}

// Publish sends an event to all subscribers.
// Non-blocking: drops events for slow subscribers.
func (b *Bus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			// Drop for slow subscriber — better than blocking
		}
	}
}

// Subscribe returns a channel of events. Call Unsubscribe with the same id
// when done.
func (b *Bus) Subscribe(id string) <-chan Event {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	b.subscribers[id] = ch
	return ch
}

// Unsubscribe removes a subscriber.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		close(ch)
		delete(b.subscribers, id)
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}
