// Package state defines the notifications emitted by endpoint sessions and the
// bus that fans them out to observers.
package state

import (
	"log/slog"
	"sync"
	"time"
)

// EventType identifies event categories.
type EventType string

const (
	EventChanged                   EventType = "changed"
	EventServerRemoved             EventType = "server_removed"
	EventCameraAdded               EventType = "camera_added"
	EventCameraRemoved             EventType = "camera_removed"
	EventCameraUpdated             EventType = "camera_updated"
	EventDevicesReady              EventType = "devices_ready"
	EventStatusAlertMessageChanged EventType = "status_alert_message_changed"
	EventOnline                    EventType = "online"
	EventOffline                   EventType = "offline"
	EventLoginFailed               EventType = "login_failed"
)

// SessionState is the lifecycle state of an endpoint session.
type SessionState string

const (
	Disconnected SessionState = "disconnected"
	Online       SessionState = "online"
)

// Event represents a state change of one endpoint.
//
// Data depends on Type: camera.Camera for camera events, string for
// EventStatusAlertMessageChanged and EventLoginFailed, nil otherwise.
type Event struct {
	Type      EventType   `json:"type"`
	ServerID  int         `json:"server_id"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data,omitempty"`
}

// Publisher is anything events can be published to.
type Publisher interface {
	Publish(evt Event)
}

// --- EventBus ---

// EventBus is a simple publish/subscribe event bus.
type EventBus struct {
	mu          sync.RWMutex
	subscribers map[int]chan Event
	nextID      int
	log         *slog.Logger
}

// NewEventBus creates a new event bus.
func NewEventBus(log *slog.Logger) *EventBus {
	return &EventBus{
		subscribers: make(map[int]chan Event),
		log:         log,
	}
}

// Publish sends an event to all subscribers. Slow subscribers lose events
// rather than stall the publisher.
func (b *EventBus) Publish(evt Event) {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- evt:
		default:
			b.log.Warn("event bus: subscriber buffer full, dropping event",
				"subscriber_id", id, "event_type", evt.Type, "server_id", evt.ServerID)
		}
	}
}

// Subscribe returns a channel of events and an unsubscribe function.
func (b *EventBus) Subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}

	ch := make(chan Event, buffer)

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subscribers[id] = ch
	b.mu.Unlock()

	var once sync.Once
	unsub := func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subscribers, id)
			b.mu.Unlock()
			close(ch)
		})
	}
	return ch, unsub
}

var _ Publisher = (*EventBus)(nil)
