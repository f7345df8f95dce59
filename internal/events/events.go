package events

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

const (
	EventNetworkOnline    = "network_online"
	EventNetworkOffline   = "network_offline"
	EventSyncStarted      = "sync_started"
	EventSyncCompleted    = "sync_completed"
	EventItemFailed       = "item_failed"
	EventConflictResolved = "conflict_resolved"
)

// NetworkPayload is published on connectivity transitions.
type NetworkPayload struct {
	Online bool      `json:"online"`
	At     time.Time `json:"at"`
}

// SyncPayload describes a started or finished cycle.
type SyncPayload struct {
	Trigger         string    `json:"trigger"`
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
	ItemsProcessed  int       `json:"items_processed"`
	ItemsFailed     int       `json:"items_failed"`
	ItemsConflicted int       `json:"items_conflicted"`
}

// ItemPayload describes a queue item that failed terminally.
type ItemPayload struct {
	ID         string `json:"id"`
	Entity     string `json:"entity"`
	EntityID   string `json:"entity_id,omitempty"`
	Action     string `json:"action"`
	RetryCount int    `json:"retry_count"`
	Error      string `json:"error"`
}

// ConflictPayload summarizes a resolved conflict.
type ConflictPayload struct {
	ID           string `json:"id"`
	Key          string `json:"key"`
	Policy       string `json:"policy"`
	Requeued     bool   `json:"requeued"`
	AwaitingUser bool   `json:"awaiting_user"`
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// Decode unmarshals the payload into v.
func (e *Event) Decode(v interface{}) error {
	return json.Unmarshal(e.Payload, v)
}

// EventHandler reacts to an event.
type EventHandler func(event *Event) error

type subscription struct {
	id      uint64
	handler EventHandler
}

// EventBus provides in-process pub/sub for sync events.
type EventBus struct {
	subscribers map[string][]subscription
	nextID      uint64
	mu          sync.RWMutex
	wg          sync.WaitGroup
	logger      zerolog.Logger
}

// NewEventBus constructs an empty bus. Handler errors are logged to logger.
func NewEventBus(logger *zerolog.Logger) *EventBus {
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "events").Logger()
	}
	return &EventBus{subscribers: make(map[string][]subscription), logger: l}
}

// Subscribe registers a handler for a given event type and returns an id
// for Unsubscribe.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subscribers[eventType] = append(b.subscribers[eventType], subscription{id: b.nextID, handler: handler})
	return b.nextID
}

func (b *EventBus) Unsubscribe(eventType string, id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	subs := b.subscribers[eventType]
	for i, s := range subs {
		if s.id == id {
			b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
			return
		}
	}
}

func (b *EventBus) handlers(eventType string) []subscription {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return append([]subscription(nil), b.subscribers[eventType]...)
}

// Publish notifies subscribers synchronously.
func (b *EventBus) Publish(event *Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}
	for _, s := range b.handlers(event.Type) {
		if err := s.handler(event); err != nil {
			b.logger.Error().Err(err).Str("event", event.Type).Msg("Event handler failed")
		}
	}
}

// PublishAsync notifies subscribers on a separate goroutine and returns
// immediately.
func (b *EventBus) PublishAsync(event *Event) {
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.Publish(event)
	}()
}

// Wait blocks until all async publishes have finished.
func (b *EventBus) Wait() {
	b.wg.Wait()
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	ev, err := NewJSONEvent(eventType, payload)
	if err != nil {
		return err
	}
	b.Publish(&ev)
	return nil
}

// NewJSONEvent builds an Event with JSON payload for manual publishing.
func NewJSONEvent(eventType string, payload interface{}) (Event, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}

	return Event{Type: eventType, Payload: raw, CreatedAt: time.Now()}, nil
}
