package models

import (
	"encoding/json"
	"strings"
	"time"
)

// Action is the kind of mutation a queue item replays.
type Action string

// ItemStatus is the lifecycle state of a queue item.
type ItemStatus string

// Valid reports whether a is one of the known actions.
func (a Action) Valid() bool {
	switch a {
	case ActionCreate, ActionUpdate, ActionDelete:
		return true
	default:
		return false
	}
}

// Payload is what the engine needs to replay a mutation against the server.
type Payload struct {
	Data     json.RawMessage `json:"data,omitempty"`
	Method   string          `json:"method,omitempty"`
	Endpoint string          `json:"endpoint,omitempty"`
	Override bool            `json:"override,omitempty"`
}

// Mutation is a create/update/delete intent captured by the application.
type Mutation struct {
	Action   Action  `json:"action"`
	Entity   string  `json:"entity"`
	EntityID string  `json:"entity_id"`
	Payload  Payload `json:"payload"`
	Priority *int    `json:"priority,omitempty"`
}

// QueueItem is a persisted pending mutation.
type QueueItem struct {
	ID             string     `json:"id"`
	Seq            uint64     `json:"seq"`
	Action         Action     `json:"action"`
	Entity         string     `json:"entity"`
	EntityID       string     `json:"entity_id"`
	Payload        Payload    `json:"payload"`
	Priority       int        `json:"priority"`
	EnqueuedAt     time.Time  `json:"enqueued_at"`
	RetryCount     int        `json:"retry_count"`
	Status         ItemStatus `json:"status"`
	NextEligibleAt time.Time  `json:"next_eligible_at,omitempty"`
	LastError      string     `json:"last_error,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

// EntityKey groups items that touch the same entity. Items without an entity id
// form their own group.
func (q *QueueItem) EntityKey() string {
	if q.EntityID == "" {
		return "item:" + q.ID
	}
	return MirrorKey(q.Entity, q.EntityID)
}

// Eligible reports whether a pending item may be picked at now.
func (q *QueueItem) Eligible(now time.Time) bool {
	return q.Status == StatusPending && !q.NextEligibleAt.After(now)
}

// Before orders items for draining: priority desc, then enqueue time, then sequence.
func (q *QueueItem) Before(other *QueueItem) bool {
	if q.Priority != other.Priority {
		return q.Priority > other.Priority
	}
	if !q.EnqueuedAt.Equal(other.EnqueuedAt) {
		return q.EnqueuedAt.Before(other.EnqueuedAt)
	}
	return q.Seq < other.Seq
}

// QueueStats summarizes queue contents.
type QueueStats struct {
	Total      int `json:"total"`
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
}

// MirrorKey builds the composite mirror key for an entity.
func MirrorKey(entity, id string) string {
	return entity + ":" + id
}

// SplitMirrorKey is the inverse of MirrorKey.
func SplitMirrorKey(key string) (entity, id string, ok bool) {
	entity, id, ok = strings.Cut(key, ":")
	if !ok || entity == "" || id == "" {
		return "", "", false
	}
	return entity, id, true
}
