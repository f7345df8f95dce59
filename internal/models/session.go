package models

import (
	"encoding/json"
	"time"
)

// EngineState is the state of the sync engine as a whole.
type EngineState string

// ConflictPolicy decides which side wins a conflict.
type ConflictPolicy string

// SyncSession describes one drain cycle. It is never persisted.
type SyncSession struct {
	StartedAt       time.Time `json:"started_at"`
	FinishedAt      time.Time `json:"finished_at,omitempty"`
	Trigger         string    `json:"trigger"`
	ItemsProcessed  int       `json:"items_processed"`
	ItemsFailed     int       `json:"items_failed"`
	ItemsConflicted int       `json:"items_conflicted"`
	InProgress      bool      `json:"in_progress"`
}

// SyncStats is the status surface consumed by sync indicators.
type SyncStats struct {
	Pending      int        `json:"pending"`
	Failed       int        `json:"failed"`
	Completed    int64      `json:"completed"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
}

// RemoteResult is the server's canonical answer to a replayed mutation.
type RemoteResult struct {
	StatusCode      int             `json:"status_code"`
	Data            json.RawMessage `json:"data,omitempty"`
	ServerTimestamp time.Time       `json:"server_timestamp"`
}

// NetworkStatus is a snapshot of connectivity.
type NetworkStatus struct {
	Online        bool       `json:"online"`
	LastOnlineAt  *time.Time `json:"last_online_at,omitempty"`
	LastOfflineAt *time.Time `json:"last_offline_at,omitempty"`
}

// ConflictRecord is the audit trail of one resolved conflict.
type ConflictRecord struct {
	ID             string          `json:"id"`
	Key            string          `json:"key"`
	Policy         ConflictPolicy  `json:"policy"`
	Local          json.RawMessage `json:"local,omitempty"`
	Remote         json.RawMessage `json:"remote,omitempty"`
	LocalModified  time.Time       `json:"local_modified"`
	RemoteModified time.Time       `json:"remote_modified"`
	Resolved       json.RawMessage `json:"resolved,omitempty"`
	Requeued       bool            `json:"requeued"`
	AwaitingUser   bool            `json:"awaiting_user"`
	Note           string          `json:"note,omitempty"`
	DetectedAt     time.Time       `json:"detected_at"`
}
