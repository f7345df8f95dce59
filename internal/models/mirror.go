package models

import (
	"encoding/json"
	"time"
)

// SyncStatus marks whether a mirror entry is confirmed by the server.
type SyncStatus string

// MirrorEntry is the last known snapshot of an entity.
type MirrorEntry struct {
	Key          string          `json:"key"`
	Data         json.RawMessage `json:"data"`
	LastModified time.Time       `json:"last_modified"`
	SyncStatus   SyncStatus      `json:"sync_status"`
}

// StorageUsage reports pressure on the underlying store.
type StorageUsage struct {
	UsedBytes  int64 `json:"used_bytes"`
	QuotaBytes int64 `json:"quota_bytes"`
}

// Ratio returns used/quota, or 0 when no quota is configured.
func (u StorageUsage) Ratio() float64 {
	if u.QuotaBytes <= 0 {
		return 0
	}
	return float64(u.UsedBytes) / float64(u.QuotaBytes)
}
