package models

import "time"

// Queue item actions.
const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Queue item statuses.
const (
	StatusPending    ItemStatus = "pending"
	StatusProcessing ItemStatus = "processing"
	StatusFailed     ItemStatus = "failed"
	StatusCompleted  ItemStatus = "completed"
)

// Mirror sync statuses.
const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// Conflict policies.
const (
	PolicyLocal  ConflictPolicy = "local"
	PolicyRemote ConflictPolicy = "remote"
	PolicyMerge  ConflictPolicy = "merge"
)

// Engine states.
const (
	EngineIdle    EngineState = "idle"
	EngineSyncing EngineState = "syncing"
	EnginePaused  EngineState = "paused"
)

// Sync triggers.
const (
	TriggerPeriodic   = "periodic"
	TriggerOnline     = "online"
	TriggerManual     = "manual"
	TriggerBackground = "background"
	TriggerBackoff    = "backoff"
)

// Storage tables.
const (
	TableQueue     = "sync_queue"
	TableMirror    = "mirror"
	TableConflicts = "conflicts"
)

const (
	// DefaultMaxQueueSize верхняя граница очереди по умолчанию
	DefaultMaxQueueSize = 1000

	// DefaultMaxBatchSize количество элементов за один цикл синхронизации
	DefaultMaxBatchSize = 50

	// DefaultMaxRetries число повторов для временных ошибок
	DefaultMaxRetries = 5

	// DefaultSyncInterval период фоновой синхронизации
	DefaultSyncInterval = 5 * time.Minute

	// DefaultRemoteTimeout таймаут одного запроса к серверу
	DefaultRemoteTimeout = 15 * time.Second

	// DefaultRecentConflicts размер списка последних конфликтов в памяти
	DefaultRecentConflicts = 100
)
