package domain

import (
	"context"

	"caresync/internal/models"
)

// Store is a key-indexed durable store split into logical tables.
type Store interface {
	Get(ctx context.Context, table, key string) ([]byte, error)
	Put(ctx context.Context, table, key string, value []byte) error
	PutMany(ctx context.Context, table string, values map[string][]byte) error
	Delete(ctx context.Context, table, key string) error
	List(ctx context.Context, table string) (map[string][]byte, error)
	Clear(ctx context.Context, table string) error
	Usage(ctx context.Context) (models.StorageUsage, error)
}

type RemoteAPI interface {
	Replay(ctx context.Context, item models.QueueItem) (*models.RemoteResult, error)
	Ping(ctx context.Context) error
}

type Connectivity interface {
	IsOnline() bool
}

type Enqueuer interface {
	Enqueue(ctx context.Context, m models.Mutation) (string, error)
}

type DeadLetterSink interface {
	PushDeadLetter(ctx context.Context, item models.QueueItem) error
}

type EventPublisher interface {
	PublishJSON(eventType string, payload interface{}) error
}
