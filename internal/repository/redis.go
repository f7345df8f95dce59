package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"caresync/internal/config"
	"caresync/internal/domain"
	"caresync/internal/models"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps every logical table in one hash, "<prefix>:<table>".
type RedisStore struct {
	client *redis.Client
	prefix string
	quota  int64
}

// NewRedisClient создает новый клиент Redis на основе конфигурации
func NewRedisClient(cfg config.RedisConfig) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
		PoolSize: cfg.PoolSize,
	})
}

func NewRedisStore(client *redis.Client, prefix string, quota int64) *RedisStore {
	if prefix == "" {
		prefix = "caresync"
	}
	return &RedisStore{client: client, prefix: prefix, quota: quota}
}

func (r *RedisStore) hashKey(table string) string {
	return r.prefix + ":" + table
}

func (r *RedisStore) Get(ctx context.Context, table, key string) ([]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	val, err := r.client.HGet(ctx, r.hashKey(table), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, domain.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get %s/%s from redis: %w", table, key, err)
	}
	return val, nil
}

func (r *RedisStore) Put(ctx context.Context, table, key string, value []byte) error {
	return r.PutMany(ctx, table, map[string][]byte{key: value})
}

// PutMany writes all fields with a single HSET inside MULTI/EXEC.
func (r *RedisStore) PutMany(ctx context.Context, table string, values map[string][]byte) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if len(values) == 0 {
		return nil
	}
	args := make([]interface{}, 0, len(values)*2)
	for k, v := range values {
		args = append(args, k, v)
	}
	_, err := r.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.HSet(ctx, r.hashKey(table), args...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to put into %s: %w", table, err)
	}
	return nil
}

func (r *RedisStore) Delete(ctx context.Context, table, key string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.HDel(ctx, r.hashKey(table), key).Err(); err != nil {
		return fmt.Errorf("failed to delete %s/%s from redis: %w", table, key, err)
	}
	return nil
}

func (r *RedisStore) List(ctx context.Context, table string) (map[string][]byte, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	all, err := r.client.HGetAll(ctx, r.hashKey(table)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s from redis: %w", table, err)
	}
	out := make(map[string][]byte, len(all))
	for k, v := range all {
		out[k] = []byte(v)
	}
	return out, nil
}

func (r *RedisStore) Clear(ctx context.Context, table string) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	if err := r.client.Del(ctx, r.hashKey(table)).Err(); err != nil {
		return fmt.Errorf("failed to clear %s: %w", table, err)
	}
	return nil
}

// Usage sums key and value lengths of the sync tables.
func (r *RedisStore) Usage(ctx context.Context) (models.StorageUsage, error) {
	var used int64
	for _, table := range []string{models.TableQueue, models.TableMirror, models.TableConflicts} {
		all, err := r.List(ctx, table)
		if err != nil {
			return models.StorageUsage{}, err
		}
		for k, v := range all {
			used += int64(len(k) + len(v))
		}
	}
	return models.StorageUsage{UsedBytes: used, QuotaBytes: r.quota}, nil
}

// PushDeadLetter records a terminally failed item for operators.
func (r *RedisStore) PushDeadLetter(ctx context.Context, item models.QueueItem) error {
	if r.client == nil {
		return fmt.Errorf("redis client is nil")
	}
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}
	if err := r.client.LPush(ctx, r.prefix+":deadletter", data).Err(); err != nil {
		return fmt.Errorf("failed to push dead letter: %w", err)
	}
	return nil
}

// DeadLetters returns up to limit most recent dead letters.
func (r *RedisStore) DeadLetters(ctx context.Context, limit int64) ([]models.QueueItem, error) {
	if r.client == nil {
		return nil, fmt.Errorf("redis client is nil")
	}
	raw, err := r.client.LRange(ctx, r.prefix+":deadletter", 0, limit-1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read dead letters: %w", err)
	}
	items := make([]models.QueueItem, 0, len(raw))
	for _, s := range raw {
		var item models.QueueItem
		if err := json.Unmarshal([]byte(s), &item); err != nil {
			continue
		}
		items = append(items, item)
	}
	return items, nil
}

// Ping проверяет соединение с Redis
func Ping(ctx context.Context, client *redis.Client) error {
	_, err := client.Ping(ctx).Result()
	if err != nil {
		return fmt.Errorf("failed to ping Redis: %w", err)
	}
	return nil
}

// Close закрывает соединение с Redis
func Close(client *redis.Client) error {
	if client != nil {
		return client.Close()
	}
	return nil
}
