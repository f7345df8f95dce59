package repository

import (
	"context"
	"testing"

	"caresync/internal/domain"
	"caresync/internal/models"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)

	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() { client.Close() })
	return s, client
}

func TestRedisStore(t *testing.T) {
	s, client := setupRedis(t)
	store := NewRedisStore(client, "test", 4096)
	ctx := context.Background()

	t.Run("PutAndGet", func(t *testing.T) {
		require.NoError(t, store.Put(ctx, models.TableQueue, "q1", []byte(`{"id":"q1"}`)))

		got, err := store.Get(ctx, models.TableQueue, "q1")
		require.NoError(t, err)
		assert.JSONEq(t, `{"id":"q1"}`, string(got))
		assert.True(t, s.Exists("test:"+models.TableQueue))
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := store.Get(ctx, models.TableMirror, "nope")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("PutManyAndList", func(t *testing.T) {
		require.NoError(t, store.PutMany(ctx, models.TableMirror, map[string][]byte{
			"patient:1": []byte(`{"a":1}`),
			"patient:2": []byte(`{"a":2}`),
		}))
		all, err := store.List(ctx, models.TableMirror)
		require.NoError(t, err)
		assert.Len(t, all, 2)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, store.Delete(ctx, models.TableMirror, "patient:1"))
		_, err := store.Get(ctx, models.TableMirror, "patient:1")
		assert.ErrorIs(t, err, domain.ErrNotFound)
	})

	t.Run("Usage", func(t *testing.T) {
		usage, err := store.Usage(ctx)
		require.NoError(t, err)
		assert.Greater(t, usage.UsedBytes, int64(0))
		assert.Equal(t, int64(4096), usage.QuotaBytes)
	})

	t.Run("Clear", func(t *testing.T) {
		require.NoError(t, store.Clear(ctx, models.TableQueue))
		all, err := store.List(ctx, models.TableQueue)
		require.NoError(t, err)
		assert.Empty(t, all)
	})
}

func TestRedisStore_DeadLetters(t *testing.T) {
	_, client := setupRedis(t)
	store := NewRedisStore(client, "", 0)
	ctx := context.Background()

	require.NoError(t, store.PushDeadLetter(ctx, models.QueueItem{ID: "a", Entity: "visit"}))
	require.NoError(t, store.PushDeadLetter(ctx, models.QueueItem{ID: "b", Entity: "visit"}))

	items, err := store.DeadLetters(ctx, 10)
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, "b", items[0].ID)
}

func TestRedisStore_ConnectionError(t *testing.T) {
	s, client := setupRedis(t)
	store := NewRedisStore(client, "test", 0)
	s.Close()

	_, err := store.Get(context.Background(), models.TableQueue, "q1")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrNotFound)
}

func TestPing(t *testing.T) {
	_, client := setupRedis(t)
	assert.NoError(t, Ping(context.Background(), client))
	assert.NoError(t, Close(nil))
}
