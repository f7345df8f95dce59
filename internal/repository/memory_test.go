package repository

import (
	"context"
	"testing"

	"caresync/internal/domain"
	"caresync/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	store := NewMemoryStore(0)
	ctx := context.Background()

	buf := []byte(`{"v":1}`)
	require.NoError(t, store.Put(ctx, models.TableQueue, "k", buf))
	buf[2] = 'x'

	got, err := store.Get(ctx, models.TableQueue, "k")
	require.NoError(t, err)
	assert.Equal(t, `{"v":1}`, string(got), "stored bytes must be copied")

	_, err = store.Get(ctx, models.TableMirror, "k")
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, store.PutMany(ctx, models.TableQueue, map[string][]byte{"a": {1}, "b": {2}}))
	all, _ := store.List(ctx, models.TableQueue)
	assert.Len(t, all, 3)

	usage, _ := store.Usage(ctx)
	assert.Equal(t, int64(len("k")+len(`{"v":1}`)+4), usage.UsedBytes)

	require.NoError(t, store.Delete(ctx, models.TableQueue, "a"))
	require.NoError(t, store.Clear(ctx, models.TableQueue))
	all, _ = store.List(ctx, models.TableQueue)
	assert.Empty(t, all)
}
