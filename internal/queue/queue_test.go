package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"caresync/internal/domain"
	"caresync/internal/models"
	"caresync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// failingStore fails writes on demand.
type failingStore struct {
	*repository.MemoryStore
	fail bool
}

func (s *failingStore) Put(ctx context.Context, table, key string, value []byte) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Put(ctx, table, key, value)
}

func (s *failingStore) Delete(ctx context.Context, table, key string) error {
	if s.fail {
		return errors.New("disk full")
	}
	return s.MemoryStore.Delete(ctx, table, key)
}

func newTestQueue(t *testing.T, store domain.Store, clock *fakeClock, maxRetries int) *Queue {
	t.Helper()
	q, err := New(context.Background(), store, Options{
		MaxSize:    10,
		MaxRetries: maxRetries,
		Retry:      RetryPolicy{InitialDelay: time.Second, MaxDelay: time.Minute, BackoffFactor: 2},
		Clock:      clock.Now,
	}, nil)
	require.NoError(t, err)
	return q
}

func prio(p int) *int { return &p }

func mutation(entity, id string, action models.Action) models.Mutation {
	return models.Mutation{
		Action:   action,
		Entity:   entity,
		EntityID: id,
		Payload:  models.Payload{Data: []byte(`{"id":"` + id + `"}`)},
	}
}

func TestEnqueue(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, repository.NewMemoryStore(0), clock, 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mutation("schedule", "s1", models.ActionCreate))
	require.NoError(t, err)

	item, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, clock.Now(), item.EnqueuedAt)
	assert.Equal(t, uint64(1), item.Seq)

	_, err = q.Enqueue(ctx, models.Mutation{Action: "upsert", Entity: "schedule"})
	assert.Error(t, err)
}

func TestEnqueue_QueueFull(t *testing.T) {
	q, err := New(context.Background(), repository.NewMemoryStore(0), Options{MaxSize: 2, MaxRetries: 1}, nil)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = q.Enqueue(ctx, mutation("staff", "1", models.ActionUpdate))
	require.NoError(t, err)
	_, err = q.Enqueue(ctx, mutation("staff", "2", models.ActionUpdate))
	require.NoError(t, err)

	_, err = q.Enqueue(ctx, mutation("staff", "3", models.ActionUpdate))
	var full *domain.QueueFullError
	require.ErrorAs(t, err, &full)
	assert.Equal(t, 2, full.Max)
	assert.Equal(t, 2, q.Len())
}

func TestDequeueNext_Ordering(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, repository.NewMemoryStore(0), clock, 3)
	ctx := context.Background()

	low, _ := q.Enqueue(ctx, mutation("staff", "1", models.ActionUpdate))
	clock.Advance(time.Second)
	m := mutation("medication", "m1", models.ActionUpdate)
	m.Priority = prio(10)
	high, _ := q.Enqueue(ctx, m)
	clock.Advance(time.Second)
	low2, _ := q.Enqueue(ctx, mutation("staff", "2", models.ActionUpdate))

	var order []string
	for item := q.DequeueNext(); item != nil; item = q.DequeueNext() {
		order = append(order, item.ID)
		require.NoError(t, q.MarkCompleted(ctx, item.ID))
	}
	assert.Equal(t, []string{high, low, low2}, order)
}

func TestDequeueNext_SameTimestampUsesSequence(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, repository.NewMemoryStore(0), clock, 3)
	ctx := context.Background()

	first, _ := q.Enqueue(ctx, mutation("resident", "a", models.ActionUpdate))
	second, _ := q.Enqueue(ctx, mutation("resident", "b", models.ActionUpdate))

	item := q.DequeueNext()
	require.NotNil(t, item)
	assert.Equal(t, first, item.ID)
	require.NoError(t, q.MarkCompleted(ctx, first))
	assert.Equal(t, second, q.DequeueNext().ID)
}

func TestDequeueNext_SameEntityKeepsOrderDespitePriority(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, repository.NewMemoryStore(0), clock, 3)
	ctx := context.Background()

	create, _ := q.Enqueue(ctx, mutation("schedule", "s1", models.ActionCreate))
	clock.Advance(time.Second)
	m := mutation("schedule", "s1", models.ActionUpdate)
	m.Priority = prio(100)
	update, _ := q.Enqueue(ctx, m)

	item := q.DequeueNext()
	require.NotNil(t, item)
	assert.Equal(t, create, item.ID)

	// processing head still blocks its successor
	require.NoError(t, q.MarkProcessing(ctx, create))
	assert.Nil(t, q.DequeueNext())

	require.NoError(t, q.MarkCompleted(ctx, create))
	assert.Equal(t, update, q.DequeueNext().ID)
}

func TestDequeueNext_RespectsBackoff(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, repository.NewMemoryStore(0), clock, 3)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, mutation("payroll", "p1", models.ActionUpdate))
	require.NoError(t, q.MarkProcessing(ctx, id))
	terminal, err := q.MarkFailed(ctx, id, &domain.TransientError{Op: "replay", StatusCode: 503, Err: errors.New("unavailable")})
	require.NoError(t, err)
	assert.False(t, terminal)

	assert.Nil(t, q.DequeueNext())
	next, ok := q.NextEligibleAt()
	require.True(t, ok)
	assert.Equal(t, clock.Now().Add(time.Second), next)

	clock.Advance(time.Second)
	item := q.DequeueNext()
	require.NotNil(t, item)
	assert.Equal(t, id, item.ID)
}

func TestMarkFailed_ExhaustsRetries(t *testing.T) {
	clock := newFakeClock()
	q := newTestQueue(t, repository.NewMemoryStore(0), clock, 2)
	ctx := context.Background()
	cause := &domain.TransientError{Op: "replay", Err: errors.New("connection refused")}

	id, _ := q.Enqueue(ctx, mutation("schedule", "s1", models.ActionUpdate))

	var prevEligible time.Time
	for attempt := 1; attempt <= 3; attempt++ {
		terminal, err := q.MarkFailed(ctx, id, cause)
		require.NoError(t, err)
		item, _ := q.Get(id)
		assert.Equal(t, attempt, item.RetryCount)
		if attempt < 3 {
			assert.False(t, terminal)
			assert.Equal(t, models.StatusPending, item.Status)
			assert.True(t, item.NextEligibleAt.After(prevEligible))
			prevEligible = item.NextEligibleAt
		} else {
			assert.True(t, terminal)
			assert.Equal(t, models.StatusFailed, item.Status)
		}
	}
	assert.Nil(t, q.DequeueNext())
	assert.Equal(t, 1, q.Stats().Failed)
}

func TestMarkFailed_ValidationIsTerminal(t *testing.T) {
	q := newTestQueue(t, repository.NewMemoryStore(0), newFakeClock(), 5)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, mutation("resident", "r1", models.ActionCreate))
	terminal, err := q.MarkFailed(ctx, id, &domain.ValidationError{StatusCode: 422, Message: "dob required"})
	require.NoError(t, err)
	assert.True(t, terminal)

	item, _ := q.Get(id)
	assert.Equal(t, 0, item.RetryCount)
	assert.Contains(t, item.LastError, "dob required")
}

func TestMarkCompleted_Idempotent(t *testing.T) {
	q := newTestQueue(t, repository.NewMemoryStore(0), newFakeClock(), 3)
	ctx := context.Background()

	id, _ := q.Enqueue(ctx, mutation("staff", "1", models.ActionUpdate))
	require.NoError(t, q.MarkCompleted(ctx, id))
	require.NoError(t, q.MarkCompleted(ctx, id))
	assert.Equal(t, 0, q.Len())
}

func TestQueue_SurvivesRestart(t *testing.T) {
	store := repository.NewMemoryStore(0)
	clock := newFakeClock()
	ctx := context.Background()

	q := newTestQueue(t, store, clock, 3)
	a, _ := q.Enqueue(ctx, mutation("schedule", "s1", models.ActionCreate))
	b, _ := q.Enqueue(ctx, mutation("schedule", "s2", models.ActionCreate))
	require.NoError(t, q.MarkProcessing(ctx, a))

	restarted := newTestQueue(t, store, clock, 3)
	require.Equal(t, 2, restarted.Len())

	item, _ := restarted.Get(a)
	assert.Equal(t, models.StatusPending, item.Status, "processing items go back to pending")

	c, _ := restarted.Enqueue(ctx, mutation("schedule", "s3", models.ActionCreate))
	itemC, _ := restarted.Get(c)
	assert.Equal(t, uint64(3), itemC.Seq)

	var ids []string
	for _, it := range restarted.List() {
		ids = append(ids, it.ID)
	}
	assert.Equal(t, []string{a, b, c}, ids)
}

func TestQueue_StorageFailureLeavesMemoryUntouched(t *testing.T) {
	store := &failingStore{MemoryStore: repository.NewMemoryStore(0)}
	q := newTestQueue(t, store, newFakeClock(), 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mutation("staff", "1", models.ActionUpdate))
	require.NoError(t, err)

	store.fail = true
	_, err = q.Enqueue(ctx, mutation("staff", "2", models.ActionUpdate))
	assert.True(t, domain.IsStorage(err))
	assert.Equal(t, 1, q.Len())

	err = q.MarkProcessing(ctx, id)
	assert.True(t, domain.IsStorage(err))
	item, _ := q.Get(id)
	assert.Equal(t, models.StatusPending, item.Status)

	err = q.MarkCompleted(ctx, id)
	assert.True(t, domain.IsStorage(err))
	assert.Equal(t, 1, q.Len())
}

func TestRetryFailedAndDiscard(t *testing.T) {
	q := newTestQueue(t, repository.NewMemoryStore(0), newFakeClock(), 0)
	ctx := context.Background()
	cause := &domain.ValidationError{StatusCode: 400, Message: "bad"}

	a, _ := q.Enqueue(ctx, mutation("staff", "1", models.ActionUpdate))
	b, _ := q.Enqueue(ctx, mutation("staff", "2", models.ActionUpdate))
	pending, _ := q.Enqueue(ctx, mutation("staff", "3", models.ActionUpdate))
	_, _ = q.MarkFailed(ctx, a, cause)
	_, _ = q.MarkFailed(ctx, b, cause)

	assert.ErrorIs(t, q.Discard(ctx, pending), domain.ErrNotFailed)
	assert.ErrorIs(t, q.Discard(ctx, "missing"), domain.ErrNotFound)
	require.NoError(t, q.Discard(ctx, b))

	n, err := q.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	item, _ := q.Get(a)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	assert.Equal(t, models.QueueStats{Total: 2, Pending: 2}, q.Stats())
}

func TestClearAndHasPendingFor(t *testing.T) {
	q := newTestQueue(t, repository.NewMemoryStore(0), newFakeClock(), 3)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, mutation("schedule", "s1", models.ActionCreate))
	assert.False(t, q.HasPendingFor("schedule:s1", a))
	b, _ := q.Enqueue(ctx, mutation("schedule", "s1", models.ActionUpdate))
	assert.True(t, q.HasPendingFor("schedule:s1", a))
	assert.True(t, q.HasPendingFor("schedule:s1", b))

	require.NoError(t, q.Clear(ctx))
	assert.Equal(t, 0, q.Len())
	assert.Nil(t, q.DequeueNext())
}

func TestRelease(t *testing.T) {
	store := &failingStore{MemoryStore: repository.NewMemoryStore(0)}
	q := newTestQueue(t, store, newFakeClock(), 3)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, mutation("staff", "1", models.ActionUpdate))
	require.NoError(t, err)
	require.NoError(t, q.MarkProcessing(ctx, id))
	assert.Nil(t, q.DequeueNext(), "a processing head blocks its entity")

	store.fail = true
	_, err = q.MarkFailed(ctx, id, errors.New("timeout"))
	require.True(t, domain.IsStorage(err))

	q.Release(id)
	item, ok := q.Get(id)
	require.True(t, ok)
	assert.Equal(t, models.StatusPending, item.Status)
	assert.Equal(t, 0, item.RetryCount)
	next := q.DequeueNext()
	require.NotNil(t, next)
	assert.Equal(t, id, next.ID)

	// releasing a pending or unknown item is a no-op
	q.Release(id)
	q.Release("missing")
	assert.Equal(t, 1, q.Len())
}
