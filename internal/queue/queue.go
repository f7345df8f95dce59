package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"caresync/internal/domain"
	"caresync/internal/metrics"
	"caresync/internal/models"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options tune a Queue. A zero MaxSize or nil Clock falls back to defaults;
// MaxRetries is taken as is, so zero means no retries.
type Options struct {
	MaxSize    int
	MaxRetries int
	Retry      RetryPolicy
	Clock      func() time.Time
}

// Queue is the durable FIFO of pending mutations. Every change is written
// through to the store before the in-memory index is updated.
type Queue struct {
	mu         sync.Mutex
	store      domain.Store
	items      map[string]*models.QueueItem
	seq        uint64
	maxSize    int
	maxRetries int
	retry      RetryPolicy
	now        func() time.Time
	logger     zerolog.Logger
}

// New loads the persisted queue. Items left in processing by a crash are
// returned to pending.
func New(ctx context.Context, store domain.Store, opts Options, logger *zerolog.Logger) (*Queue, error) {
	if opts.MaxSize <= 0 {
		opts.MaxSize = models.DefaultMaxQueueSize
	}
	if opts.MaxRetries < 0 {
		opts.MaxRetries = models.DefaultMaxRetries
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "queue").Logger()
	}

	q := &Queue{
		store:      store,
		items:      make(map[string]*models.QueueItem),
		maxSize:    opts.MaxSize,
		maxRetries: opts.MaxRetries,
		retry:      opts.Retry,
		now:        opts.Clock,
		logger:     l,
	}
	if err := q.load(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *Queue) load(ctx context.Context) error {
	raw, err := q.store.List(ctx, models.TableQueue)
	if err != nil {
		return &domain.StorageError{Op: "load queue", Err: err}
	}

	recovered := make(map[string][]byte)
	for key, data := range raw {
		var item models.QueueItem
		if err := json.Unmarshal(data, &item); err != nil {
			q.logger.Error().Err(err).Str("id", key).Msg("Skipping corrupt queue item")
			continue
		}
		if item.Status == models.StatusProcessing {
			item.Status = models.StatusPending
			item.UpdatedAt = q.now()
			if b, err := json.Marshal(item); err == nil {
				recovered[item.ID] = b
			}
		}
		if item.Seq > q.seq {
			q.seq = item.Seq
		}
		q.items[item.ID] = &item
	}

	if len(recovered) > 0 {
		if err := q.store.PutMany(ctx, models.TableQueue, recovered); err != nil {
			return &domain.StorageError{Op: "recover processing items", Err: err}
		}
		q.logger.Warn().Int("count", len(recovered)).Msg("Recovered items interrupted mid-sync")
	}

	q.logger.Info().Int("items", len(q.items)).Msg("Queue loaded")
	q.publishStatsLocked()
	return nil
}

func (q *Queue) persist(ctx context.Context, item *models.QueueItem) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	if err := q.store.Put(ctx, models.TableQueue, item.ID, data); err != nil {
		return &domain.StorageError{Op: "persist queue item", Err: err}
	}
	return nil
}

// Enqueue persists a new pending item and returns its id.
func (q *Queue) Enqueue(ctx context.Context, m models.Mutation) (string, error) {
	if !m.Action.Valid() {
		return "", fmt.Errorf("invalid action %q", m.Action)
	}
	if m.Entity == "" {
		return "", errors.New("entity is required")
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.maxSize {
		return "", &domain.QueueFullError{Max: q.maxSize}
	}

	now := q.now()
	item := &models.QueueItem{
		ID:         uuid.NewString(),
		Seq:        q.seq + 1,
		Action:     m.Action,
		Entity:     m.Entity,
		EntityID:   m.EntityID,
		Payload:    m.Payload,
		EnqueuedAt: now,
		Status:     models.StatusPending,
		UpdatedAt:  now,
	}
	if m.Priority != nil {
		item.Priority = *m.Priority
	}

	if err := q.persist(ctx, item); err != nil {
		return "", err
	}
	q.seq = item.Seq
	q.items[item.ID] = item
	q.publishStatsLocked()

	q.logger.Debug().
		Str("id", item.ID).
		Str("entity", item.Entity).
		Str("action", string(item.Action)).
		Int("priority", item.Priority).
		Msg("Mutation enqueued")
	return item.ID, nil
}

// heads returns the oldest remaining item per entity key.
func (q *Queue) heads() map[string]*models.QueueItem {
	heads := make(map[string]*models.QueueItem)
	for _, item := range q.items {
		key := item.EntityKey()
		if cur, ok := heads[key]; !ok || item.Seq < cur.Seq {
			heads[key] = item
		}
	}
	return heads
}

// DequeueNext returns the next item to replay or nil. It does not change
// the item's status. Only the oldest item of each entity is a candidate, so
// mutations of one entity are replayed in enqueue order whatever their
// priority.
func (q *Queue) DequeueNext() *models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	var best *models.QueueItem
	for _, head := range q.heads() {
		if !head.Eligible(now) {
			continue
		}
		if best == nil || head.Before(best) {
			best = head
		}
	}
	if best == nil {
		return nil
	}
	cp := *best
	return &cp
}

// NextEligibleAt returns the earliest time a pending head becomes eligible.
func (q *Queue) NextEligibleAt() (time.Time, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var next time.Time
	found := false
	for _, head := range q.heads() {
		if head.Status != models.StatusPending {
			continue
		}
		if !found || head.NextEligibleAt.Before(next) {
			next = head.NextEligibleAt
			found = true
		}
	}
	return next, found
}

// update applies fn to a copy of the item, persists it and swaps it in.
func (q *Queue) update(ctx context.Context, id string, fn func(*models.QueueItem)) (*models.QueueItem, error) {
	cur, ok := q.items[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	next := *cur
	fn(&next)
	next.UpdatedAt = q.now()
	if err := q.persist(ctx, &next); err != nil {
		return nil, err
	}
	q.items[id] = &next
	q.publishStatsLocked()
	return &next, nil
}

func (q *Queue) MarkProcessing(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	_, err := q.update(ctx, id, func(item *models.QueueItem) {
		item.Status = models.StatusProcessing
	})
	return err
}

// Release puts a processing item back to pending in memory only. The store
// keeps whatever was last persisted; New resets processing items on load.
func (q *Queue) Release(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok := q.items[id]
	if !ok || cur.Status != models.StatusProcessing {
		return
	}
	next := *cur
	next.Status = models.StatusPending
	q.items[id] = &next
	q.publishStatsLocked()
	q.logger.Warn().Str("id", id).Msg("Processing item released after storage failure")
}

// MarkCompleted removes the item. Completing an unknown id is a no-op.
func (q *Queue) MarkCompleted(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.items[id]; !ok {
		return nil
	}
	if err := q.store.Delete(ctx, models.TableQueue, id); err != nil {
		return &domain.StorageError{Op: "complete queue item", Err: err}
	}
	delete(q.items, id)
	q.publishStatsLocked()
	return nil
}

// MarkFailed records a failed replay. It reports whether the item is now
// terminally failed.
func (q *Queue) MarkFailed(ctx context.Context, id string, cause error) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	retryable := domain.IsRetryable(cause)
	msg := ""
	if cause != nil {
		msg = cause.Error()
	}

	item, err := q.update(ctx, id, func(item *models.QueueItem) {
		item.LastError = msg
		if !retryable {
			item.Status = models.StatusFailed
			return
		}
		item.RetryCount++
		if item.RetryCount > q.maxRetries {
			item.Status = models.StatusFailed
			return
		}
		item.Status = models.StatusPending
		item.NextEligibleAt = q.now().Add(q.retry.NextDelay(item.RetryCount))
	})
	if err != nil {
		return false, err
	}

	terminal := item.Status == models.StatusFailed
	ev := q.logger.Warn()
	if terminal {
		ev = q.logger.Error()
	}
	ev.Str("id", id).
		Str("entity", item.Entity).
		Int("retry_count", item.RetryCount).
		Bool("terminal", terminal).
		Time("next_eligible_at", item.NextEligibleAt).
		Str("error", msg).
		Msg("Queue item failed")
	return terminal, nil
}

// RetryFailed returns every failed item to pending with a fresh retry budget.
func (q *Queue) RetryFailed(ctx context.Context) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	batch := make(map[string][]byte)
	revived := make(map[string]*models.QueueItem)
	for id, cur := range q.items {
		if cur.Status != models.StatusFailed {
			continue
		}
		next := *cur
		next.Status = models.StatusPending
		next.RetryCount = 0
		next.NextEligibleAt = time.Time{}
		next.UpdatedAt = now
		data, err := json.Marshal(&next)
		if err != nil {
			return 0, fmt.Errorf("marshal queue item: %w", err)
		}
		batch[id] = data
		revived[id] = &next
	}
	if len(batch) == 0 {
		return 0, nil
	}
	if err := q.store.PutMany(ctx, models.TableQueue, batch); err != nil {
		return 0, &domain.StorageError{Op: "retry failed items", Err: err}
	}
	for id, item := range revived {
		q.items[id] = item
	}
	q.publishStatsLocked()
	q.logger.Info().Int("count", len(revived)).Msg("Failed items requeued")
	return len(revived), nil
}

// Discard drops a terminally failed item.
func (q *Queue) Discard(ctx context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	item, ok := q.items[id]
	if !ok {
		return domain.ErrNotFound
	}
	if item.Status != models.StatusFailed {
		return domain.ErrNotFailed
	}
	if err := q.store.Delete(ctx, models.TableQueue, id); err != nil {
		return &domain.StorageError{Op: "discard queue item", Err: err}
	}
	delete(q.items, id)
	q.publishStatsLocked()
	q.logger.Warn().Str("id", id).Str("entity", item.Entity).Msg("Failed item discarded")
	return nil
}

// Clear removes everything. Unsynced work is lost.
func (q *Queue) Clear(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if err := q.store.Clear(ctx, models.TableQueue); err != nil {
		return &domain.StorageError{Op: "clear queue", Err: err}
	}
	q.logger.Warn().Int("dropped", len(q.items)).Msg("Sync queue cleared")
	q.items = make(map[string]*models.QueueItem)
	q.publishStatsLocked()
	return nil
}

func (q *Queue) Get(id string) (*models.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	item, ok := q.items[id]
	if !ok {
		return nil, false
	}
	cp := *item
	return &cp, true
}

// List returns all items in enqueue order.
func (q *Queue) List() []models.QueueItem {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]models.QueueItem, 0, len(q.items))
	for _, item := range q.items {
		out = append(out, *item)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out
}

// HasPendingFor reports whether any item other than exceptID targets key.
func (q *Queue) HasPendingFor(key, exceptID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for id, item := range q.items {
		if id != exceptID && item.EntityKey() == key {
			return true
		}
	}
	return false
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) Stats() models.QueueStats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.statsLocked()
}

func (q *Queue) statsLocked() models.QueueStats {
	stats := models.QueueStats{Total: len(q.items)}
	for _, item := range q.items {
		switch item.Status {
		case models.StatusPending:
			stats.Pending++
		case models.StatusProcessing:
			stats.Processing++
		case models.StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

func (q *Queue) publishStatsLocked() {
	metrics.SetQueueStats(q.statsLocked())
}
