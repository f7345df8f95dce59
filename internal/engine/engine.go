package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"caresync/internal/conflict"
	"caresync/internal/domain"
	"caresync/internal/events"
	"caresync/internal/metrics"
	"caresync/internal/mirror"
	"caresync/internal/models"
	"caresync/internal/queue"
	"caresync/internal/registry"

	"github.com/rs/zerolog"
)

// Deps are the collaborators of an Engine. DeadLetters and Bus are optional.
type Deps struct {
	Queue       *queue.Queue
	Mirror      *mirror.Mirror
	Remote      domain.RemoteAPI
	Network     domain.Connectivity
	Resolver    *conflict.Resolver
	Registry    *registry.Registry
	DeadLetters domain.DeadLetterSink
	Bus         *events.EventBus
}

type Options struct {
	MaxBatchSize int
	MirrorTTL    time.Duration
	Clock        func() time.Time
}

// Engine drains the queue against the server. At most one cycle runs at a
// time; triggers arriving during a cycle are dropped.
type Engine struct {
	queue       *queue.Queue
	mirror      *mirror.Mirror
	remote      domain.RemoteAPI
	network     domain.Connectivity
	resolver    *conflict.Resolver
	registry    *registry.Registry
	deadLetters domain.DeadLetterSink
	bus         *events.EventBus

	batchSize int
	mirrorTTL time.Duration
	now       func() time.Time

	inProgress atomic.Bool
	paused     atomic.Bool
	completed  atomic.Int64

	mu           sync.RWMutex
	lastSession  *models.SyncSession
	lastSyncTime *time.Time

	logger zerolog.Logger
}

func New(deps Deps, opts Options, logger *zerolog.Logger) *Engine {
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = models.DefaultMaxBatchSize
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	if deps.Registry == nil {
		deps.Registry = registry.New()
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "engine").Logger()
	}
	return &Engine{
		queue:       deps.Queue,
		mirror:      deps.Mirror,
		remote:      deps.Remote,
		network:     deps.Network,
		resolver:    deps.Resolver,
		registry:    deps.Registry,
		deadLetters: deps.DeadLetters,
		bus:         deps.Bus,
		batchSize:   opts.MaxBatchSize,
		mirrorTTL:   opts.MirrorTTL,
		now:         opts.Clock,
		logger:      l,
	}
}

// RunCycle drains up to MaxBatchSize items. It reports false when the cycle
// was skipped because the engine is paused, offline or already syncing.
func (e *Engine) RunCycle(ctx context.Context, trigger string) (models.SyncSession, bool) {
	log := e.logger.With().Str("trigger", trigger).Logger()

	if e.paused.Load() {
		log.Debug().Msg("Sync skipped: paused")
		metrics.ObserveCycle(trigger, "skipped", 0)
		return models.SyncSession{}, false
	}
	if !e.network.IsOnline() {
		log.Debug().Msg("Sync skipped: offline")
		metrics.ObserveCycle(trigger, "skipped", 0)
		return models.SyncSession{}, false
	}
	if !e.inProgress.CompareAndSwap(false, true) {
		log.Debug().Msg("Sync skipped: already in progress")
		metrics.ObserveCycle(trigger, "skipped", 0)
		return models.SyncSession{}, false
	}
	defer e.inProgress.Store(false)

	session := models.SyncSession{StartedAt: e.now(), Trigger: trigger, InProgress: true}
	e.setSession(session)
	e.publish(events.EventSyncStarted, events.SyncPayload{Trigger: trigger, StartedAt: session.StartedAt})
	log.Info().Int("queued", e.queue.Len()).Msg("Sync cycle started")

	result := "ok"
	for n := 0; n < e.batchSize; n++ {
		if ctx.Err() != nil {
			result = "canceled"
			break
		}
		if !e.network.IsOnline() {
			log.Info().Msg("Went offline mid-cycle, stopping")
			result = "offline"
			break
		}
		item := e.queue.DequeueNext()
		if item == nil {
			break
		}
		// an item in flight runs to completion or to the remote timeout
		if err := e.process(context.WithoutCancel(ctx), *item, &session); err != nil {
			log.Error().Err(err).Str("id", item.ID).Msg("Sync cycle aborted")
			result = "error"
			break
		}
	}

	if e.mirrorTTL > 0 && result == "ok" {
		if _, err := e.mirror.Prune(ctx, e.mirrorTTL); err != nil {
			log.Warn().Err(err).Msg("Mirror prune failed")
		}
	}

	session.FinishedAt = e.now()
	session.InProgress = false
	e.mu.Lock()
	e.lastSession = &session
	finished := session.FinishedAt
	e.lastSyncTime = &finished
	e.mu.Unlock()

	duration := session.FinishedAt.Sub(session.StartedAt)
	metrics.ObserveCycle(trigger, result, duration)
	e.publish(events.EventSyncCompleted, events.SyncPayload{
		Trigger:         trigger,
		StartedAt:       session.StartedAt,
		FinishedAt:      session.FinishedAt,
		ItemsProcessed:  session.ItemsProcessed,
		ItemsFailed:     session.ItemsFailed,
		ItemsConflicted: session.ItemsConflicted,
	})
	log.Info().
		Str("result", result).
		Int("processed", session.ItemsProcessed).
		Int("failed", session.ItemsFailed).
		Int("conflicted", session.ItemsConflicted).
		Dur("took", duration).
		Msg("Sync cycle finished")
	return session, true
}

// process replays one item. Only storage failures are returned; every other
// outcome is recorded on the item and the session. When one is returned the
// item goes back to pending in memory so it does not block its entity.
func (e *Engine) process(ctx context.Context, item models.QueueItem, session *models.SyncSession) (err error) {
	if err := e.queue.MarkProcessing(ctx, item.ID); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			e.queue.Release(item.ID)
		}
	}()

	res, err := e.remote.Replay(ctx, item)
	if err == nil {
		if err := e.complete(ctx, item, res, session); err != nil {
			return err
		}
		session.ItemsProcessed++
		metrics.IncOutcome(item.Entity, "completed")
		return nil
	}

	if c, ok := domain.AsConflict(err); ok {
		return e.settle(ctx, item, c, session)
	}

	return e.fail(ctx, item, err, session)
}

func (e *Engine) complete(ctx context.Context, item models.QueueItem, res *models.RemoteResult, session *models.SyncSession) error {
	if err := e.queue.MarkCompleted(ctx, item.ID); err != nil {
		return err
	}
	e.completed.Add(1)

	if item.EntityID == "" {
		return nil
	}
	key := item.EntityKey()
	if e.queue.HasPendingFor(key, item.ID) {
		// a later mutation of the same entity will confirm the mirror
		return nil
	}

	if item.Action == models.ActionDelete {
		return e.mirror.Delete(ctx, key)
	}

	err := e.mirror.MarkSynced(ctx, key, res.Data, res.ServerTimestamp)
	if c, ok := domain.AsConflict(err); ok {
		if _, err := e.resolver.Resolve(ctx, item, c); err != nil {
			if domain.IsStorage(err) {
				return err
			}
			e.logger.Error().Err(err).Str("key", key).Msg("Conflict resolution failed")
		}
		session.ItemsConflicted++
		metrics.IncOutcome(item.Entity, "conflict")
		return nil
	}
	return err
}

// settle routes a server-reported conflict to the resolver and retires
// the item; any follow-up write is enqueued by the resolver.
func (e *Engine) settle(ctx context.Context, item models.QueueItem, c *domain.ConflictError, session *models.SyncSession) error {
	if c.Key == "" {
		c.Key = item.EntityKey()
	}
	if _, err := e.resolver.Resolve(ctx, item, c); err != nil {
		if domain.IsStorage(err) {
			return err
		}
		// could not settle now, e.g. queue full on requeue
		return e.fail(ctx, item, &domain.TransientError{Op: "resolve conflict", Err: err}, session)
	}
	if err := e.queue.MarkCompleted(ctx, item.ID); err != nil {
		return err
	}
	session.ItemsConflicted++
	metrics.IncOutcome(item.Entity, "conflict")
	return nil
}

func (e *Engine) fail(ctx context.Context, item models.QueueItem, cause error, session *models.SyncSession) error {
	terminal, err := e.queue.MarkFailed(ctx, item.ID, cause)
	if err != nil {
		return err
	}
	session.ItemsFailed++
	if !terminal {
		metrics.IncOutcome(item.Entity, "retry")
		return nil
	}

	metrics.IncOutcome(item.Entity, "failed")
	if item.EntityID != "" {
		if err := e.mirror.MarkError(ctx, item.EntityKey()); err != nil {
			return err
		}
	}

	failed, _ := e.queue.Get(item.ID)
	if failed == nil {
		failed = &item
	}
	if e.deadLetters != nil {
		if err := e.deadLetters.PushDeadLetter(ctx, *failed); err != nil {
			e.logger.Warn().Err(err).Str("id", item.ID).Msg("Dead letter push failed")
		}
	}
	e.publish(events.EventItemFailed, events.ItemPayload{
		ID:         failed.ID,
		Entity:     failed.Entity,
		EntityID:   failed.EntityID,
		Action:     string(failed.Action),
		RetryCount: failed.RetryCount,
		Error:      cause.Error(),
	})
	return nil
}

// Submit records a local mutation: the mirror is updated optimistically and
// the mutation is queued. Deletes leave the mirror alone until the server
// confirms them.
func (e *Engine) Submit(ctx context.Context, m models.Mutation) (string, error) {
	if m.Priority == nil {
		p := e.registry.Lookup(m.Entity).Priority
		m.Priority = &p
	}

	if m.EntityID == "" || m.Action == models.ActionDelete {
		return e.queue.Enqueue(ctx, m)
	}

	key := models.MirrorKey(m.Entity, m.EntityID)
	prev, err := e.mirror.Entry(ctx, key)
	if err != nil {
		return "", err
	}
	if _, err := e.mirror.Put(ctx, key, m.Payload.Data); err != nil {
		return "", err
	}

	id, err := e.queue.Enqueue(ctx, m)
	if err != nil {
		if rbErr := e.rollback(ctx, key, prev); rbErr != nil {
			e.logger.Error().Err(rbErr).Str("key", key).Msg("Mirror rollback failed")
		}
		return "", err
	}
	return id, nil
}

func (e *Engine) rollback(ctx context.Context, key string, prev *models.MirrorEntry) error {
	if prev == nil {
		return e.mirror.Delete(ctx, key)
	}
	return e.mirror.Override(ctx, *prev)
}

func (e *Engine) Pause() {
	if !e.paused.Swap(true) {
		e.logger.Info().Msg("Sync paused")
	}
}

func (e *Engine) Resume() {
	if e.paused.Swap(false) {
		e.logger.Info().Msg("Sync resumed")
	}
}

func (e *Engine) State() models.EngineState {
	switch {
	case e.inProgress.Load():
		return models.EngineSyncing
	case e.paused.Load():
		return models.EnginePaused
	default:
		return models.EngineIdle
	}
}

// InProgress reports whether a cycle is running.
func (e *Engine) InProgress() bool {
	return e.inProgress.Load()
}

func (e *Engine) Stats() models.SyncStats {
	qs := e.queue.Stats()
	e.mu.RLock()
	defer e.mu.RUnlock()
	return models.SyncStats{
		Pending:      qs.Pending + qs.Processing,
		Failed:       qs.Failed,
		Completed:    e.completed.Load(),
		LastSyncTime: e.lastSyncTime,
	}
}

// LastSession returns the running or most recent session, or nil.
func (e *Engine) LastSession() *models.SyncSession {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.lastSession == nil {
		return nil
	}
	s := *e.lastSession
	return &s
}

func (e *Engine) setSession(s models.SyncSession) {
	e.mu.Lock()
	e.lastSession = &s
	e.mu.Unlock()
}

// Items lists the queue in enqueue order.
// NextEligibleAt reports when the earliest backed-off item may be retried.
func (e *Engine) NextEligibleAt() (time.Time, bool) {
	return e.queue.NextEligibleAt()
}

func (e *Engine) Items() []models.QueueItem {
	return e.queue.List()
}

// RetryFailed gives every failed item a fresh retry budget and flags their
// mirror entries pending again.
func (e *Engine) RetryFailed(ctx context.Context) (int, error) {
	var keys []string
	for _, item := range e.queue.List() {
		if item.Status == models.StatusFailed && item.EntityID != "" {
			keys = append(keys, item.EntityKey())
		}
	}

	n, err := e.queue.RetryFailed(ctx)
	if err != nil {
		return 0, err
	}
	for _, key := range keys {
		entry, err := e.mirror.Entry(ctx, key)
		if err != nil {
			return n, err
		}
		if entry == nil || entry.SyncStatus != models.SyncStatusError {
			continue
		}
		entry.SyncStatus = models.SyncStatusPending
		if err := e.mirror.Override(ctx, *entry); err != nil {
			return n, err
		}
	}
	return n, nil
}

// Discard drops a failed item for good.
func (e *Engine) Discard(ctx context.Context, id string) error {
	if err := e.queue.Discard(ctx, id); err != nil {
		if errors.Is(err, domain.ErrNotFound) || errors.Is(err, domain.ErrNotFailed) {
			return fmt.Errorf("discard %s: %w", id, err)
		}
		return err
	}
	return nil
}

func (e *Engine) ClearQueue(ctx context.Context) error {
	return e.queue.Clear(ctx)
}

func (e *Engine) publish(eventType string, payload interface{}) {
	if e.bus == nil {
		return
	}
	ev, err := events.NewJSONEvent(eventType, payload)
	if err != nil {
		e.logger.Error().Err(err).Str("event", eventType).Msg("Failed to encode event")
		return
	}
	e.bus.PublishAsync(&ev)
}
