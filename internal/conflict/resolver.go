package conflict

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"caresync/internal/domain"
	"caresync/internal/events"
	"caresync/internal/metrics"
	"caresync/internal/mirror"
	"caresync/internal/models"
	"caresync/internal/registry"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Options tune a Resolver.
type Options struct {
	// RequeueLocal pushes the local value back automatically when local wins.
	// When false the record waits for ConfirmLocal.
	RequeueLocal bool
	RecentLimit  int
	Clock        func() time.Time
}

// Resolver settles disagreements between the mirror and the server using
// the entity's policy and keeps an audit trail of every decision.
type Resolver struct {
	registry *registry.Registry
	mirror   *mirror.Mirror
	queue    domain.Enqueuer
	store    domain.Store
	bus      domain.EventPublisher

	requeueLocal bool
	limit        int
	now          func() time.Time

	mu     sync.Mutex
	recent []models.ConflictRecord
	logger zerolog.Logger
}

func NewResolver(reg *registry.Registry, m *mirror.Mirror, queue domain.Enqueuer, store domain.Store, bus domain.EventPublisher, opts Options, logger *zerolog.Logger) *Resolver {
	if opts.RecentLimit <= 0 {
		opts.RecentLimit = models.DefaultRecentConflicts
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "conflict").Logger()
	}
	return &Resolver{
		registry:     reg,
		mirror:       m,
		queue:        queue,
		store:        store,
		bus:          bus,
		requeueLocal: opts.RequeueLocal,
		limit:        opts.RecentLimit,
		now:          opts.Clock,
		logger:       l,
	}
}

// Resolve applies the policy registered for item.Entity to c. The caller
// completes item afterwards; any follow-up write is enqueued as a new item.
func (r *Resolver) Resolve(ctx context.Context, item models.QueueItem, c *domain.ConflictError) (*models.ConflictRecord, error) {
	if c.Local == nil {
		local, err := r.mirror.Entry(ctx, c.Key)
		if err != nil {
			return nil, err
		}
		c.Local = local
	}

	handler := r.registry.Lookup(item.Entity)
	rec := &models.ConflictRecord{
		ID:         uuid.NewString(),
		Key:        c.Key,
		Policy:     handler.Policy,
		Local:      localData(item, c),
		DetectedAt: r.now(),
	}
	if c.Local != nil {
		rec.LocalModified = c.Local.LastModified
	}
	if c.Remote != nil {
		rec.Remote = c.Remote.Data
		rec.RemoteModified = c.Remote.LastModified
	}

	var err error
	switch handler.Policy {
	case models.PolicyLocal:
		err = r.keepLocal(ctx, item, rec)
	case models.PolicyMerge:
		err = r.merge(ctx, item, handler, rec)
	default:
		err = r.takeRemote(ctx, rec)
	}
	if err != nil {
		return nil, err
	}

	if err := r.record(ctx, rec); err != nil {
		return nil, err
	}

	metrics.IncConflict(item.Entity, rec.Policy)
	if r.bus != nil {
		_ = r.bus.PublishJSON(events.EventConflictResolved, events.ConflictPayload{
			ID:           rec.ID,
			Key:          rec.Key,
			Policy:       string(rec.Policy),
			Requeued:     rec.Requeued,
			AwaitingUser: rec.AwaitingUser,
		})
	}
	r.logger.Info().
		Str("key", rec.Key).
		Str("policy", string(rec.Policy)).
		Bool("requeued", rec.Requeued).
		Bool("awaiting_user", rec.AwaitingUser).
		Str("note", rec.Note).
		Msg("Conflict resolved")
	return rec, nil
}

func localData(item models.QueueItem, c *domain.ConflictError) json.RawMessage {
	if c.Local != nil && len(c.Local.Data) > 0 {
		return c.Local.Data
	}
	return item.Payload.Data
}

func (r *Resolver) takeRemote(ctx context.Context, rec *models.ConflictRecord) error {
	if len(rec.Remote) == 0 {
		// nothing to overwrite with; the rejected edit must not linger as pending
		rec.Note = "server sent no snapshot; local edit discarded"
		if rec.Key == "" {
			return nil
		}
		return r.mirror.Delete(ctx, rec.Key)
	}
	rec.Resolved = rec.Remote
	return r.mirror.Override(ctx, models.MirrorEntry{
		Key:          rec.Key,
		Data:         rec.Remote,
		LastModified: rec.RemoteModified,
		SyncStatus:   models.SyncStatusSynced,
	})
}

func (r *Resolver) keepLocal(ctx context.Context, item models.QueueItem, rec *models.ConflictRecord) error {
	rec.Resolved = rec.Local
	if item.Payload.Override {
		// the server refused an override already; stop looping
		rec.AwaitingUser = true
		rec.Note = "server rejected forced write"
		return nil
	}
	if !r.requeueLocal {
		rec.AwaitingUser = true
		return nil
	}
	return r.requeue(ctx, item, rec, rec.Local)
}

func (r *Resolver) merge(ctx context.Context, item models.QueueItem, h registry.Handler, rec *models.ConflictRecord) error {
	if h.Merge == nil {
		r.logger.Warn().Str("entity", item.Entity).Msg("No merge function registered, server value wins")
		rec.Note = "no merge function; remote applied"
		return r.takeRemote(ctx, rec)
	}
	if len(rec.Remote) == 0 {
		rec.Note = "server sent no snapshot; local kept"
		return r.keepLocal(ctx, item, rec)
	}

	merged, err := h.Merge(rec.Local, rec.Remote)
	if err != nil {
		r.logger.Warn().Err(err).Str("entity", item.Entity).Msg("Merge failed, server value wins")
		rec.Note = "merge failed: " + err.Error()
		return r.takeRemote(ctx, rec)
	}
	rec.Resolved = merged

	if err := r.mirror.Override(ctx, models.MirrorEntry{
		Key:          rec.Key,
		Data:         merged,
		LastModified: r.now(),
		SyncStatus:   models.SyncStatusPending,
	}); err != nil {
		return err
	}
	if item.Payload.Override {
		rec.AwaitingUser = true
		rec.Note = "server rejected forced write"
		return nil
	}
	return r.requeue(ctx, item, rec, merged)
}

func (r *Resolver) requeue(ctx context.Context, item models.QueueItem, rec *models.ConflictRecord, data json.RawMessage) error {
	action := models.ActionUpdate
	if item.Action == models.ActionDelete {
		action = models.ActionDelete
	}
	priority := item.Priority
	_, err := r.queue.Enqueue(ctx, models.Mutation{
		Action:   action,
		Entity:   item.Entity,
		EntityID: item.EntityID,
		Payload: models.Payload{
			Data:     data,
			Method:   item.Payload.Method,
			Endpoint: item.Payload.Endpoint,
			Override: true,
		},
		Priority: &priority,
	})
	if err != nil {
		return fmt.Errorf("requeue resolved value for %s: %w", rec.Key, err)
	}
	rec.Requeued = true
	rec.AwaitingUser = false
	return nil
}

// ConfirmLocal pushes a waiting local value to the server.
func (r *Resolver) ConfirmLocal(ctx context.Context, id string) (*models.ConflictRecord, error) {
	rec, err := r.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if !rec.AwaitingUser {
		return nil, fmt.Errorf("conflict %s is not awaiting confirmation", id)
	}

	entity, entityID, ok := models.SplitMirrorKey(rec.Key)
	if !ok {
		return nil, fmt.Errorf("conflict %s has malformed key %q", id, rec.Key)
	}
	item := models.QueueItem{
		Action:   models.ActionUpdate,
		Entity:   entity,
		EntityID: entityID,
		Priority: r.registry.Lookup(entity).Priority,
	}
	if err := r.requeue(ctx, item, rec, rec.Resolved); err != nil {
		return nil, err
	}
	rec.Note = "confirmed by user"
	if err := r.record(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func (r *Resolver) record(ctx context.Context, rec *models.ConflictRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode conflict record: %w", err)
	}
	if err := r.store.Put(ctx, models.TableConflicts, rec.ID, data); err != nil {
		return &domain.StorageError{Op: "record conflict", Err: err}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.recent {
		if r.recent[i].ID == rec.ID {
			r.recent[i] = *rec
			return nil
		}
	}
	r.recent = append(r.recent, *rec)
	if len(r.recent) > r.limit {
		r.recent = r.recent[len(r.recent)-r.limit:]
	}
	return nil
}

// Get loads a record by id.
func (r *Resolver) Get(ctx context.Context, id string) (*models.ConflictRecord, error) {
	raw, err := r.store.Get(ctx, models.TableConflicts, id)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "read conflict", Err: err}
	}
	var rec models.ConflictRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode conflict record %s: %w", id, err)
	}
	return &rec, nil
}

// Recent returns resolutions made by this process, newest first.
func (r *Resolver) Recent() []models.ConflictRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.ConflictRecord, len(r.recent))
	for i, rec := range r.recent {
		out[len(r.recent)-1-i] = rec
	}
	return out
}

// List returns every persisted record, newest first.
func (r *Resolver) List(ctx context.Context) ([]models.ConflictRecord, error) {
	raw, err := r.store.List(ctx, models.TableConflicts)
	if err != nil {
		return nil, &domain.StorageError{Op: "list conflicts", Err: err}
	}
	out := make([]models.ConflictRecord, 0, len(raw))
	for _, data := range raw {
		var rec models.ConflictRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.After(out[j].DetectedAt) })
	return out, nil
}
