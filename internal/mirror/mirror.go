package mirror

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sync"
	"time"

	"caresync/internal/domain"
	"caresync/internal/models"

	"github.com/rs/zerolog"
)

// Mirror is the local snapshot of entities the UI reads while offline.
// LastModified of an entry never moves backwards.
type Mirror struct {
	mu     sync.Mutex
	store  domain.Store
	now    func() time.Time
	logger zerolog.Logger
}

func New(store domain.Store, clock func() time.Time, logger *zerolog.Logger) *Mirror {
	if clock == nil {
		clock = time.Now
	}
	l := zerolog.Nop()
	if logger != nil {
		l = logger.With().Str("component", "mirror").Logger()
	}
	return &Mirror{store: store, now: clock, logger: l}
}

type putOptions struct {
	status    models.SyncStatus
	timestamp time.Time
}

// PutOption customizes Put.
type PutOption func(*putOptions)

// WithStatus stores the entry with the given sync status instead of pending.
func WithStatus(s models.SyncStatus) PutOption {
	return func(o *putOptions) { o.status = s }
}

// WithTimestamp sets lastModified explicitly instead of now.
func WithTimestamp(t time.Time) PutOption {
	return func(o *putOptions) { o.timestamp = t }
}

func (m *Mirror) load(ctx context.Context, key string) (*models.MirrorEntry, error) {
	raw, err := m.store.Get(ctx, models.TableMirror, key)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, &domain.StorageError{Op: "read mirror", Err: err}
	}
	var entry models.MirrorEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return nil, fmt.Errorf("decode mirror entry %s: %w", key, err)
	}
	return &entry, nil
}

func (m *Mirror) save(ctx context.Context, entry *models.MirrorEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode mirror entry %s: %w", entry.Key, err)
	}
	if err := m.store.Put(ctx, models.TableMirror, entry.Key, data); err != nil {
		return &domain.StorageError{Op: "write mirror", Err: err}
	}
	return nil
}

// Put stores a local write. A write older than the stored snapshot fails
// with ErrStaleWrite.
func (m *Mirror) Put(ctx context.Context, key string, data json.RawMessage, opts ...PutOption) (*models.MirrorEntry, error) {
	o := putOptions{status: models.SyncStatusPending}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timestamp.IsZero() {
		o.timestamp = m.now()
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if cur != nil && o.timestamp.Before(cur.LastModified) {
		return nil, fmt.Errorf("put %s: %w", key, domain.ErrStaleWrite)
	}

	entry := &models.MirrorEntry{
		Key:          key,
		Data:         data,
		LastModified: o.timestamp,
		SyncStatus:   o.status,
	}
	if err := m.save(ctx, entry); err != nil {
		return nil, err
	}
	return entry, nil
}

// Get returns the stored data, or nil when the key is unknown.
func (m *Mirror) Get(ctx context.Context, key string) (json.RawMessage, error) {
	entry, err := m.Entry(ctx, key)
	if err != nil || entry == nil {
		return nil, err
	}
	return entry.Data, nil
}

// Entry returns the full entry, or nil when the key is unknown.
func (m *Mirror) Entry(ctx context.Context, key string) (*models.MirrorEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.load(ctx, key)
}

// MarkSynced applies the server's canonical value. The server only wins
// when its timestamp is not older than the local snapshot; otherwise a
// *domain.ConflictError carries both versions. Identical payloads are never
// a conflict.
func (m *Mirror) MarkSynced(ctx context.Context, key string, serverData json.RawMessage, serverTime time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.load(ctx, key)
	if err != nil {
		return err
	}

	if cur == nil {
		if len(serverData) == 0 {
			return nil
		}
		return m.save(ctx, &models.MirrorEntry{
			Key:          key,
			Data:         serverData,
			LastModified: serverTime,
			SyncStatus:   models.SyncStatusSynced,
		})
	}

	if len(serverData) == 0 {
		serverData = cur.Data
	}

	if !serverTime.Before(cur.LastModified) {
		cur.Data = serverData
		cur.LastModified = serverTime
		cur.SyncStatus = models.SyncStatusSynced
		return m.save(ctx, cur)
	}

	if EqualJSON(cur.Data, serverData) {
		cur.SyncStatus = models.SyncStatusSynced
		return m.save(ctx, cur)
	}

	m.logger.Warn().
		Str("key", key).
		Time("local_modified", cur.LastModified).
		Time("server_time", serverTime).
		Msg("Server snapshot is older than local write")

	return &domain.ConflictError{
		Key:   key,
		Local: cur,
		Remote: &models.MirrorEntry{
			Key:          key,
			Data:         serverData,
			LastModified: serverTime,
			SyncStatus:   models.SyncStatusSynced,
		},
	}
}

// Override writes a resolved value without the freshness guard. The stored
// lastModified still never decreases.
func (m *Mirror) Override(ctx context.Context, entry models.MirrorEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.load(ctx, entry.Key)
	if err != nil {
		return err
	}
	if cur != nil && entry.LastModified.Before(cur.LastModified) {
		entry.LastModified = cur.LastModified
	}
	if entry.LastModified.IsZero() {
		entry.LastModified = m.now()
	}
	return m.save(ctx, &entry)
}

// MarkError flags an entry whose mutation failed terminally.
func (m *Mirror) MarkError(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur, err := m.load(ctx, key)
	if err != nil || cur == nil {
		return err
	}
	cur.SyncStatus = models.SyncStatusError
	return m.save(ctx, cur)
}

func (m *Mirror) Delete(ctx context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(ctx, models.TableMirror, key); err != nil {
		return &domain.StorageError{Op: "delete mirror", Err: err}
	}
	return nil
}

// Prune evicts synced entries not modified within ttl. Pending and error
// entries are kept since they hold unsynced work.
func (m *Mirror) Prune(ctx context.Context, ttl time.Duration) (int, error) {
	if ttl <= 0 {
		return 0, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	all, err := m.store.List(ctx, models.TableMirror)
	if err != nil {
		return 0, &domain.StorageError{Op: "list mirror", Err: err}
	}

	cutoff := m.now().Add(-ttl)
	pruned := 0
	for key, raw := range all {
		var entry models.MirrorEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			continue
		}
		if entry.SyncStatus != models.SyncStatusSynced || !entry.LastModified.Before(cutoff) {
			continue
		}
		if err := m.store.Delete(ctx, models.TableMirror, key); err != nil {
			return pruned, &domain.StorageError{Op: "prune mirror", Err: err}
		}
		pruned++
	}
	if pruned > 0 {
		m.logger.Info().Int("count", pruned).Dur("ttl", ttl).Msg("Pruned stale mirror entries")
	}
	return pruned, nil
}

// EstimateUsage reports storage pressure of the backing store.
func (m *Mirror) EstimateUsage(ctx context.Context) (models.StorageUsage, error) {
	usage, err := m.store.Usage(ctx)
	if err != nil {
		return models.StorageUsage{}, &domain.StorageError{Op: "estimate usage", Err: err}
	}
	return usage, nil
}

// EqualJSON compares two JSON documents ignoring formatting and key order.
func EqualJSON(a, b json.RawMessage) bool {
	if bytes.Equal(a, b) {
		return true
	}
	var va, vb interface{}
	if json.Unmarshal(a, &va) != nil || json.Unmarshal(b, &vb) != nil {
		return false
	}
	return reflect.DeepEqual(va, vb)
}
