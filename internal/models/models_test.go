package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQueueItem_EntityKey(t *testing.T) {
	item := &QueueItem{ID: "q1", Entity: "schedule", EntityID: "s1"}
	assert.Equal(t, "schedule:s1", item.EntityKey())

	orphan := &QueueItem{ID: "q2", Entity: "payroll"}
	assert.Equal(t, "item:q2", orphan.EntityKey())
}

func TestQueueItem_Before(t *testing.T) {
	now := time.Now()

	high := &QueueItem{Priority: 5, EnqueuedAt: now.Add(time.Second), Seq: 2}
	low := &QueueItem{Priority: 1, EnqueuedAt: now, Seq: 1}
	assert.True(t, high.Before(low))
	assert.False(t, low.Before(high))

	older := &QueueItem{EnqueuedAt: now, Seq: 3}
	newer := &QueueItem{EnqueuedAt: now.Add(time.Millisecond), Seq: 1}
	assert.True(t, older.Before(newer))

	a := &QueueItem{EnqueuedAt: now, Seq: 1}
	b := &QueueItem{EnqueuedAt: now, Seq: 2}
	assert.True(t, a.Before(b))
}

func TestQueueItem_Eligible(t *testing.T) {
	now := time.Now()
	item := &QueueItem{Status: StatusPending}
	assert.True(t, item.Eligible(now))

	item.NextEligibleAt = now.Add(time.Minute)
	assert.False(t, item.Eligible(now))
	assert.True(t, item.Eligible(now.Add(time.Minute)))

	item.Status = StatusFailed
	assert.False(t, item.Eligible(now.Add(time.Hour)))
}

func TestMirrorKeyRoundTrip(t *testing.T) {
	entity, id, ok := SplitMirrorKey(MirrorKey("medication", "m-42"))
	assert.True(t, ok)
	assert.Equal(t, "medication", entity)
	assert.Equal(t, "m-42", id)

	_, _, ok = SplitMirrorKey("broken")
	assert.False(t, ok)
	_, _, ok = SplitMirrorKey(":x")
	assert.False(t, ok)
}

func TestActionValid(t *testing.T) {
	assert.True(t, ActionCreate.Valid())
	assert.True(t, ActionDelete.Valid())
	assert.False(t, Action("upsert").Valid())
}

func TestStorageUsageRatio(t *testing.T) {
	assert.Equal(t, 0.0, StorageUsage{UsedBytes: 10}.Ratio())
	assert.InDelta(t, 0.25, StorageUsage{UsedBytes: 25, QuotaBytes: 100}.Ratio(), 1e-9)
}
