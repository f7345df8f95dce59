package metrics

import (
	"testing"
	"time"

	"caresync/internal/models"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetrics(t *testing.T) {
	// Register should be safe to call multiple times
	Register()
	Register()

	assert.NotPanics(t, func() {
		IncOutcome("schedule", "completed")
		ObserveCycle(models.TriggerManual, "ok", time.Second)
		ObserveCycle(models.TriggerPeriodic, "skipped", 0)
		IncConflict("schedule", models.PolicyRemote)
	})
}

func TestSetQueueStats(t *testing.T) {
	SetQueueStats(models.QueueStats{Total: 5, Pending: 3, Processing: 1, Failed: 1})
	assert.Equal(t, 3.0, testutil.ToFloat64(queueDepth.WithLabelValues("pending")))
	assert.Equal(t, 1.0, testutil.ToFloat64(queueDepth.WithLabelValues("failed")))
}

func TestSetOnline(t *testing.T) {
	SetOnline(true)
	assert.Equal(t, 1.0, testutil.ToFloat64(online))
	SetOnline(false)
	assert.Equal(t, 0.0, testutil.ToFloat64(online))
}
