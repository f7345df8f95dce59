package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"caresync/internal/config"
	"caresync/internal/conflict"
	"caresync/internal/engine"
	"caresync/internal/mirror"
	"caresync/internal/models"
	"caresync/internal/network"
	"caresync/internal/queue"
	"caresync/internal/registry"
	"caresync/internal/repository"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRemote struct{}

func (stubRemote) Replay(_ context.Context, item models.QueueItem) (*models.RemoteResult, error) {
	return &models.RemoteResult{StatusCode: http.StatusOK, Data: item.Payload.Data, ServerTimestamp: time.Now().Add(time.Second)}, nil
}

func (stubRemote) Ping(context.Context) error { return nil }

type kickRecorder struct {
	mu    sync.Mutex
	kicks []string
}

func (k *kickRecorder) TriggerNow(context.Context) (models.SyncSession, bool) {
	return models.SyncSession{}, false
}

func (k *kickRecorder) Kick(trigger string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.kicks = append(k.kicks, trigger)
}

func (k *kickRecorder) NextRun() time.Time { return time.Time{} }

func (k *kickRecorder) count() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.kicks)
}

type testAPI struct {
	handler http.Handler
	engine  *engine.Engine
	net     *network.Monitor
	mirror  *mirror.Mirror
}

func newTestAPI(t *testing.T, cfg config.APIConfig, maxQueue int, trigger Trigger) *testAPI {
	t.Helper()
	ctx := context.Background()
	store := repository.NewMemoryStore(0)
	q, err := queue.New(ctx, store, queue.Options{MaxSize: maxQueue, MaxRetries: 3}, nil)
	require.NoError(t, err)

	m := mirror.New(store, nil, nil)
	reg := registry.New()
	res := conflict.NewResolver(reg, m, q, store, nil, conflict.Options{RequeueLocal: true}, nil)
	monitor := network.NewMonitor(false, nil, nil, nil)
	eng := engine.New(engine.Deps{
		Queue:    q,
		Mirror:   m,
		Remote:   stubRemote{},
		Network:  monitor,
		Resolver: res,
		Registry: reg,
	}, engine.Options{}, nil)

	srv := NewHTTPServer(cfg, Deps{
		Engine:   eng,
		Trigger:  trigger,
		Network:  monitor,
		Mirror:   m,
		Resolver: res,
	}, nil)
	return &testAPI{handler: srv.Handler(), engine: eng, net: monitor, mirror: m}
}

func (a *testAPI) do(t *testing.T, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	a.handler.ServeHTTP(rr, req)
	return rr
}

func mutation(action models.Action, entity, id, data string) models.Mutation {
	return models.Mutation{
		Action:   action,
		Entity:   entity,
		EntityID: id,
		Payload:  models.Payload{Data: json.RawMessage(data)},
	}
}

func TestHTTP_Health(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, 10, nil)

	rr := a.do(t, http.MethodGet, "/health", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, false, body["online"])
	assert.Equal(t, "idle", body["state"])
}

func TestHTTP_SubmitOfflineThenSync(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, 10, nil)

	rr := a.do(t, http.MethodPost, "/api/v1/mutations", mutation(models.ActionCreate, "residents", "r1", `{"name":"Ada"}`), nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = a.do(t, http.MethodGet, "/api/v1/queue", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var queued struct {
		Items []models.QueueItem `json:"items"`
		Total int                `json:"total"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &queued))
	require.Equal(t, 1, queued.Total)
	assert.Equal(t, "residents", queued.Items[0].Entity)

	rr = a.do(t, http.MethodGet, "/api/v1/mirror/residents/r1", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var entry models.MirrorEntry
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &entry))
	assert.Equal(t, models.SyncStatusPending, entry.SyncStatus)

	rr = a.do(t, http.MethodPost, "/api/v1/sync/now", nil, nil)
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = a.do(t, http.MethodPut, "/api/v1/network", map[string]bool{"online": true}, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	rr = a.do(t, http.MethodPost, "/api/v1/sync/now", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var session models.SyncSession
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &session))
	assert.Equal(t, 1, session.ItemsProcessed)
	assert.Equal(t, models.TriggerManual, session.Trigger)

	e, err := a.mirror.Entry(context.Background(), "residents:r1")
	require.NoError(t, err)
	require.NotNil(t, e)
	assert.Equal(t, models.SyncStatusSynced, e.SyncStatus)
	assert.Empty(t, a.engine.Items())
}

func TestHTTP_SubmitKicksWhenOnline(t *testing.T) {
	kicks := &kickRecorder{}
	a := newTestAPI(t, config.APIConfig{}, 10, kicks)

	rr := a.do(t, http.MethodPost, "/api/v1/mutations", mutation(models.ActionUpdate, "care_notes", "n1", `{"text":"ok"}`), nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 0, kicks.count())

	a.net.SetOnline(true)
	rr = a.do(t, http.MethodPost, "/api/v1/mutations", mutation(models.ActionUpdate, "care_notes", "n2", `{"text":"ok"}`), nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	assert.Equal(t, 1, kicks.count())
}

func TestHTTP_SubmitValidation(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, 10, nil)

	tests := []struct {
		name string
		body interface{}
	}{
		{"bad action", mutation("upsert", "residents", "r1", `{}`)},
		{"missing entity", mutation(models.ActionCreate, "", "r1", `{}`)},
		{"unknown field", map[string]string{"verb": "create"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rr := a.do(t, http.MethodPost, "/api/v1/mutations", tt.body, nil)
			assert.Equal(t, http.StatusBadRequest, rr.Code)
		})
	}
}

func TestHTTP_QueueFull(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, 1, nil)

	rr := a.do(t, http.MethodPost, "/api/v1/mutations", mutation(models.ActionCreate, "residents", "r1", `{"a":1}`), nil)
	require.Equal(t, http.StatusAccepted, rr.Code)

	rr = a.do(t, http.MethodPost, "/api/v1/mutations", mutation(models.ActionCreate, "residents", "r2", `{"a":2}`), nil)
	assert.Equal(t, http.StatusInsufficientStorage, rr.Code)

	// the rejected mutation must not leave a mirror entry behind
	e, err := a.mirror.Entry(context.Background(), "residents:r2")
	require.NoError(t, err)
	assert.Nil(t, e)
}

func TestHTTP_PauseResume(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, 10, nil)
	a.net.SetOnline(true)

	rr := a.do(t, http.MethodPost, "/api/v1/sync/pause", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.EnginePaused, a.engine.State())

	rr = a.do(t, http.MethodPost, "/api/v1/sync/now", nil, nil)
	assert.Equal(t, http.StatusConflict, rr.Code)

	rr = a.do(t, http.MethodPost, "/api/v1/sync/resume", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, models.EngineIdle, a.engine.State())
}

func TestHTTP_DiscardAndClear(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, 10, nil)

	rr := a.do(t, http.MethodDelete, "/api/v1/queue/missing", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)

	rr = a.do(t, http.MethodPost, "/api/v1/mutations", mutation(models.ActionCreate, "residents", "r1", `{}`), nil)
	require.Equal(t, http.StatusAccepted, rr.Code)
	var created map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &created))

	rr = a.do(t, http.MethodDelete, "/api/v1/queue/"+created["id"], nil, nil)
	assert.Equal(t, http.StatusConflict, rr.Code, "pending items cannot be discarded")

	rr = a.do(t, http.MethodDelete, "/api/v1/queue", nil, nil)
	assert.Equal(t, http.StatusNoContent, rr.Code)
	assert.Empty(t, a.engine.Items())
}

func TestHTTP_StatusAndUsage(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, 10, nil)
	a.do(t, http.MethodPost, "/api/v1/mutations", mutation(models.ActionCreate, "residents", "r1", `{"x":1}`), nil)

	rr := a.do(t, http.MethodGet, "/api/v1/sync/status", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var status statusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, models.EngineIdle, status.State)
	assert.False(t, status.Network.Online)
	assert.Equal(t, 1, status.Queue.Pending)
	assert.Equal(t, 1, status.Stats.Pending)
	assert.Nil(t, status.LastSession)

	rr = a.do(t, http.MethodGet, "/api/v1/mirror/usage", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var usage map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &usage))
	assert.Greater(t, usage["used_bytes"].(float64), float64(0))
}

func TestHTTP_Conflicts(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, 10, nil)

	rr := a.do(t, http.MethodGet, "/api/v1/conflicts", nil, nil)
	require.Equal(t, http.StatusOK, rr.Code)
	assert.JSONEq(t, `{"conflicts":[]}`, rr.Body.String())

	rr = a.do(t, http.MethodPost, "/api/v1/conflicts/nope/confirm", nil, nil)
	assert.Equal(t, http.StatusNotFound, rr.Code)
}

func TestHTTP_NetworkRequiresFlag(t *testing.T) {
	a := newTestAPI(t, config.APIConfig{}, 10, nil)
	rr := a.do(t, http.MethodPut, "/api/v1/network", map[string]string{}, nil)
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}
