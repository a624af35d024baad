package ops

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"relayhub/internal/queue"
	"relayhub/internal/storage"
	"relayhub/pkg/logx"
)

func newTestService(t *testing.T) (*Service, storage.Store, *queue.Manager) {
	t.Helper()
	store := storage.NewMemory()
	queues := queue.NewManager(store, logx.Nop())
	queues.Register(queue.OutboundSendsConfig(), queue.HandlerFunc(func(context.Context, *storage.Job) error {
		return nil
	}))
	svc := New(Config{Enabled: true}, queues, logx.Nop())
	return svc, store, queues
}

func TestHealthz(t *testing.T) {
	svc, _, _ := newTestService(t)
	rec := httptest.NewRecorder()
	svc.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "ok", rec.Body.String())
}

func TestQueueStats(t *testing.T) {
	svc, _, queues := newTestService(t)
	_, err := queues.Enqueue(context.Background(), queue.OutboundSends, "k1", map[string]string{"id": "m1"}, queue.EnqueueOptions{})
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	svc.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/queues", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var stats map[string]storage.StateCounts
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	require.Equal(t, 1, stats[queue.OutboundSends][storage.JobWaiting])
}

func TestReplayEndpoint(t *testing.T) {
	svc, store, queues := newTestService(t)
	ctx := context.Background()

	job, err := queues.Enqueue(ctx, queue.OutboundSends, "k1", map[string]string{"id": "m1"}, queue.EnqueueOptions{})
	require.NoError(t, err)
	claimed, err := store.ClaimJob(ctx, queue.OutboundSends, time.Now())
	require.NoError(t, err)
	require.NoError(t, store.FailJob(ctx, claimed.ID, "boom", time.Now()))

	rec := httptest.NewRecorder()
	svc.router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queues/"+queue.OutboundSends+"/jobs/"+job.ID+"/replay", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	// Unknown job and unknown queue both map to 404.
	rec = httptest.NewRecorder()
	svc.router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queues/"+queue.OutboundSends+"/jobs/ghost/replay", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	svc.router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queues/no-such/jobs/"+job.ID+"/replay", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)

	// The job is waiting again after replay; only failed jobs are replayable.
	rec = httptest.NewRecorder()
	svc.router().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/queues/"+queue.OutboundSends+"/jobs/"+job.ID+"/replay", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsExposed(t *testing.T) {
	svc, _, _ := newTestService(t)
	rec := httptest.NewRecorder()
	svc.router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), "relayhub_")
}

func TestReconfigureStartStop(t *testing.T) {
	svc, _, _ := newTestService(t)
	ctx := context.Background()

	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	addr := svc.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// Same config is a no-op; the listener stays.
	svc.Reconfigure(ctx, Config{Enabled: true, Addr: "127.0.0.1:0"})
	require.Equal(t, addr, svc.Addr())

	svc.Reconfigure(ctx, Config{Enabled: false})
	require.Empty(t, svc.Addr())
}
