package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"speedprobe/internal/config"
	"speedprobe/internal/logger"
	"speedprobe/internal/probe"
	"speedprobe/internal/schedule"
	"speedprobe/internal/session"
	"speedprobe/internal/storage"
)

type gatedDownload struct {
	gate chan struct{}
}

func (g *gatedDownload) Run(ctx context.Context, cfg probe.DownloadConfig) (int64, error) {
	if g.gate != nil {
		<-g.gate
	}
	return 1_000_000, nil
}

type fixedUpload int64

func (f fixedUpload) Run(ctx context.Context, cfg probe.UploadConfig) int64 { return int64(f) }

type fixedLatency float64

func (f fixedLatency) Run(ctx context.Context, cfg probe.LatencyConfig) float64 { return float64(f) }

type staticCatalog []probe.Endpoint

func (c staticCatalog) Servers(ctx context.Context) []probe.Endpoint { return c }

type fakeExporter struct {
	count int
}

func (f *fakeExporter) Export(ctx context.Context, entries []*storage.HistoryEntry) (string, error) {
	f.count = len(entries)
	return "speedprobe/history.json", nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fixture struct {
	srv      *Server
	store    *storage.Storage
	download *gatedDownload
	exporter *fakeExporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "api.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	dl := &gatedDownload{}
	catalog := staticCatalog{{ID: "1", Host: "a:8080", URL: "http://a:8080/upload"}}
	sess := session.New(session.Deps{
		Download: dl,
		Upload:   fixedUpload(500_000),
		Latency:  fixedLatency(20),
		Catalog:  catalog,
		Store:    store,
	})
	exporter := &fakeExporter{}

	srv := NewServer(Deps{
		Config:          config.Default(),
		Session:         sess,
		Store:           store,
		Catalog:         catalog,
		ScheduleManager: schedule.NewManager(sess, nil),
		Exporter:        exporter,
	})
	t.Cleanup(func() { srv.cancel() })

	return &fixture{srv: srv, store: store, download: dl, exporter: exporter}
}

func (f *fixture) do(t *testing.T, method, path string, body interface{}) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)

	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return rec, env
}

func waitReady(t *testing.T, f *fixture) {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.srv.session.State().Status == session.StatusReady
	}, 2*time.Second, 10*time.Millisecond)
}

func TestStartTestAndHistory(t *testing.T) {
	f := newFixture(t)
	f.download.gate = make(chan struct{})

	rec, env := f.do(t, http.MethodPost, "/api/test", TestRequest{Tests: []string{"download", "upload", "ping"}})
	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.True(t, env.Success)

	// 运行中再次发起返回 409
	rec, env = f.do(t, http.MethodPost, "/api/test", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, env.Success)

	rec, _ = f.do(t, http.MethodPost, "/api/reset", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec, env = f.do(t, http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var status map[string]interface{}
	require.NoError(t, json.Unmarshal(env.Data, &status))
	assert.Equal(t, "testing", status["status"])

	close(f.download.gate)
	waitReady(t, f)

	_, env = f.do(t, http.MethodGet, "/api/history", nil)
	var entries []storage.HistoryEntry
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, int64(1_000_000), entries[0].DownloadSpeed)
	assert.Equal(t, int64(500_000), entries[0].UploadSpeed)
	assert.Equal(t, 20.0, entries[0].Ping)

	_, env = f.do(t, http.MethodGet, "/api/history/latest", nil)
	var latest storage.HistoryEntry
	require.NoError(t, json.Unmarshal(env.Data, &latest))
	assert.Equal(t, entries[0].ID, latest.ID)

	rec, _ = f.do(t, http.MethodPost, "/api/history/export", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, f.exporter.count)

	rec, _ = f.do(t, http.MethodDelete, "/api/history", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	_, env = f.do(t, http.MethodGet, "/api/history", nil)
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	assert.Empty(t, entries)

	rec, _ = f.do(t, http.MethodPost, "/api/reset", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestStartTestRejectsBadInput(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/test", TestRequest{Tests: []string{"jitter"}})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/test", TestRequest{MaxDurationMs: -1})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = f.do(t, http.MethodGet, "/api/history?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServers(t *testing.T) {
	f := newFixture(t)
	_, env := f.do(t, http.MethodGet, "/api/servers", nil)

	var servers []probe.Endpoint
	require.NoError(t, json.Unmarshal(env.Data, &servers))
	require.Len(t, servers, 1)
	assert.Equal(t, "a:8080", servers[0].Host)
}

func TestScheduleLifecycle(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodPost, "/api/schedules", ScheduleTaskRequest{Name: "bad", Cron: "nope"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env := f.do(t, http.MethodPost, "/api/schedules", ScheduleTaskRequest{
		Name:    "nightly",
		Enabled: true,
		Cron:    "0 3 * * *",
		Tests:   []string{"download"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var created schedule.Task
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.NotEmpty(t, created.ID)

	_, env = f.do(t, http.MethodGet, "/api/schedules", nil)
	var tasks []storage.ScheduleTask
	require.NoError(t, json.Unmarshal(env.Data, &tasks))
	require.Len(t, tasks, 1)

	rec, _ = f.do(t, http.MethodPut, "/api/schedules/"+created.ID, ScheduleTaskRequest{
		Name: "hourly", Enabled: true, Cron: "0 * * * *",
	})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec, _ = f.do(t, http.MethodPost, "/api/schedules/"+created.ID+"/disable", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	stored, err := f.store.GetScheduleTask(created.ID)
	require.NoError(t, err)
	assert.False(t, stored.Enabled)
	assert.Equal(t, "hourly", stored.Name)

	rec, env = f.do(t, http.MethodPost, "/api/schedules/"+created.ID+"/run", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	var result schedule.TaskResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	assert.True(t, result.Success)

	rec, _ = f.do(t, http.MethodDelete, "/api/schedules/"+created.ID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	rec, _ = f.do(t, http.MethodGet, "/api/schedules/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestLogs(t *testing.T) {
	f := newFixture(t)
	logger.InitBuffer(10)
	logger.GetBuffer().AddLog("info", "hello")

	_, env := f.do(t, http.MethodGet, "/api/logs?lines=5", nil)
	var logs struct {
		Count int `json:"count"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &logs))
	assert.Equal(t, 1, logs.Count)

	rec, _ := f.do(t, http.MethodPost, "/api/logs/clear", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, logger.GetBuffer().GetLogs(10))
}
