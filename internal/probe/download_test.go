package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// constantRateServer 以固定速率发送数据，直到客户端断开
func constantRateServer(t *testing.T, chunk int, every time.Duration) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		size, err := strconv.ParseInt(r.URL.Query().Get("size"), 10, 64)
		if err != nil || r.URL.Path != "/download" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)

		buf := make([]byte, chunk)
		ticker := time.NewTicker(every)
		defer ticker.Stop()

		var sent int64
		for sent < size {
			select {
			case <-r.Context().Done():
				return
			case <-ticker.C:
			}
			n := int64(chunk)
			if size-sent < n {
				n = size - sent
			}
			if _, err := w.Write(buf[:n]); err != nil {
				return
			}
			w.(http.Flusher).Flush()
			sent += n
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func hostOf(srv *httptest.Server) string {
	return strings.TrimPrefix(srv.URL, "http://")
}

type eventRecorder struct {
	mu     sync.Mutex
	events []ProgressEvent
}

func (r *eventRecorder) record(evt ProgressEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, evt)
}

func (r *eventRecorder) snapshot() []ProgressEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ProgressEvent, len(r.events))
	copy(out, r.events)
	return out
}

func TestDownloadAggregatesWorkers(t *testing.T) {
	// 每 10ms 发送 16KB，约 13.1 Mbit/s
	const chunk = 16 * 1024
	every := 10 * time.Millisecond
	rate := float64(chunk) * 8 / every.Seconds()

	var servers []Endpoint
	for i := 0; i < 3; i++ {
		srv := constantRateServer(t, chunk, every)
		servers = append(servers, Endpoint{ID: strconv.Itoa(i), Host: hostOf(srv)})
	}
	original := append([]Endpoint(nil), servers...)

	rec := &eventRecorder{}
	maxDuration := 600 * time.Millisecond
	start := time.Now()

	probe := NewDownloadProbe(nil)
	total, err := probe.Run(context.Background(), DownloadConfig{
		Servers:        servers,
		MaxDuration:    maxDuration,
		SampleInterval: 20 * time.Millisecond,
		TempDir:        t.TempDir(),
		OnProgress:     rec.record,
	})
	took := time.Since(start)

	require.NoError(t, err)
	assert.Equal(t, original, servers, "endpoint list must not be mutated")
	assert.InDelta(t, 3*rate, float64(total), 3*rate*0.5)
	assert.Less(t, took, maxDuration+time.Second)

	events := rec.snapshot()
	require.NotEmpty(t, events)
	for _, evt := range events {
		assert.Equal(t, PhaseDownload, evt.Phase)
		assert.GreaterOrEqual(t, evt.Progress, 0.0)
		assert.LessOrEqual(t, evt.Progress, 1.0)
	}
}

func TestDownloadCompletesOnByteThreshold(t *testing.T) {
	srv := constantRateServer(t, 1000, time.Millisecond)
	dir := t.TempDir()

	total, err := NewDownloadProbe(nil).Run(context.Background(), DownloadConfig{
		Servers:     []Endpoint{{ID: "small", Host: hostOf(srv)}},
		PayloadSize: 20_000,
		MaxDuration: 5 * time.Second,
		TempDir:     dir,
	})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, total, int64(0))

	// 下载文件已被清理
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestDownloadStalledServerBoundedByMaxDuration(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000000")
		w.WriteHeader(http.StatusOK)
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	maxDuration := 300 * time.Millisecond
	start := time.Now()
	total, err := NewDownloadProbe(nil).Run(context.Background(), DownloadConfig{
		Servers:     []Endpoint{{ID: "stall", Host: hostOf(srv)}},
		MaxDuration: maxDuration,
		TempDir:     t.TempDir(),
	})

	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	assert.Less(t, time.Since(start), maxDuration+time.Second)
}

func TestDownloadHeaderStallBoundedByMaxDuration(t *testing.T) {
	// 接受连接但从不返回响应头
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	rec := &eventRecorder{}
	maxDuration := 300 * time.Millisecond
	start := time.Now()
	total, err := NewDownloadProbe(nil).Run(context.Background(), DownloadConfig{
		Servers:     []Endpoint{{ID: "silent", Host: hostOf(srv)}},
		MaxDuration: maxDuration,
		TempDir:     t.TempDir(),
		OnProgress:  rec.record,
	})

	require.NoError(t, err)
	assert.Equal(t, int64(0), total)
	assert.Less(t, time.Since(start), maxDuration+time.Second)
	assert.Empty(t, rec.snapshot())
}

func TestDownloadPropagatesWorkerFailure(t *testing.T) {
	good := constantRateServer(t, 16*1024, 10*time.Millisecond)
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer bad.Close()

	total, err := NewDownloadProbe(nil).Run(context.Background(), DownloadConfig{
		Servers: []Endpoint{
			{ID: "good", Host: hostOf(good)},
			{ID: "bad", Host: hostOf(bad)},
		},
		MaxDuration: time.Second,
		TempDir:     t.TempDir(),
	})

	require.Error(t, err)
	assert.Equal(t, int64(0), total)

	var terr *TransferError
	require.True(t, errors.As(err, &terr))
	assert.Equal(t, "bad", terr.Endpoint.ID)
}

func TestDownloadConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	host := hostOf(srv)
	srv.Close()

	_, err := NewDownloadProbe(nil).Run(context.Background(), DownloadConfig{
		Servers:     []Endpoint{{ID: "gone", Host: host}},
		MaxDuration: time.Second,
		TempDir:     t.TempDir(),
	})

	var terr *TransferError
	assert.True(t, errors.As(err, &terr))
}

func TestDownloadNoServers(t *testing.T) {
	total, err := NewDownloadProbe(nil).Run(context.Background(), DownloadConfig{})
	assert.NoError(t, err)
	assert.Equal(t, int64(0), total)
}

func TestSpeedBoardUnreportedWorkersCountAsZero(t *testing.T) {
	var last ProgressEvent
	board := newSpeedBoard(3, time.Second, func(evt ProgressEvent) { last = evt })

	t0 := time.Now()
	board.begin(0, t0)
	board.report(0, 1000, t0.Add(100*time.Millisecond))
	assert.Equal(t, int64(1000), board.Total())

	board.begin(1, t0.Add(200*time.Millisecond))
	board.report(1, 500, t0.Add(500*time.Millisecond))
	assert.Equal(t, int64(1500), board.Total())
	assert.InDelta(t, 0.5, last.Progress, 1e-9)

	board.report(0, 2000, t0.Add(3*time.Second))
	assert.Equal(t, int64(2500), board.Total())
	assert.Equal(t, 1.0, last.Progress)
}
