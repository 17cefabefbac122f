package probe

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writePayloadDir(t *testing.T, sizes map[string]int) string {
	t.Helper()
	dir := t.TempDir()
	for name, size := range sizes {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), make([]byte, size), 0o644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "subdir"), 0o755))
	return dir
}

// slowSink 按固定节奏读取请求体
func slowSink(hits *int32, chunk int, every time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		buf := make([]byte, chunk)
		for {
			if _, err := io.ReadFull(r.Body, buf); err != nil {
				break
			}
			time.Sleep(every)
		}
		w.WriteHeader(http.StatusOK)
	}
}

func TestSelectPayloadPicksLargestFile(t *testing.T) {
	dir := writePayloadDir(t, map[string]int{"a.bin": 10, "b.bin": 2000, "c.bin": 500})

	p, err := SelectPayload(dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "b.bin"), p.Path)
	assert.Equal(t, int64(2000), p.Size)
	assert.Equal(t, 50, p.Copies(100_000))
	assert.Equal(t, 51, p.Copies(100_001))
	assert.Equal(t, 1, p.Copies(1))
}

func TestSelectPayloadEmptyDir(t *testing.T) {
	_, err := SelectPayload(t.TempDir())
	assert.Error(t, err)

	_, err = SelectPayload(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestMultipartBodyLengthMatchesStream(t *testing.T) {
	dir := writePayloadDir(t, map[string]int{"p.bin": 1234})
	p, err := SelectPayload(dir)
	require.NoError(t, err)

	mb, err := newMultipartBody(p, 3)
	require.NoError(t, err)

	rc := mb.open()
	defer rc.Close()
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, mb.length, int64(len(data)))

	_, params, err := mime.ParseMediaType(mb.contentType)
	require.NoError(t, err)
	mr := multipart.NewReader(bytes.NewReader(data), params["boundary"])
	parts := 0
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			break
		}
		require.NoError(t, err)
		assert.Equal(t, "file", part.FormName())
		n, _ := io.Copy(io.Discard, part)
		assert.Equal(t, int64(1234), n)
		parts++
	}
	assert.Equal(t, 3, parts)
}

func TestUploadFailsOverToNextEndpoint(t *testing.T) {
	dir := writePayloadDir(t, map[string]int{"payload.bin": 256 * 1024})

	var badHits, goodHits int32
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&badHits, 1)
		http.Error(w, "unavailable", http.StatusServiceUnavailable)
	}))
	defer bad.Close()
	// 每 5ms 读取 256KB，约 419 Mbit/s，传输量远大于内核缓冲区
	const chunk = 256 * 1024
	every := 5 * time.Millisecond
	rate := float64(chunk) * 8 / every.Seconds()
	good := httptest.NewServer(slowSink(&goodHits, chunk, every))
	defer good.Close()

	rec := &eventRecorder{}
	bps := NewUploadProbe(nil).Run(context.Background(), UploadConfig{
		Servers: []Endpoint{
			{ID: "bad", URL: bad.URL + "/upload"},
			{ID: "good", URL: good.URL + "/upload"},
		},
		PayloadDir:  dir,
		MaxDuration: 800 * time.Millisecond,
		SkipWindow:  50 * time.Millisecond,
		OnProgress:  rec.record,
	})

	assert.InDelta(t, rate, float64(bps), rate*0.5)
	assert.Equal(t, int32(1), atomic.LoadInt32(&badHits))
	assert.Equal(t, int32(1), atomic.LoadInt32(&goodHits))

	for _, evt := range rec.snapshot() {
		assert.Equal(t, PhaseUpload, evt.Phase)
		assert.GreaterOrEqual(t, evt.Progress, 0.0)
		assert.LessOrEqual(t, evt.Progress, 1.0)
	}
}

func TestUploadAllEndpointsFailReturnsZero(t *testing.T) {
	dir := writePayloadDir(t, map[string]int{"payload.bin": 1024})
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer bad.Close()

	bps := NewUploadProbe(nil).Run(context.Background(), UploadConfig{
		Servers:     []Endpoint{{ID: "a", URL: bad.URL}, {ID: "b", URL: bad.URL}},
		PayloadDir:  dir,
		PayloadSize: 10 * 1024,
		MaxDuration: 200 * time.Millisecond,
	})
	assert.Equal(t, int64(0), bps)
}

func TestUploadWithoutPayloadReturnsZero(t *testing.T) {
	bps := NewUploadProbe(nil).Run(context.Background(), UploadConfig{
		Servers:    []Endpoint{{ID: "a", URL: "http://127.0.0.1:1"}},
		PayloadDir: t.TempDir(),
	})
	assert.Equal(t, int64(0), bps)
}

func TestUploadCeilingMovesToNextEndpoint(t *testing.T) {
	dir := writePayloadDir(t, map[string]int{"payload.bin": 64 * 1024})

	// 只接收请求头，不读取请求体
	release := make(chan struct{})
	stuck := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer stuck.Close()
	defer close(release)

	var goodHits int32
	good := httptest.NewServer(slowSink(&goodHits, 32*1024, 5*time.Millisecond))
	defer good.Close()

	start := time.Now()
	bps := NewUploadProbe(nil).Run(context.Background(), UploadConfig{
		Servers:     []Endpoint{{ID: "stuck", URL: stuck.URL}, {ID: "good", URL: good.URL}},
		PayloadDir:  dir,
		MaxDuration: 200 * time.Millisecond,
		SkipWindow:  20 * time.Millisecond,
	})

	assert.Equal(t, int32(1), atomic.LoadInt32(&goodHits))
	assert.GreaterOrEqual(t, bps, int64(0))
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestUploadTrackerSkipWindowAndCorrectedClock(t *testing.T) {
	var events []ProgressEvent
	aborted := false
	tr := &uploadTracker{
		expected:   1_000_000_000,
		skip:       250 * time.Millisecond,
		max:        time.Second,
		onProgress: func(evt ProgressEvent) { events = append(events, evt) },
		abort:      func() { aborted = true },
	}

	t0 := time.Now()
	tr.begin(t0)
	require.Len(t, events, 1)
	assert.Equal(t, 0.0, events[0].Value)

	// 跳过窗口内的采样被忽略
	tr.observe(50_000, t0.Add(100*time.Millisecond))
	assert.Len(t, events, 1)

	// 窗口后的第一次采样：速度按尝试开始计算
	tr.observe(100_000, t0.Add(400*time.Millisecond))
	require.Len(t, events, 2)
	assert.Equal(t, float64(2_000_000), events[1].Value)
	assert.InDelta(t, 0.4, events[1].Progress, 1e-9)

	// 尝试已经过了 1.2s，但修正时钟只过了 0.8s，继续上传
	tr.observe(200_000, t0.Add(1200*time.Millisecond))
	require.Len(t, events, 3)
	assert.Equal(t, 1.0, events[2].Progress)
	assert.False(t, aborted)

	// 修正时钟超过 max，主动停止
	tr.observe(300_000, t0.Add(1500*time.Millisecond))
	assert.True(t, aborted)
	assert.Len(t, events, 3)

	bps, stopped := tr.finish()
	assert.True(t, stopped)
	assert.Equal(t, int64(1_333_333), bps)

	// finish 之后不再回调
	tr.observe(400_000, t0.Add(1600*time.Millisecond))
	assert.Len(t, events, 3)
}

func TestUploadTrackerStopsOnByteRatio(t *testing.T) {
	aborted := false
	tr := &uploadTracker{
		expected: 1000,
		skip:     0,
		max:      time.Hour,
		abort:    func() { aborted = true },
	}
	t0 := time.Now()
	tr.begin(t0)
	tr.observe(500, t0.Add(time.Second))
	assert.False(t, aborted)
	tr.observe(1000, t0.Add(2*time.Second))
	assert.True(t, aborted)
}
