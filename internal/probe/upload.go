package probe

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"speedprobe/internal/logger"
	"speedprobe/internal/measure"
	"sync"
	"time"
)

// UploadConfig 上传测速参数
type UploadConfig struct {
	Servers     []Endpoint
	PayloadDir  string        // 扫描该目录，取最大的文件作为负载
	PayloadSize int64         // 目标上传字节数
	MaxDuration time.Duration // 修正时钟下的最长上传时间，单次尝试上限为其 2 倍
	SkipWindow  time.Duration // 起始阶段忽略采样的时间窗口
	OnProgress  ProgressFunc
}

func (c UploadConfig) withDefaults() UploadConfig {
	if c.PayloadSize <= 0 {
		c.PayloadSize = DefaultPayloadSize
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.SkipWindow <= 0 {
		c.SkipWindow = DefaultUploadSkip
	}
	return c
}

// UploadProbe 按顺序逐个尝试服务器的上传测速
type UploadProbe struct {
	client *http.Client
}

// NewUploadProbe 创建上传探针
func NewUploadProbe(client *http.Client) *UploadProbe {
	if client == nil {
		client = NewHTTPClient(false)
	}
	return &UploadProbe{client: client}
}

// Run 执行上传测速，返回第一个完成（或主动停止）的服务器的速度 (bit/s)
// 所有服务器都失败时返回 0，不返回错误
func (p *UploadProbe) Run(ctx context.Context, cfg UploadConfig) int64 {
	cfg = cfg.withDefaults()

	payload, err := SelectPayload(cfg.PayloadDir)
	if err != nil {
		logger.Warnf("[Upload] 无法选择上传负载: %v", err)
		return 0
	}
	copies := payload.Copies(cfg.PayloadSize)
	logger.Infof("[Upload] 使用负载 %s (%d 字节) x %d", payload.Path, payload.Size, copies)

	for i, ep := range cfg.Servers {
		logger.Infof("[Upload] 尝试服务器 %d/%d: %s", i+1, len(cfg.Servers), ep.URL)

		bps, err := p.attempt(ctx, ep, payload, copies, cfg)
		if err != nil {
			logger.Warnf("[Upload] ✗ 服务器不可用 [%s]: %v", ep.ID, err)
			continue
		}

		logger.Infof("[Upload] ✓ 上传测速完成 [%s]: %d bit/s", ep.ID, bps)
		return bps
	}

	logger.Warn("[Upload] 所有服务器上传失败")
	return 0
}

// attempt 对单个服务器上传，超过 2×MaxDuration 放弃
func (p *UploadProbe) attempt(ctx context.Context, ep Endpoint, payload Payload, copies int, cfg UploadConfig) (int64, error) {
	ceiling := 2 * cfg.MaxDuration
	actx, cancel := context.WithTimeout(ctx, ceiling)
	defer cancel()

	mb, err := newMultipartBody(payload, copies)
	if err != nil {
		return 0, fmt.Errorf("构造请求体失败: %w", err)
	}

	tracker := &uploadTracker{
		expected:   mb.length,
		skip:       cfg.SkipWindow,
		max:        cfg.MaxDuration,
		onProgress: cfg.OnProgress,
		abort:      cancel,
	}
	body := &countingBody{rc: mb.open(), observe: tracker.observe}
	defer body.Close()

	req, err := http.NewRequestWithContext(actx, http.MethodPost, ep.URL, body)
	if err != nil {
		return 0, &TransferError{Endpoint: ep, Err: err}
	}
	req.ContentLength = mb.length
	req.Header.Set("Content-Type", mb.contentType)

	tracker.begin(time.Now())
	resp, err := p.client.Do(req)
	bps, stopped := tracker.finish()

	if stopped {
		if resp != nil {
			resp.Body.Close()
		}
		return bps, nil
	}
	if err != nil {
		if errors.Is(actx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return 0, fmt.Errorf("超过单次上传时限 %v", ceiling)
		}
		return 0, &TransferError{Endpoint: ep, Err: err}
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return 0, &TransferError{Endpoint: ep, Err: fmt.Errorf("HTTP状态码异常: %d", resp.StatusCode)}
	}
	return bps, nil
}

// uploadTracker 单次上传尝试的采样状态
// 速度始终按尝试开始时间计算；修正时钟只决定何时停止
type uploadTracker struct {
	mu             sync.Mutex
	expected       int64
	skip           time.Duration
	max            time.Duration
	onProgress     ProgressFunc
	abort          context.CancelFunc
	start          time.Time
	correctedStart time.Time
	bps            int64
	stopped        bool
	closed         bool
}

func (t *uploadTracker) begin(at time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.start = at
	t.onProgress.emit(ProgressEvent{Phase: PhaseUpload, Value: 0, Progress: 0})
}

// observe 每次请求体被读取时调用
func (t *uploadTracker) observe(sent int64, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed || t.stopped || t.start.IsZero() {
		return
	}

	passed := measure.Elapsed(t.start, now)
	if passed < t.skip {
		return
	}
	if t.correctedStart.IsZero() {
		t.correctedStart = now
	}

	if float64(sent)/float64(t.expected) > completionRatio || measure.Elapsed(t.correctedStart, now) > t.max {
		t.stopped = true
		t.abort()
		return
	}

	t.bps = measure.Bitrate(sent, passed)
	t.onProgress.emit(ProgressEvent{
		Phase:    PhaseUpload,
		Value:    float64(t.bps),
		Progress: measure.Progress(passed, t.max),
	})
}

// finish 关闭采样，之后不再回调进度
func (t *uploadTracker) finish() (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.closed = true
	return t.bps, t.stopped
}

// countingBody 统计已发送字节
type countingBody struct {
	rc      io.ReadCloser
	sent    int64
	observe func(int64, time.Time)
}

func (b *countingBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.sent += int64(n)
		b.observe(b.sent, time.Now())
	}
	return n, err
}

func (b *countingBody) Close() error {
	return b.rc.Close()
}
