package probe

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"speedprobe/internal/logger"
	"speedprobe/internal/measure"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"
)

// DownloadConfig 下载测速参数
type DownloadConfig struct {
	Servers             []Endpoint
	PayloadSize         int64         // 请求的下载字节数
	MaxDuration         time.Duration // 单个 worker 的最大传输时长
	SampleInterval      time.Duration // 采样最小间隔
	SampleByteThreshold int64         // 两次采样之间的最少新增字节
	TempDir             string        // 下载文件的临时目录，空则使用系统临时目录
	OnProgress          ProgressFunc
}

func (c DownloadConfig) withDefaults() DownloadConfig {
	if c.PayloadSize <= 0 {
		c.PayloadSize = DefaultPayloadSize
	}
	if c.MaxDuration <= 0 {
		c.MaxDuration = DefaultMaxDuration
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = DefaultSampleInterval
	}
	if c.SampleByteThreshold <= 0 {
		c.SampleByteThreshold = DefaultSampleByteThreshold
	}
	return c
}

// DownloadProbe 多服务器并发下载测速
type DownloadProbe struct {
	client *http.Client
}

// NewDownloadProbe 创建下载探针
func NewDownloadProbe(client *http.Client) *DownloadProbe {
	if client == nil {
		client = NewHTTPClient(false)
	}
	return &DownloadProbe{client: client}
}

// speedBoard 每个 worker 一个固定槽位，只由所属 worker 写入，汇总时求和
type speedBoard struct {
	mu          sync.Mutex
	slots       []int64
	firstStart  time.Time
	total       int64
	maxDuration time.Duration
	onProgress  ProgressFunc
}

func newSpeedBoard(workers int, maxDuration time.Duration, onProgress ProgressFunc) *speedBoard {
	return &speedBoard{
		slots:       make([]int64, workers),
		maxDuration: maxDuration,
		onProgress:  onProgress,
	}
}

// begin worker 收到首字节时调用，第一个开始的 worker 决定全局起始时间
func (b *speedBoard) begin(workerID int, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.firstStart.IsZero() {
		b.firstStart = at
	}
	b.publish(workerID, 0, at)
}

// report 更新 worker 的最新速度并重新汇总
func (b *speedBoard) report(workerID int, bps int64, at time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.publish(workerID, bps, at)
}

// publish 调用方需持有锁
func (b *speedBoard) publish(workerID int, bps int64, at time.Time) {
	b.slots[workerID] = bps

	var sum int64
	for _, v := range b.slots {
		sum += v
	}
	b.total = sum

	b.onProgress.emit(ProgressEvent{
		Phase:    PhaseDownload,
		Value:    float64(sum),
		Progress: measure.Progress(measure.Elapsed(b.firstStart, at), b.maxDuration),
	})
}

func (b *speedBoard) Total() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.total
}

// Run 执行下载测速，返回所有 worker 最新速度之和 (bit/s)
// 任一 worker 出现非超时错误时整体失败
func (p *DownloadProbe) Run(ctx context.Context, cfg DownloadConfig) (int64, error) {
	cfg = cfg.withDefaults()
	if len(cfg.Servers) == 0 {
		logger.Warn("[Download] 没有可用的测速服务器")
		return 0, nil
	}

	logger.Infof("[Download] 开始下载测速，共 %d 个服务器，最长 %v", len(cfg.Servers), cfg.MaxDuration)

	board := newSpeedBoard(len(cfg.Servers), cfg.MaxDuration, cfg.OnProgress)

	var (
		filesMu sync.Mutex
		files   []string
	)
	keepFile := func(path string) {
		filesMu.Lock()
		files = append(files, path)
		filesMu.Unlock()
	}

	g, gctx := errgroup.WithContext(ctx)
	for i, server := range cfg.Servers {
		workerID, ep := i, server
		g.Go(func() error {
			return p.runWorker(gctx, workerID, ep, cfg, board, keepFile)
		})
	}
	err := g.Wait()

	// 清理下载文件，失败忽略
	for _, f := range files {
		_ = os.Remove(f)
	}

	if err != nil {
		logger.Errorf("[Download] ✗ 下载测速失败: %v", err)
		return 0, err
	}

	total := board.Total()
	logger.Infof("[Download] ✓ 下载测速完成: %d bit/s", total)
	return total, nil
}

// runWorker 单个服务器的下载任务，达到字节或时间阈值时主动中止
func (p *DownloadProbe) runWorker(ctx context.Context, workerID int, ep Endpoint, cfg DownloadConfig, board *speedBoard, keepFile func(string)) error {
	wctx, abort := context.WithCancel(ctx)
	defer abort()

	var aborted atomic.Bool
	selfAbort := func() {
		aborted.Store(true)
		abort()
	}

	url := fmt.Sprintf("http://%s/download?size=%d", ep.Host, cfg.PayloadSize)
	req, err := http.NewRequestWithContext(wctx, http.MethodGet, url, nil)
	if err != nil {
		return &TransferError{Endpoint: ep, Err: err}
	}

	// 服务器迟迟不返回响应头时同样按时结束
	headerTimer := time.AfterFunc(cfg.MaxDuration, selfAbort)
	resp, err := p.client.Do(req)
	headerTimer.Stop()
	if err != nil {
		if aborted.Load() || isTimeout(err) {
			logger.Warnf("[Download] worker %d 等待响应超时 (%s): %v", workerID, ep.Host, err)
			return nil
		}
		return &TransferError{Endpoint: ep, Err: err}
	}
	defer resp.Body.Close()
	if aborted.Load() {
		return nil
	}

	if resp.StatusCode != http.StatusOK {
		return &TransferError{Endpoint: ep, Err: fmt.Errorf("HTTP状态码异常: %d", resp.StatusCode)}
	}

	start := time.Now()
	board.begin(workerID, start)

	// 服务器不返回数据时也要按时结束
	timer := time.AfterFunc(cfg.MaxDuration, selfAbort)
	defer timer.Stop()

	expected := resp.ContentLength
	if expected <= 0 {
		expected = cfg.PayloadSize
	}

	var sink io.Writer = io.Discard
	if f, err := os.CreateTemp(cfg.TempDir, "speedprobe-*.bin"); err == nil {
		keepFile(f.Name())
		defer f.Close()
		sink = f
	} else {
		logger.Debugf("[Download] 创建临时文件失败，数据直接丢弃: %v", err)
	}

	buf := make([]byte, 32*1024)
	var received, sampledBytes int64
	lastSample := start

	for {
		n, rerr := resp.Body.Read(buf)
		if n > 0 {
			received += int64(n)
			if _, werr := sink.Write(buf[:n]); werr != nil {
				sink = io.Discard
			}
		}

		now := time.Now()
		elapsed := measure.Elapsed(start, now)
		if float64(received)/float64(expected) > completionRatio || elapsed > cfg.MaxDuration {
			selfAbort()
			return nil
		}

		if now.Sub(lastSample) >= cfg.SampleInterval && received-sampledBytes >= cfg.SampleByteThreshold {
			board.report(workerID, measure.Bitrate(received, elapsed), now)
			lastSample = now
			sampledBytes = received
		}

		if rerr == io.EOF {
			return nil
		}
		if rerr != nil {
			if aborted.Load() {
				return nil
			}
			if isTimeout(rerr) {
				logger.Warnf("[Download] worker %d 读取超时 (%s): %v", workerID, ep.Host, rerr)
				return nil
			}
			return &TransferError{Endpoint: ep, Err: rerr}
		}
	}
}
