package session

import (
	"context"
	"errors"
	"fmt"
	"speedprobe/internal/logger"
	"speedprobe/internal/probe"
	"speedprobe/internal/storage"
	"speedprobe/internal/webhook"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrBusy 已有测速在进行中
var ErrBusy = errors.New("测速正在进行中")

// Test 测速项目
type Test string

const (
	TestDownload Test = "download"
	TestUpload   Test = "upload"
	TestLatency  Test = "latency"
)

// AllTests 默认执行全部项目，顺序固定
var AllTests = []Test{TestDownload, TestUpload, TestLatency}

// ParseTests 解析测速项目列表，"ping" 视为 latency
func ParseTests(names []string) ([]Test, error) {
	var tests []Test
	for _, name := range names {
		switch strings.ToLower(strings.TrimSpace(name)) {
		case "download":
			tests = append(tests, TestDownload)
		case "upload":
			tests = append(tests, TestUpload)
		case "latency", "ping":
			tests = append(tests, TestLatency)
		case "":
		default:
			return nil, fmt.Errorf("未知的测速项目: %s", name)
		}
	}
	return tests, nil
}

// Status 会话状态
type Status string

const (
	StatusReady   Status = "ready"
	StatusTesting Status = "testing"
)

// Downloader 下载测速
type Downloader interface {
	Run(ctx context.Context, cfg probe.DownloadConfig) (int64, error)
}

// Uploader 上传测速
type Uploader interface {
	Run(ctx context.Context, cfg probe.UploadConfig) int64
}

// LatencyMeter 延迟测试
type LatencyMeter interface {
	Run(ctx context.Context, cfg probe.LatencyConfig) float64
}

// ServerSource 候选服务器来源
type ServerSource interface {
	Servers(ctx context.Context) []probe.Endpoint
}

// HistoryStore 测速记录存储
type HistoryStore interface {
	SaveHistory(entry *storage.HistoryEntry) error
}

// Notifier 结果通知
type Notifier interface {
	Send(ctx context.Context, n *webhook.Notification) error
}

// Options 单次测速参数，零值表示使用默认配置
type Options struct {
	Tests           []Test
	MaxDuration     time.Duration // 覆盖下载/上传的最长时间
	DownloadServers []probe.Endpoint
	UploadServers   []probe.Endpoint
	LatencyIP       string
	LatencyDomain   string
	Source          string // 记录来源，默认 manual
	SkipNotify      bool   // 由调用方自行发送通知，不使用全局 Webhook
	OnProgress      probe.ProgressFunc
}

func (o Options) wants(t Test) bool {
	if len(o.Tests) == 0 {
		return true
	}
	for _, x := range o.Tests {
		if x == t {
			return true
		}
	}
	return false
}

// State 实时状态快照
type State struct {
	Status    Status               `json:"status"`
	StartedAt *time.Time           `json:"startedAt"`
	Current   *probe.ProgressEvent `json:"current"`
}

// Deps 会话依赖
type Deps struct {
	Download Downloader
	Upload   Uploader
	Latency  LatencyMeter
	Catalog  ServerSource
	Store    HistoryStore // 可为空
	Notifier Notifier     // 可为空

	// 各项测速的基础参数，Servers/OnProgress 由会话填充
	DownloadConfig probe.DownloadConfig
	UploadConfig   probe.UploadConfig
	LatencyConfig  probe.LatencyConfig
}

// Session 单飞测速会话：同一时间只允许一次测速，运行中的新请求直接拒绝
type Session struct {
	deps Deps

	mu        sync.RWMutex
	running   bool
	startedAt *time.Time
	current   *probe.ProgressEvent
}

// New 创建会话
func New(deps Deps) *Session {
	return &Session{deps: deps}
}

// State 返回当前状态
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := State{Status: StatusReady}
	if s.running {
		st.Status = StatusTesting
	}
	if s.startedAt != nil {
		t := *s.startedAt
		st.StartedAt = &t
	}
	if s.current != nil {
		evt := *s.current
		st.Current = &evt
	}
	return st
}

// Reset 清除上一次测速的实时状态
func (s *Session) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrBusy
	}
	s.startedAt = nil
	s.current = nil
	return nil
}

func (s *Session) acquire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return false
	}
	now := time.Now()
	s.running = true
	s.startedAt = &now
	s.current = nil
	return true
}

func (s *Session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.running = false
	s.current = nil
}

func (s *Session) setCurrent(evt probe.ProgressEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		s.current = &evt
	}
}

// tracker 更新实时状态并转发给调用方
func (s *Session) tracker(forward probe.ProgressFunc) probe.ProgressFunc {
	return func(evt probe.ProgressEvent) {
		s.setCurrent(evt)
		if forward != nil {
			forward(evt)
		}
	}
}

// Start 依次执行 下载 → 上传 → 延迟，成功后写入历史记录
// 下载失败时返回错误且不记录；上传/延迟失败计为 0
func (s *Session) Start(ctx context.Context, opts Options) (*storage.HistoryEntry, error) {
	if !s.acquire() {
		return nil, ErrBusy
	}
	defer s.release()
	return s.run(ctx, opts)
}

// Outcome 后台测速的结果
type Outcome struct {
	Entry *storage.HistoryEntry
	Err   error
}

// Launch 在后台执行测速，已有测速时立即返回 ErrBusy
func (s *Session) Launch(ctx context.Context, opts Options) (<-chan Outcome, error) {
	if !s.acquire() {
		return nil, ErrBusy
	}

	done := make(chan Outcome, 1)
	go func() {
		entry, err := s.run(ctx, opts)
		s.release()
		done <- Outcome{Entry: entry, Err: err}
	}()
	return done, nil
}

func (s *Session) run(ctx context.Context, opts Options) (*storage.HistoryEntry, error) {
	source := opts.Source
	if source == "" {
		source = "manual"
	}
	onProgress := s.tracker(opts.OnProgress)

	logger.Info("==========================================")
	logger.Infof("开始测速 [%s]", source)

	var servers []probe.Endpoint
	needServers := (opts.wants(TestDownload) && len(opts.DownloadServers) == 0) ||
		(opts.wants(TestUpload) && len(opts.UploadServers) == 0)
	if needServers && s.deps.Catalog != nil {
		servers = s.deps.Catalog.Servers(ctx)
	}

	entry := &storage.HistoryEntry{Source: source}

	if opts.wants(TestDownload) {
		cfg := s.deps.DownloadConfig
		cfg.Servers = pick(opts.DownloadServers, servers)
		cfg.OnProgress = onProgress
		if opts.MaxDuration > 0 {
			cfg.MaxDuration = opts.MaxDuration
		}

		s.setCurrent(probe.ProgressEvent{Phase: probe.PhaseDownload})
		bps, err := s.deps.Download.Run(ctx, cfg)
		if err != nil {
			logger.Errorf("✗ 下载测速失败: %v", err)
			s.notify(ctx, opts, &webhook.Notification{Event: webhook.EventFailed, Source: source, Error: err.Error()})
			return nil, fmt.Errorf("下载测速失败: %w", err)
		}
		entry.DownloadSpeed = bps
	}

	if opts.wants(TestUpload) {
		cfg := s.deps.UploadConfig
		cfg.Servers = pick(opts.UploadServers, servers)
		cfg.OnProgress = onProgress
		if opts.MaxDuration > 0 {
			cfg.MaxDuration = opts.MaxDuration
		}

		s.setCurrent(probe.ProgressEvent{Phase: probe.PhaseUpload})
		entry.UploadSpeed = s.deps.Upload.Run(ctx, cfg)
	}

	if opts.wants(TestLatency) {
		cfg := s.deps.LatencyConfig
		cfg.OnProgress = onProgress
		if opts.LatencyIP != "" || opts.LatencyDomain != "" {
			cfg.IP = opts.LatencyIP
			cfg.Domain = opts.LatencyDomain
		}

		s.setCurrent(probe.ProgressEvent{Phase: probe.PhaseLatency})
		entry.Ping = s.deps.Latency.Run(ctx, cfg)
	}

	entry.ID = uuid.New().String()
	entry.Date = time.Now()

	if s.deps.Store != nil {
		if err := s.deps.Store.SaveHistory(entry); err != nil {
			logger.Errorf("保存测速记录失败: %v", err)
		}
	}

	logger.Infof("✓ 测速完成: 下载 %d bit/s, 上传 %d bit/s, 延迟 %.1f ms", entry.DownloadSpeed, entry.UploadSpeed, entry.Ping)
	logger.Info("==========================================")

	s.notify(ctx, opts, &webhook.Notification{
		Event:         webhook.EventFinished,
		ID:            entry.ID,
		Source:        source,
		DownloadSpeed: entry.DownloadSpeed,
		UploadSpeed:   entry.UploadSpeed,
		Ping:          entry.Ping,
	})

	return entry, nil
}

func (s *Session) notify(ctx context.Context, opts Options, n *webhook.Notification) {
	if s.deps.Notifier == nil || opts.SkipNotify {
		return
	}
	if err := s.deps.Notifier.Send(ctx, n); err != nil {
		logger.Warnf("发送测速通知失败: %v", err)
	}
}

func pick(override, fallback []probe.Endpoint) []probe.Endpoint {
	if len(override) > 0 {
		return override
	}
	return fallback
}
