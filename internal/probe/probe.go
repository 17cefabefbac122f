package probe

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Phase 测速阶段
type Phase string

const (
	PhaseDownload Phase = "download"
	PhaseUpload   Phase = "upload"
	PhaseLatency  Phase = "latency"
)

// 默认参数
const (
	DefaultPayloadSize         int64 = 100_000_000 // 100MB
	DefaultMaxDuration               = 4000 * time.Millisecond
	DefaultSampleInterval            = 100 * time.Millisecond
	DefaultSampleByteThreshold int64 = 100
	DefaultUploadSkip                = 250 * time.Millisecond
	DefaultLatencyTimeout            = 1000 * time.Millisecond
	DefaultLatencyRetries            = 5
	DefaultLatencyDomain             = "google.com"

	// 已接收/已发送字节超过该比例即视为传输完成
	completionRatio = 0.999
)

// Endpoint 候选测速服务器
// Host 用于下载 (host:port)，URL 用于上传
type Endpoint struct {
	ID   string `json:"id"`
	Host string `json:"host"`
	URL  string `json:"url"`
}

// ProgressEvent 实时进度
// Value 对下载/上传为 bit/s，对延迟为毫秒
type ProgressEvent struct {
	Phase    Phase   `json:"phase"`
	Value    float64 `json:"value"`
	Progress float64 `json:"progress"`
}

// ProgressFunc 进度回调，探针返回后不会再被调用
type ProgressFunc func(ProgressEvent)

func (f ProgressFunc) emit(evt ProgressEvent) {
	if f != nil {
		f(evt)
	}
}

// TransferError 单次传输失败（网络/IO错误）
type TransferError struct {
	Endpoint Endpoint
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("传输失败 [%s %s]: %v", e.Endpoint.ID, e.Endpoint.Host, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// ResolutionError 域名解析失败
type ResolutionError struct {
	Domain string
	Err    error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("DNS解析失败 (%s): %v", e.Domain, e.Err)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// isTimeout 判断是否为超时类错误
func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
