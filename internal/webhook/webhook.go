package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"speedprobe/internal/config"
	"speedprobe/internal/logger"
	"time"
)

// EventType 通知类型
type EventType string

const (
	EventFinished EventType = "speedtest_finished" // 测速完成
	EventFailed   EventType = "speedtest_failed"   // 测速失败
)

// Notification 测速结果通知
type Notification struct {
	Event         EventType         `json:"event"`
	ID            string            `json:"id,omitempty"`
	Source        string            `json:"source"`         // manual / schedule:<任务ID>
	DownloadSpeed int64             `json:"download_speed"` // bit/s
	UploadSpeed   int64             `json:"upload_speed"`   // bit/s
	Ping          float64           `json:"ping"`           // 毫秒
	Error         string            `json:"error,omitempty"`
	CustomData    map[string]string `json:"custom_data,omitempty"`
	Timestamp     int64             `json:"timestamp"`
	Message       string            `json:"message"` // 可读消息
}

// retryBackoff 第 n 次重试前等待 n 倍该时长
const retryBackoff = time.Second

// Client Webhook 客户端
type Client struct {
	cfg        config.WebhookConfig
	httpClient *http.Client
	backoff    time.Duration
}

// NewClient 创建 Webhook 客户端
func NewClient(cfg config.WebhookConfig) *Client {
	timeout := time.Duration(cfg.Timeout) * time.Second
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &Client{
		cfg: cfg,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		backoff: retryBackoff,
	}
}

// Enabled 是否配置了回调地址
func (c *Client) Enabled() bool {
	return c != nil && c.cfg.URL != ""
}

// Send 发送通知到配置的地址
func (c *Client) Send(ctx context.Context, n *Notification) error {
	if !c.Enabled() {
		return nil
	}
	return c.SendTo(ctx, c.cfg.URL, n)
}

// SendTo 发送通知到指定地址，失败按配置重试
func (c *Client) SendTo(ctx context.Context, url string, n *Notification) error {
	n.Timestamp = time.Now().Unix()
	if n.Message == "" {
		n.Message = describe(n)
	}

	body, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("序列化通知失败: %w", err)
	}

	method := c.cfg.Method
	if method == "" {
		method = http.MethodPost
	}

	attempts := c.cfg.Retry + 1
	for i := 0; i < attempts; i++ {
		if i > 0 {
			if werr := c.wait(ctx, i); werr != nil {
				break
			}
		}
		if err = c.post(ctx, method, url, body); err == nil {
			logger.Infof("[WEBHOOK] ✓ 通知发送成功: %s (%s)", url, n.Event)
			return nil
		}
		logger.Warnf("[WEBHOOK] ✗ 第 %d/%d 次发送失败: %v", i+1, attempts, err)
		if ctx.Err() != nil {
			break
		}
	}
	return err
}

// wait 线性退避，ctx 取消时提前返回
func (c *Client) wait(ctx context.Context, attempt int) error {
	timer := time.NewTimer(time.Duration(attempt) * c.backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (c *Client) post(ctx context.Context, method, url string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("创建请求失败: %w", err)
	}

	// 设置 Headers
	req.Header.Set("Content-Type", "application/json")
	for key, value := range c.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("发送请求失败: %w", err)
	}
	defer resp.Body.Close()

	// 检查响应状态
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("响应状态码异常: %d", resp.StatusCode)
	}
	return nil
}

func describe(n *Notification) string {
	if n.Event == EventFailed {
		return fmt.Sprintf("[%s] 测速失败: %s", n.Source, n.Error)
	}
	return fmt.Sprintf("[%s] 下载 %.2f Mbit/s, 上传 %.2f Mbit/s, 延迟 %.1f ms",
		n.Source, float64(n.DownloadSpeed)/1e6, float64(n.UploadSpeed)/1e6, n.Ping)
}
