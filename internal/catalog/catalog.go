package catalog

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"speedprobe/internal/logger"
	"speedprobe/internal/probe"
	"time"
)

// 响应体上限，目录接口只返回少量服务器
const maxBodySize = 1 << 20

// Catalog 测速服务器目录
type Catalog struct {
	url      string
	fallback []probe.Endpoint
	client   *http.Client
}

// server 目录接口返回的单个服务器，只取需要的字段
type server struct {
	ID   json.RawMessage `json:"id"`
	Host string          `json:"host"`
	URL  string          `json:"url"`
}

// New 创建目录客户端，url 为空时只使用备用列表
func New(url string, fallback []probe.Endpoint, timeout time.Duration) *Catalog {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Catalog{
		url:      url,
		fallback: fallback,
		client:   &http.Client{Timeout: timeout},
	}
}

// Servers 返回候选服务器列表（按目录顺序），拉取失败时返回备用列表，从不返回错误
func (c *Catalog) Servers(ctx context.Context) []probe.Endpoint {
	if c.url == "" {
		return c.Fallback()
	}

	servers, err := c.fetch(ctx)
	if err != nil {
		logger.Warnf("[Catalog] 拉取服务器列表失败，使用备用服务器: %v", err)
		return c.Fallback()
	}
	if len(servers) == 0 {
		logger.Warn("[Catalog] 服务器列表为空，使用备用服务器")
		return c.Fallback()
	}

	logger.Infof("[Catalog] 获取到 %d 个测速服务器", len(servers))
	return servers
}

// Fallback 返回备用列表的副本
func (c *Catalog) Fallback() []probe.Endpoint {
	return append([]probe.Endpoint(nil), c.fallback...)
}

func (c *Catalog) fetch(ctx context.Context) ([]probe.Endpoint, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return nil, fmt.Errorf("创建请求失败: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("请求服务器目录失败: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("服务器目录HTTP状态错误: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return nil, fmt.Errorf("读取服务器目录失败: %w", err)
	}

	var raw []server
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("解析服务器目录JSON失败: %w", err)
	}

	endpoints := make([]probe.Endpoint, 0, len(raw))
	for _, s := range raw {
		if s.Host == "" || s.URL == "" {
			continue
		}
		endpoints = append(endpoints, probe.Endpoint{ID: rawID(s.ID), Host: s.Host, URL: s.URL})
	}
	return endpoints, nil
}

// rawID 兼容字符串和数字两种 id
func rawID(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}
