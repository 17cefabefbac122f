package probe

import (
	"context"
	"fmt"
	"speedprobe/internal/logger"
	"speedprobe/internal/measure"
	"time"
)

// Pinger 往返时延测量
type Pinger interface {
	Ping(ctx context.Context, addr string) (time.Duration, error)
}

// Resolver 域名解析
type Resolver interface {
	LookupHost(ctx context.Context, domain string) ([]string, error)
}

// LatencyConfig 延迟测试参数
type LatencyConfig struct {
	IP         string        // 优先使用
	Domain     string        // 未指定 IP 时解析该域名
	Timeout    time.Duration // 单次尝试超时
	Retries    int           // 尝试次数
	OnProgress ProgressFunc
}

func (c LatencyConfig) withDefaults() LatencyConfig {
	if c.Timeout <= 0 {
		c.Timeout = DefaultLatencyTimeout
	}
	if c.Retries <= 0 {
		c.Retries = DefaultLatencyRetries
	}
	return c
}

// LatencyProbe 多次测量取平均的延迟探针
type LatencyProbe struct {
	pinger   Pinger
	resolver Resolver
}

// NewLatencyProbe 创建延迟探针
func NewLatencyProbe(pinger Pinger, resolver Resolver) *LatencyProbe {
	return &LatencyProbe{pinger: pinger, resolver: resolver}
}

// Run 执行延迟测试，返回成功样本的平均值（毫秒），全部失败返回 0
func (p *LatencyProbe) Run(ctx context.Context, cfg LatencyConfig) float64 {
	cfg = cfg.withDefaults()

	addr, err := p.resolveTarget(ctx, cfg)
	if err != nil {
		logger.Warnf("[Latency] %v", err)
		return 0
	}
	logger.Infof("[Latency] 开始延迟测试: %s (次数: %d, 超时: %v)", addr, cfg.Retries, cfg.Timeout)

	samples := make([]float64, 0, cfg.Retries)
	for i := 0; i < cfg.Retries; i++ {
		rtt, err := p.attempt(ctx, addr, cfg.Timeout)
		if err != nil {
			logger.Warnf("[Latency] ✗ 第 %d 次失败: %v", i+1, err)
			continue
		}

		ms := float64(rtt) / float64(time.Millisecond)
		samples = append(samples, ms)
		logger.Debugf("[Latency] 第 %d 次: %.2f ms", i+1, ms)

		cfg.OnProgress.emit(ProgressEvent{
			Phase:    PhaseLatency,
			Value:    ms,
			Progress: float64(i+1) / float64(cfg.Retries),
		})
	}

	avg := measure.Mean(samples)
	logger.Infof("[Latency] 延迟测试完成: 成功 %d/%d, 平均 %.2f ms", len(samples), cfg.Retries, avg)
	return avg
}

// attempt 单次测量，超时后取消底层 ping
func (p *LatencyProbe) attempt(ctx context.Context, addr string, timeout time.Duration) (time.Duration, error) {
	actx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	rtt, err := p.pinger.Ping(actx, addr)
	if err != nil {
		return 0, err
	}
	if actx.Err() != nil {
		return 0, fmt.Errorf("超时 (%v)", timeout)
	}
	return rtt, nil
}

// resolveTarget 目标优先级：IP > 指定域名 > 默认域名
func (p *LatencyProbe) resolveTarget(ctx context.Context, cfg LatencyConfig) (string, error) {
	if cfg.IP != "" {
		return cfg.IP, nil
	}

	domain := cfg.Domain
	if domain == "" {
		domain = DefaultLatencyDomain
	}

	if p.resolver == nil {
		return "", &ResolutionError{Domain: domain, Err: fmt.Errorf("未配置解析器")}
	}
	ips, err := p.resolver.LookupHost(ctx, domain)
	if err != nil {
		return "", &ResolutionError{Domain: domain, Err: err}
	}
	if len(ips) == 0 {
		return "", &ResolutionError{Domain: domain, Err: fmt.Errorf("未返回IP地址")}
	}
	logger.Debugf("[Latency] DNS解析: %s -> %s", domain, ips[0])
	return ips[0], nil
}
