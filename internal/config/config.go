package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"go.uber.org/multierr"
)

// Config 主配置结构
type Config struct {
	Probe   ProbeConfig   `toml:"probe"`
	Latency LatencyConfig `toml:"latency"`
	Catalog CatalogConfig `toml:"catalog"`
	Webhook WebhookConfig `toml:"webhook"`
	Export  ExportConfig  `toml:"export"`
	Log     LogConfig     `toml:"log"`
	API     APIConfig     `toml:"api"`
	DBPath  string        `toml:"db_path"` // SQLite 数据库路径
}

// ProbeConfig 下载/上传测速参数（时间单位：毫秒）
type ProbeConfig struct {
	PayloadSize         int64  `toml:"payload_size"`
	MaxDurationMs       int    `toml:"max_duration_ms"`
	SampleIntervalMs    int    `toml:"sample_interval_ms"`
	SampleByteThreshold int64  `toml:"sample_byte_threshold"`
	UploadSkipMs        int    `toml:"upload_skip_ms"`
	PayloadDir          string `toml:"payload_dir"` // 上传负载目录，取其中最大的文件
	TempDir             string `toml:"temp_dir"`    // 下载临时文件目录，为空使用系统目录
	Insecure            bool   `toml:"insecure"`    // 跳过 TLS 证书校验
}

// LatencyConfig 延迟测试参数
type LatencyConfig struct {
	Method      string   `toml:"method"` // icmp 或 tcp
	Privileged  bool     `toml:"privileged"`
	TCPPort     int      `toml:"tcp_port"`
	IP          string   `toml:"ip"`
	Domain      string   `toml:"domain"`
	TimeoutMs   int      `toml:"timeout_ms"`
	Retries     int      `toml:"retries"`
	Nameservers []string `toml:"nameservers"` // host:port，为空读取 /etc/resolv.conf
}

// ServerConfig 备用测速服务器
type ServerConfig struct {
	ID   string `toml:"id"`
	Host string `toml:"host"`
	URL  string `toml:"url"`
}

// CatalogConfig 服务器目录配置
type CatalogConfig struct {
	URL        string         `toml:"url"`
	TimeoutSec int            `toml:"timeout_sec"`
	Fallback   []ServerConfig `toml:"fallback"`
}

// WebhookConfig Webhook 回调配置
type WebhookConfig struct {
	URL     string            `toml:"url" json:"url"`
	Method  string            `toml:"method" json:"method"`
	Headers map[string]string `toml:"headers" json:"headers"`
	Timeout int               `toml:"timeout" json:"timeout"`
	Retry   int               `toml:"retry" json:"retry"`
}

// ExportConfig 历史记录导出（S3）配置
type ExportConfig struct {
	Bucket   string `toml:"bucket"`
	Prefix   string `toml:"prefix"`
	Region   string `toml:"region"`
	Endpoint string `toml:"endpoint"` // 兼容 S3 协议的自建存储
}

// LogConfig 日志配置
type LogConfig struct {
	Enabled    bool   `toml:"enabled"`
	Level      string `toml:"level"`
	Path       string `toml:"path"`
	MaxDays    int    `toml:"max_days"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
}

// APIConfig HTTP 接口配置
type APIConfig struct {
	Port int `toml:"port"`
}

// DefaultCatalogURL 默认服务器目录地址
const DefaultCatalogURL = "https://www.speedtest.net/api/js/servers?engine=js&limit=10&https_functional=true"

// Default 返回默认配置
func Default() *Config {
	return &Config{
		Probe: ProbeConfig{
			PayloadSize:         100_000_000,
			MaxDurationMs:       4000,
			SampleIntervalMs:    100,
			SampleByteThreshold: 100,
			UploadSkipMs:        250,
			PayloadDir:          "./payload",
		},
		Latency: LatencyConfig{
			Method:    "icmp",
			TCPPort:   443,
			Domain:    "google.com",
			TimeoutMs: 1000,
			Retries:   5,
		},
		Catalog: CatalogConfig{
			URL:        DefaultCatalogURL,
			TimeoutSec: 10,
			Fallback: []ServerConfig{{
				ID:   "fallback",
				Host: "speedtest2.waldperlachfabi.de.prod.hosts.ooklaserver.net:8080",
				URL:  "http://speedtest2.waldperlachfabi.de:8080/speedtest/upload.php",
			}},
		},
		Webhook: WebhookConfig{
			Method:  "POST",
			Timeout: 10,
		},
		Export: ExportConfig{
			Prefix: "speedprobe/",
		},
		Log: LogConfig{
			Enabled:    true,
			Level:      "info",
			Path:       "./logs/speedprobe.log",
			MaxDays:    30,
			MaxSizeMB:  50,
			MaxBackups: 5,
		},
		API:    APIConfig{Port: 8080},
		DBPath: "./data/speedprobe.db",
	}
}

// Load 加载配置：默认值 → TOML 文件（可选）→ .env / 环境变量
func Load(path string) (*Config, error) {
	_ = godotenv.Load()
	cfg := Default()

	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path != "" {
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return nil, fmt.Errorf("解析配置文件失败 (%s): %w", path, err)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.DBPath = getEnvString("DB_PATH", cfg.DBPath)

	cfg.Probe.PayloadDir = getEnvString("PAYLOAD_DIR", cfg.Probe.PayloadDir)
	cfg.Probe.MaxDurationMs = getEnvInt("MAX_DURATION_MS", cfg.Probe.MaxDurationMs)
	cfg.Probe.Insecure = getEnvBool("INSECURE_TLS", cfg.Probe.Insecure)

	cfg.Latency.Method = getEnvString("LATENCY_METHOD", cfg.Latency.Method)
	cfg.Latency.Privileged = getEnvBool("PING_PRIVILEGED", cfg.Latency.Privileged)
	cfg.Latency.Domain = getEnvString("LATENCY_DOMAIN", cfg.Latency.Domain)
	cfg.Latency.IP = getEnvString("LATENCY_IP", cfg.Latency.IP)
	if ns := os.Getenv("NAMESERVERS"); ns != "" {
		cfg.Latency.Nameservers = splitList(ns)
	}

	cfg.Catalog.URL = getEnvString("CATALOG_URL", cfg.Catalog.URL)

	// Webhook 配置（可从环境变量覆盖）
	cfg.Webhook.URL = getEnvString("WEBHOOK_URL", cfg.Webhook.URL)
	cfg.Webhook.Method = getEnvString("WEBHOOK_METHOD", cfg.Webhook.Method)
	cfg.Webhook.Timeout = getEnvInt("WEBHOOK_TIMEOUT", cfg.Webhook.Timeout)

	cfg.Export.Bucket = getEnvString("EXPORT_BUCKET", cfg.Export.Bucket)
	cfg.Export.Prefix = getEnvString("EXPORT_PREFIX", cfg.Export.Prefix)
	cfg.Export.Region = getEnvString("EXPORT_REGION", cfg.Export.Region)
	cfg.Export.Endpoint = getEnvString("EXPORT_ENDPOINT", cfg.Export.Endpoint)

	// 日志配置
	cfg.Log.Enabled = getEnvBool("LOG_ENABLED", cfg.Log.Enabled)
	cfg.Log.Level = getEnvString("LOG_LEVEL", cfg.Log.Level)
	cfg.Log.Path = getEnvString("LOG_PATH", cfg.Log.Path)
	cfg.Log.MaxDays = getEnvInt("LOG_MAX_DAYS", cfg.Log.MaxDays)

	cfg.API.Port = getEnvInt("API_PORT", cfg.API.Port)
}

// Validate 校验配置，返回全部错误
func (c *Config) Validate() error {
	var err error

	if c.Probe.PayloadSize <= 0 {
		err = multierr.Append(err, fmt.Errorf("probe.payload_size 必须大于 0"))
	}
	if c.Probe.MaxDurationMs <= 0 {
		err = multierr.Append(err, fmt.Errorf("probe.max_duration_ms 必须大于 0"))
	}
	if c.Probe.SampleIntervalMs <= 0 {
		err = multierr.Append(err, fmt.Errorf("probe.sample_interval_ms 必须大于 0"))
	}
	if c.Probe.UploadSkipMs < 0 {
		err = multierr.Append(err, fmt.Errorf("probe.upload_skip_ms 不能为负数"))
	}
	switch c.Latency.Method {
	case "icmp", "tcp":
	default:
		err = multierr.Append(err, fmt.Errorf("latency.method 只支持 icmp/tcp: %q", c.Latency.Method))
	}
	if c.Latency.Retries <= 0 {
		err = multierr.Append(err, fmt.Errorf("latency.retries 必须大于 0"))
	}
	if c.Latency.TimeoutMs <= 0 {
		err = multierr.Append(err, fmt.Errorf("latency.timeout_ms 必须大于 0"))
	}
	for i, s := range c.Catalog.Fallback {
		if s.Host == "" || s.URL == "" {
			err = multierr.Append(err, fmt.Errorf("catalog.fallback[%d] 缺少 host 或 url", i))
		}
	}
	if c.API.Port <= 0 || c.API.Port > 65535 {
		err = multierr.Append(err, fmt.Errorf("api.port 无效: %d", c.API.Port))
	}

	return err
}

// MaxDuration 单项测速最长时间
func (p ProbeConfig) MaxDuration() time.Duration {
	return time.Duration(p.MaxDurationMs) * time.Millisecond
}

// SampleInterval 下载采样间隔
func (p ProbeConfig) SampleInterval() time.Duration {
	return time.Duration(p.SampleIntervalMs) * time.Millisecond
}

// UploadSkip 上传起始忽略窗口
func (p ProbeConfig) UploadSkip() time.Duration {
	return time.Duration(p.UploadSkipMs) * time.Millisecond
}

// Timeout 单次延迟测试超时
func (l LatencyConfig) Timeout() time.Duration {
	return time.Duration(l.TimeoutMs) * time.Millisecond
}

func getEnvString(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if boolVal, err := strconv.ParseBool(val); err == nil {
			return boolVal
		}
	}
	return defaultVal
}

func splitList(s string) []string {
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
