package cmd

import (
	"fmt"
	"speedprobe/internal/catalog"
	"speedprobe/internal/config"
	"speedprobe/internal/logger"
	"speedprobe/internal/probe"
	"speedprobe/internal/session"
	"speedprobe/internal/storage"
	"speedprobe/internal/webhook"
	"sync"
	"time"

	"go.uber.org/multierr"
)

var (
	globalConfig  *config.Config
	globalStore   *storage.Storage
	globalCatalog *catalog.Catalog
	globalWebhook *webhook.Client
	globalSession *session.Session
	initOnce      sync.Once
	initError     error
)

// InitSystem 加载配置并初始化日志、存储和测速会话
func InitSystem() error {
	initOnce.Do(func() {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			initError = err
			return
		}
		globalConfig = cfg

		// 根据配置决定是否启用文件日志
		if cfg.Log.Enabled {
			err = logger.Init(logger.Options{
				Level:      cfg.Log.Level,
				FilePath:   cfg.Log.Path,
				MaxSizeMB:  cfg.Log.MaxSizeMB,
				MaxBackups: cfg.Log.MaxBackups,
				MaxDays:    cfg.Log.MaxDays,
			})
			if err != nil {
				initError = fmt.Errorf("日志初始化失败: %w", err)
				return
			}
			logger.Info("日志系统初始化成功（文件+控制台）")
		} else {
			logger.InitConsoleOnly(cfg.Log.Level)
			logger.Info("日志系统初始化成功（仅控制台）")
		}

		store, err := storage.Init(cfg.DBPath)
		if err != nil {
			initError = err
			return
		}
		globalStore = store

		globalCatalog = catalog.New(cfg.Catalog.URL, fallbackServers(cfg), time.Duration(cfg.Catalog.TimeoutSec)*time.Second)
		globalWebhook = webhook.NewClient(cfg.Webhook)
		globalSession = session.New(buildSessionDeps(cfg, store, globalCatalog, globalWebhook))

		logger.Infof("数据库: %s", cfg.DBPath)
		logger.Infof("延迟测试方式: %s", cfg.Latency.Method)
		logger.Info("系统初始化完成")
	})
	return initError
}

func buildSessionDeps(cfg *config.Config, store *storage.Storage, cat *catalog.Catalog, hook *webhook.Client) session.Deps {
	client := probe.NewHTTPClient(cfg.Probe.Insecure)

	var pinger probe.Pinger
	switch cfg.Latency.Method {
	case "tcp":
		pinger = probe.NewTCPPinger(cfg.Latency.TCPPort)
	default:
		pinger = probe.NewICMPPinger(cfg.Latency.Privileged)
	}
	resolver := probe.NewDNSResolver(cfg.Latency.Nameservers, cfg.Latency.Timeout())

	return session.Deps{
		Download: probe.NewDownloadProbe(client),
		Upload:   probe.NewUploadProbe(client),
		Latency:  probe.NewLatencyProbe(pinger, resolver),
		Catalog:  cat,
		Store:    store,
		Notifier: hook,
		DownloadConfig: probe.DownloadConfig{
			PayloadSize:         cfg.Probe.PayloadSize,
			MaxDuration:         cfg.Probe.MaxDuration(),
			SampleInterval:      cfg.Probe.SampleInterval(),
			SampleByteThreshold: cfg.Probe.SampleByteThreshold,
			TempDir:             cfg.Probe.TempDir,
		},
		UploadConfig: probe.UploadConfig{
			PayloadDir:  cfg.Probe.PayloadDir,
			PayloadSize: cfg.Probe.PayloadSize,
			MaxDuration: cfg.Probe.MaxDuration(),
			SkipWindow:  cfg.Probe.UploadSkip(),
		},
		LatencyConfig: probe.LatencyConfig{
			IP:      cfg.Latency.IP,
			Domain:  cfg.Latency.Domain,
			Timeout: cfg.Latency.Timeout(),
			Retries: cfg.Latency.Retries,
		},
	}
}

func fallbackServers(cfg *config.Config) []probe.Endpoint {
	servers := make([]probe.Endpoint, 0, len(cfg.Catalog.Fallback))
	for _, s := range cfg.Catalog.Fallback {
		servers = append(servers, probe.Endpoint{ID: s.ID, Host: s.Host, URL: s.URL})
	}
	return servers
}

// Shutdown 释放全局资源，返回全部关闭错误
func Shutdown(closers ...func() error) error {
	var err error
	for _, c := range closers {
		err = multierr.Append(err, c())
	}
	if globalStore != nil {
		err = multierr.Append(err, globalStore.Close())
	}
	return err
}

func GetConfig() *config.Config {
	return globalConfig
}

func GetStore() *storage.Storage {
	return globalStore
}

func GetSession() *session.Session {
	return globalSession
}
