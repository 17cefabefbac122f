package logger

import (
	"io"
	"os"
	"path/filepath"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Log *logrus.Logger

// 内存缓冲区保留的日志条数
const bufferSize = 1000

// MemoryHook 内存日志钩子
type MemoryHook struct {
	buffer *LogBuffer
}

// Levels 返回支持的日志级别
func (hook *MemoryHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire 当日志触发时调用
func (hook *MemoryHook) Fire(entry *logrus.Entry) error {
	if hook.buffer != nil {
		hook.buffer.AddLog(entry.Level.String(), entry.Message)
	}
	return nil
}

// Options 日志配置
type Options struct {
	Level      string
	FilePath   string // 为空时仅输出到控制台
	MaxSizeMB  int
	MaxBackups int
	MaxDays    int
}

// Init 初始化日志系统（控制台 + 可选滚动文件 + 内存缓冲）
func Init(opts Options) error {
	l := newLogger(opts.Level)

	var out io.Writer = os.Stdout
	if opts.FilePath != "" {
		if err := os.MkdirAll(filepath.Dir(opts.FilePath), 0o755); err != nil {
			return err
		}
		out = io.MultiWriter(os.Stdout, &lumberjack.Logger{
			Filename:   opts.FilePath,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
			MaxAge:     opts.MaxDays,
			Compress:   false,
		})
	}
	l.SetOutput(out)

	InitBuffer(bufferSize)
	l.AddHook(&MemoryHook{buffer: GetBuffer()})

	Log = l
	return nil
}

// InitConsoleOnly 初始化日志系统（仅控制台输出）
func InitConsoleOnly(level string) {
	l := newLogger(level)
	l.SetOutput(os.Stdout)
	Log = l
}

func newLogger(level string) *logrus.Logger {
	l := logrus.New()

	logLevel, err := logrus.ParseLevel(level)
	if err != nil {
		logLevel = logrus.InfoLevel
	}
	l.SetLevel(logLevel)

	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: "2006-01-02 15:04:05",
	})
	return l
}

// WithField 返回带字段的日志条目，未初始化时丢弃输出
func WithField(key string, value interface{}) *logrus.Entry {
	if Log == nil {
		discard := logrus.New()
		discard.SetOutput(io.Discard)
		return discard.WithField(key, value)
	}
	return Log.WithField(key, value)
}

// Debug 调试日志
func Debug(args ...interface{}) {
	if Log != nil {
		Log.Debug(args...)
	}
}

// Debugf 格式化调试日志
func Debugf(format string, args ...interface{}) {
	if Log != nil {
		Log.Debugf(format, args...)
	}
}

// Info 信息日志
func Info(args ...interface{}) {
	if Log != nil {
		Log.Info(args...)
	}
}

// Infof 格式化信息日志
func Infof(format string, args ...interface{}) {
	if Log != nil {
		Log.Infof(format, args...)
	}
}

// Warn 警告日志
func Warn(args ...interface{}) {
	if Log != nil {
		Log.Warn(args...)
	}
}

// Warnf 格式化警告日志
func Warnf(format string, args ...interface{}) {
	if Log != nil {
		Log.Warnf(format, args...)
	}
}

// Error 错误日志
func Error(args ...interface{}) {
	if Log != nil {
		Log.Error(args...)
	}
}

// Errorf 格式化错误日志
func Errorf(format string, args ...interface{}) {
	if Log != nil {
		Log.Errorf(format, args...)
	}
}
