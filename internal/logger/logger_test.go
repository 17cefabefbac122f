package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBufferKeepsMostRecent(t *testing.T) {
	lb := NewBuffer(3)
	for i := 1; i <= 5; i++ {
		lb.AddLog("info", fmt.Sprintf("msg-%d", i))
	}

	logs := lb.GetLogs(10)
	require.Len(t, logs, 3)
	assert.Equal(t, "msg-3", logs[0].Message)
	assert.Equal(t, "msg-5", logs[2].Message)

	logs = lb.GetLogs(2)
	require.Len(t, logs, 2)
	assert.Equal(t, "msg-4", logs[0].Message)

	lb.Clear()
	assert.Empty(t, lb.GetLogs(10))
}

func TestNilBufferIsSafe(t *testing.T) {
	var lb *LogBuffer
	lb.AddLog("info", "x")
	lb.Clear()
	assert.Empty(t, lb.GetLogs(1))
}

func TestInitWritesFileAndBuffer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "speedprobe.log")
	require.NoError(t, Init(Options{Level: "debug", FilePath: path, MaxSizeMB: 1, MaxBackups: 1, MaxDays: 1}))
	defer func() { Log = nil }()

	Infof("download %d bit/s", 42)
	Debug("debug line")

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.Contains(string(data), "download 42 bit/s"))

	logs := GetBuffer().GetLogs(10)
	require.Len(t, logs, 2)
	assert.Equal(t, "info", logs[0].Level)
	assert.Equal(t, "download 42 bit/s", logs[0].Message)
}
