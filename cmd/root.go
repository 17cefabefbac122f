package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	cfgFile string
	rootCmd = &cobra.Command{
		Use:   "speedprobe",
		Short: "网络测速工具（下载/上传/延迟）",
		Long: `speedprobe 测量本机的下载带宽、上传带宽和往返延迟，
支持单次测速、定时测速、HTTP 接口以及测速记录的导出。`,
		Version: "1.0.0",
	}
)

// Execute 执行根命令
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	// 全局flags，配置文件可选，未指定时读取 CONFIG_FILE 环境变量
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "TOML 配置文件路径")
}

// GetConfigFile 获取配置文件路径
func GetConfigFile() string {
	return cfgFile
}
