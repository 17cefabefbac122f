package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"speedprobe/internal/probe"
	"speedprobe/internal/session"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

var (
	runTests       []string
	runMaxDuration time.Duration
	runLatencyIP   string
	runLatencyHost string
	runJSON        bool

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "执行一次测速",
		Long:  "依次执行下载、上传、延迟测试，结果写入测速记录",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := InitSystem(); err != nil {
				return fmt.Errorf("系统初始化失败: %w", err)
			}
			defer Shutdown()

			tests, err := session.ParseTests(runTests)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			opts := session.Options{
				Tests:         tests,
				MaxDuration:   runMaxDuration,
				LatencyIP:     runLatencyIP,
				LatencyDomain: runLatencyHost,
			}
			if !runJSON {
				opts.OnProgress = printProgress
			}

			entry, err := GetSession().Start(ctx, opts)
			if !runJSON {
				fmt.Println()
			}
			if err != nil {
				return err
			}

			if runJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entry)
			}
			fmt.Printf("下载: %.2f Mbit/s\n", float64(entry.DownloadSpeed)/1e6)
			fmt.Printf("上传: %.2f Mbit/s\n", float64(entry.UploadSpeed)/1e6)
			fmt.Printf("延迟: %.1f ms\n", entry.Ping)
			return nil
		},
	}
)

func printProgress(evt probe.ProgressEvent) {
	switch evt.Phase {
	case probe.PhaseLatency:
		fmt.Printf("\r%-8s %8.1f ms      %3.0f%%", evt.Phase, evt.Value, evt.Progress*100)
	default:
		fmt.Printf("\r%-8s %8.2f Mbit/s  %3.0f%%", evt.Phase, evt.Value/1e6, evt.Progress*100)
	}
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringSliceVarP(&runTests, "tests", "t", nil, "测速项目: download,upload,latency（默认全部）")
	runCmd.Flags().DurationVar(&runMaxDuration, "max-duration", 0, "下载/上传最长时间，覆盖配置")
	runCmd.Flags().StringVar(&runLatencyIP, "ip", "", "延迟测试目标 IP")
	runCmd.Flags().StringVar(&runLatencyHost, "domain", "", "延迟测试目标域名")
	runCmd.Flags().BoolVar(&runJSON, "json", false, "以 JSON 输出结果")
}
