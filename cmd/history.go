package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"speedprobe/internal/export"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var (
	historyLimit int
	historyJSON  bool

	historyCmd = &cobra.Command{
		Use:   "history",
		Short: "测速记录管理",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := InitSystem(); err != nil {
				return fmt.Errorf("系统初始化失败: %w", err)
			}
			return nil
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return Shutdown()
		},
	}

	historyListCmd = &cobra.Command{
		Use:   "list",
		Short: "列出测速记录（最新的在前）",
		RunE: func(cmd *cobra.Command, args []string) error {
			entries, err := GetStore().ListHistory(historyLimit)
			if err != nil {
				return err
			}

			if historyJSON {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(entries)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "时间\t下载(Mbit/s)\t上传(Mbit/s)\t延迟(ms)\t来源")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.1f\t%s\n",
					e.Date.Local().Format("2006-01-02 15:04:05"),
					float64(e.DownloadSpeed)/1e6, float64(e.UploadSpeed)/1e6, e.Ping, e.Source)
			}
			return w.Flush()
		},
	}

	historyClearCmd = &cobra.Command{
		Use:   "clear",
		Short: "清空测速记录",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := GetStore().ClearHistory(); err != nil {
				return err
			}
			fmt.Println("测速记录已清空")
			return nil
		},
	}

	historyExportCmd = &cobra.Command{
		Use:   "export",
		Short: "导出测速记录到 S3",
		RunE: func(cmd *cobra.Command, args []string) error {
			exporter, err := export.NewS3Exporter(cmd.Context(), GetConfig().Export)
			if err != nil {
				return err
			}

			entries, err := GetStore().ListHistory(0)
			if err != nil {
				return err
			}

			key, err := exporter.Export(cmd.Context(), entries)
			if err != nil {
				return err
			}
			fmt.Printf("已导出 %d 条记录: s3://%s/%s\n", len(entries), GetConfig().Export.Bucket, key)
			return nil
		},
	}
)

func init() {
	rootCmd.AddCommand(historyCmd)
	historyCmd.AddCommand(historyListCmd, historyClearCmd, historyExportCmd)

	historyListCmd.Flags().IntVarP(&historyLimit, "limit", "n", 20, "最多显示条数，0 表示全部")
	historyListCmd.Flags().BoolVar(&historyJSON, "json", false, "以 JSON 输出")
}
