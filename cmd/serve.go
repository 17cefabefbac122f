package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"speedprobe/internal/api"
	"speedprobe/internal/export"
	"speedprobe/internal/logger"
	"speedprobe/internal/schedule"
	"syscall"

	"github.com/spf13/cobra"
)

var (
	apiPort int

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "启动 HTTP 接口和定时测速",
		Long:  "启动 HTTP 接口（发起测速、实时状态、测速记录、定时任务）并运行定时测速任务",
		Run: func(cmd *cobra.Command, args []string) {
			// 初始化系统
			if err := InitSystem(); err != nil {
				fmt.Fprintf(os.Stderr, "系统初始化失败: %v\n", err)
				os.Exit(1)
			}
			cfg := GetConfig()
			store := GetStore()
			if cmd.Flags().Changed("port") {
				cfg.API.Port = apiPort
			}

			// 创建并启动定时任务调度器
			scheduleManager := schedule.NewManager(GetSession(), globalWebhook)
			scheduleManager.SetTaskUpdateCallback(func(task *schedule.Task) error {
				// 任务执行后更新数据库状态
				lastRunAt := ""
				if task.LastRunAt != nil {
					lastRunAt = task.LastRunAt.Format(schedule.TimeLayout)
				}
				return store.UpdateScheduleTaskStatus(task.ID, lastRunAt, task.LastResult)
			})

			// 从数据库加载已有任务
			tasks, err := store.GetAllScheduleTasks()
			if err != nil {
				logger.Warnf("加载定时任务失败: %v", err)
			}
			scheduleManager.LoadTasks(tasks)
			scheduleManager.Start()
			logger.Infof("定时任务调度器已启动，共 %d 个任务", scheduleManager.GetTaskCount())

			deps := api.Deps{
				Config:          cfg,
				Session:         GetSession(),
				Store:           store,
				Catalog:         globalCatalog,
				ScheduleManager: scheduleManager,
			}
			if cfg.Export.Bucket != "" {
				exporter, err := export.NewS3Exporter(cmd.Context(), cfg.Export)
				if err != nil {
					logger.Warnf("初始化导出失败: %v", err)
				} else {
					deps.Exporter = exporter
				}
			}

			apiServer := api.NewServer(deps)
			if err := apiServer.Start(); err != nil {
				logger.Warnf("启动 HTTP 接口失败: %v", err)
			}

			// 等待中断信号
			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

			logger.Info("服务运行中，按 Ctrl+C 停止...")
			<-sigChan

			logger.Info("收到停止信号，正在关闭...")
			err = Shutdown(apiServer.Stop, func() error {
				scheduleManager.Stop()
				return nil
			})
			if err != nil {
				logger.Errorf("关闭时出错: %v", err)
			}
		},
	}
)

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().IntVarP(&apiPort, "port", "p", 8080, "HTTP 接口端口，覆盖配置")
}
