package schedule

import (
	"context"
	"errors"
	"fmt"
	"speedprobe/internal/logger"
	"speedprobe/internal/session"
	"speedprobe/internal/storage"
	"speedprobe/internal/webhook"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Runner 执行一次测速
type Runner interface {
	Start(ctx context.Context, opts session.Options) (*storage.HistoryEntry, error)
}

// Notifier 向任务自己的回调地址发送通知
type Notifier interface {
	SendTo(ctx context.Context, url string, n *webhook.Notification) error
}

// Manager 定时任务管理器
type Manager struct {
	cron      *cron.Cron
	tasks     map[string]*Task        // 任务列表
	cronIDs   map[string]cron.EntryID // 任务ID -> cron EntryID 映射
	mu        sync.RWMutex
	isRunning bool

	runner   Runner
	notifier Notifier

	// 任务变更回调（用于持久化）
	onTaskUpdate func(task *Task) error
}

// NewManager 创建定时任务管理器
func NewManager(runner Runner, notifier Notifier) *Manager {
	return &Manager{
		cron:     cron.New(),
		tasks:    make(map[string]*Task),
		cronIDs:  make(map[string]cron.EntryID),
		runner:   runner,
		notifier: notifier,
	}
}

// SetTaskUpdateCallback 设置任务更新回调
func (m *Manager) SetTaskUpdateCallback(callback func(task *Task) error) {
	m.onTaskUpdate = callback
}

// LoadTasks 从存储加载全部任务
func (m *Manager) LoadTasks(tasks []*storage.ScheduleTask) {
	for _, st := range tasks {
		if err := m.AddTask(FromStorage(st)); err != nil {
			logger.Warnf("[Schedule] 加载任务失败 %s: %v", st.ID, err)
		}
	}
}

// Start 启动调度器
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.isRunning {
		return
	}

	m.cron.Start()
	m.isRunning = true
	logger.Info("[Schedule] 定时任务调度器已启动")
}

// Stop 停止调度器，等待正在执行的任务结束
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.isRunning {
		m.mu.Unlock()
		return
	}
	m.isRunning = false
	m.mu.Unlock()

	<-m.cron.Stop().Done()
	logger.Info("[Schedule] 定时任务调度器已停止")
}

// AddTask 添加任务，已存在时替换
func (m *Manager) AddTask(task *Task) error {
	if _, err := cron.ParseStandard(task.Cron); err != nil {
		return fmt.Errorf("无效的 cron 表达式: %w", err)
	}
	if _, err := session.ParseTests(task.Tests); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	// 如果任务已存在，先移除
	if oldID, exists := m.cronIDs[task.ID]; exists {
		m.cron.Remove(oldID)
		delete(m.cronIDs, task.ID)
	}

	if task.Enabled {
		if err := m.schedule(task); err != nil {
			return err
		}
	}

	m.tasks[task.ID] = task
	logger.Infof("[Schedule] 任务已添加: %s (%s) - %s", task.Name, task.ID, task.Cron)

	return nil
}

// schedule 调用方持有锁
func (m *Manager) schedule(task *Task) error {
	id := task.ID
	entryID, err := m.cron.AddFunc(task.Cron, func() {
		m.executeTask(id)
	})
	if err != nil {
		return fmt.Errorf("添加 cron 任务失败: %w", err)
	}
	m.cronIDs[id] = entryID
	return nil
}

// RemoveTask 移除任务
func (m *Manager) RemoveTask(taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if entryID, exists := m.cronIDs[taskID]; exists {
		m.cron.Remove(entryID)
		delete(m.cronIDs, taskID)
	}

	if _, exists := m.tasks[taskID]; !exists {
		return fmt.Errorf("任务不存在: %s", taskID)
	}

	delete(m.tasks, taskID)
	logger.Infof("[Schedule] 任务已移除: %s", taskID)

	return nil
}

// GetTask 获取任务
func (m *Manager) GetTask(taskID string) (*Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	task, exists := m.tasks[taskID]
	return task, exists
}

// GetAllTasks 获取所有任务
func (m *Manager) GetAllTasks() []*Task {
	m.mu.RLock()
	defer m.mu.RUnlock()

	tasks := make([]*Task, 0, len(m.tasks))
	for _, task := range m.tasks {
		tasks = append(tasks, task)
	}
	return tasks
}

// SetEnabled 启用或禁用任务
func (m *Manager) SetEnabled(taskID string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	task, exists := m.tasks[taskID]
	if !exists {
		return fmt.Errorf("任务不存在: %s", taskID)
	}
	if task.Enabled == enabled {
		return nil
	}

	if enabled {
		if err := m.schedule(task); err != nil {
			return fmt.Errorf("启用任务失败: %w", err)
		}
		logger.Infof("[Schedule] 任务已启用: %s", task.Name)
	} else {
		if entryID, exists := m.cronIDs[taskID]; exists {
			m.cron.Remove(entryID)
			delete(m.cronIDs, taskID)
		}
		logger.Infof("[Schedule] 任务已禁用: %s", task.Name)
	}

	task.Enabled = enabled
	task.UpdatedAt = time.Now()
	return nil
}

// executeTask cron 触发
func (m *Manager) executeTask(taskID string) {
	m.mu.RLock()
	task, exists := m.tasks[taskID]
	enabled := exists && task.Enabled
	m.mu.RUnlock()

	if !enabled {
		return
	}

	logger.Infof("[Schedule] 开始执行任务: %s (%s)", task.Name, taskID)
	m.run(context.Background(), task, "")
}

// RunTaskNow 立即执行任务（手动触发）
func (m *Manager) RunTaskNow(ctx context.Context, taskID string) (*TaskResult, error) {
	m.mu.RLock()
	task, exists := m.tasks[taskID]
	m.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("任务不存在: %s", taskID)
	}

	logger.Infof("[Schedule] 手动执行任务: %s", task.Name)
	return m.run(ctx, task, " (手动执行)"), nil
}

func (m *Manager) run(ctx context.Context, task *Task, suffix string) *TaskResult {
	tests, _ := session.ParseTests(task.Tests)
	source := "schedule:" + task.ID

	// 任务配置了自己的 Webhook 时由任务负责通知，避免重复推送
	entry, err := m.runner.Start(ctx, session.Options{
		Tests:      tests,
		Source:     source,
		SkipNotify: task.WebhookURL != "",
	})

	now := time.Now()
	result := &TaskResult{
		TaskID:     task.ID,
		TaskName:   task.Name,
		Success:    err == nil,
		Result:     entry,
		ExecutedAt: now,
	}

	notification := &webhook.Notification{Source: source, CustomData: task.WebhookData}
	switch {
	case errors.Is(err, session.ErrBusy):
		result.Message = "跳过: " + err.Error()
	case err != nil:
		result.Message = "失败: " + err.Error()
		notification.Event = webhook.EventFailed
		notification.Error = err.Error()
	default:
		result.Message = fmt.Sprintf("下载 %d bit/s, 上传 %d bit/s, 延迟 %.1f ms", entry.DownloadSpeed, entry.UploadSpeed, entry.Ping)
		notification.Event = webhook.EventFinished
		notification.ID = entry.ID
		notification.DownloadSpeed = entry.DownloadSpeed
		notification.UploadSpeed = entry.UploadSpeed
		notification.Ping = entry.Ping
	}

	// 更新任务状态
	m.mu.Lock()
	task.LastRunAt = &now
	task.LastResult = result.Message + suffix
	m.mu.Unlock()

	// 发送 Webhook 通知（跳过的执行不通知）
	if task.WebhookURL != "" && notification.Event != "" && m.notifier != nil {
		if err := m.notifier.SendTo(ctx, task.WebhookURL, notification); err != nil {
			logger.Errorf("[Schedule] 发送 Webhook 失败: %v", err)
		} else {
			result.WebhookSent = true
		}
	}

	// 回调更新（持久化）
	if m.onTaskUpdate != nil {
		if err := m.onTaskUpdate(task); err != nil {
			logger.Errorf("[Schedule] 更新任务状态失败: %v", err)
		}
	}

	if result.Success {
		logger.Infof("[Schedule] 任务执行完成: %s - %s", task.Name, result.Message)
	} else {
		logger.Warnf("[Schedule] 任务执行完成: %s - %s", task.Name, result.Message)
	}
	return result
}

// IsRunning 检查是否在运行
func (m *Manager) IsRunning() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.isRunning
}

// GetTaskCount 获取任务数量
func (m *Manager) GetTaskCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.tasks)
}
