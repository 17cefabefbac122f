package schedule

import (
	"speedprobe/internal/storage"
	"time"
)

// TimeLayout 任务时间的存储格式
const TimeLayout = "2006-01-02 15:04:05"

// Task 定时测速任务
type Task struct {
	ID          string            `json:"id"`           // 任务ID
	Name        string            `json:"name"`         // 任务名称
	Enabled     bool              `json:"enabled"`      // 是否启用
	Cron        string            `json:"cron"`         // Cron 表达式 (如: "0 18 * * *" 每天18点)
	Tests       []string          `json:"tests"`        // 测速项目，为空表示全部
	WebhookURL  string            `json:"webhook_url"`  // Webhook 回调地址
	WebhookData map[string]string `json:"webhook_data"` // Webhook 自定义数据 (会附加到通知中)
	CreatedAt   time.Time         `json:"created_at"`   // 创建时间
	UpdatedAt   time.Time         `json:"updated_at"`   // 更新时间
	LastRunAt   *time.Time        `json:"last_run_at"`  // 上次执行时间
	LastResult  string            `json:"last_result"`  // 上次执行结果
}

// TaskResult 任务执行结果
type TaskResult struct {
	TaskID      string                `json:"task_id"`
	TaskName    string                `json:"task_name"`
	Success     bool                  `json:"success"`
	Message     string                `json:"message"`
	Result      *storage.HistoryEntry `json:"result,omitempty"`
	ExecutedAt  time.Time             `json:"executed_at"`
	WebhookSent bool                  `json:"webhook_sent"`
}

// FromStorage 转换存储任务到调度任务
func FromStorage(st *storage.ScheduleTask) *Task {
	task := &Task{
		ID:          st.ID,
		Name:        st.Name,
		Enabled:     st.Enabled,
		Cron:        st.Cron,
		Tests:       st.Tests,
		WebhookURL:  st.WebhookURL,
		WebhookData: st.WebhookData,
		LastResult:  st.LastResult,
	}

	task.CreatedAt = parseTime(st.CreatedAt)
	task.UpdatedAt = parseTime(st.UpdatedAt)
	if st.LastRunAt != nil {
		t := parseTime(*st.LastRunAt)
		task.LastRunAt = &t
	}
	return task
}

// ToStorage 转换调度任务到存储任务
func (t *Task) ToStorage() *storage.ScheduleTask {
	st := &storage.ScheduleTask{
		ID:          t.ID,
		Name:        t.Name,
		Enabled:     t.Enabled,
		Cron:        t.Cron,
		Tests:       t.Tests,
		WebhookURL:  t.WebhookURL,
		WebhookData: t.WebhookData,
		CreatedAt:   t.CreatedAt.Format(TimeLayout),
		UpdatedAt:   t.UpdatedAt.Format(TimeLayout),
		LastResult:  t.LastResult,
	}
	if t.LastRunAt != nil {
		s := t.LastRunAt.Format(TimeLayout)
		st.LastRunAt = &s
	}
	return st
}

// parseTime sqlite 可能返回 RFC3339 格式
func parseTime(s string) time.Time {
	for _, layout := range []string{TimeLayout, time.RFC3339Nano} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t
		}
	}
	return time.Time{}
}
