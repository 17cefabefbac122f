package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Storage SQLite 存储管理器
type Storage struct {
	db *sql.DB
	mu sync.RWMutex
}

var (
	instance *Storage
	once     sync.Once
)

// GetStorage 获取存储单例
func GetStorage() *Storage {
	return instance
}

// Init 初始化全局 SQLite 存储
func Init(dbPath string) (*Storage, error) {
	var err error
	once.Do(func() {
		instance, err = Open(dbPath)
	})
	if err != nil {
		return nil, err
	}
	return instance, nil
}

// Open 打开（或创建）数据库并建表
func Open(dbPath string) (*Storage, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("创建数据目录失败: %w", err)
		}
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("初始化 SQLite 失败: %w", err)
	}
	// sqlite 单写者
	db.SetMaxOpenConns(1)

	// 测试连接
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("初始化 SQLite 失败: %w", err)
	}

	s := &Storage{db: db}
	if err := s.createTables(); err != nil {
		db.Close()
		return nil, fmt.Errorf("创建数据表失败: %w", err)
	}
	return s, nil
}

// createTables 创建数据库表
func (s *Storage) createTables() error {
	schema := `
	CREATE TABLE IF NOT EXISTS history (
		id TEXT PRIMARY KEY,
		date TEXT NOT NULL,
		download_speed INTEGER NOT NULL DEFAULT 0,
		upload_speed INTEGER NOT NULL DEFAULT 0,
		ping REAL NOT NULL DEFAULT 0,
		source TEXT NOT NULL DEFAULT 'manual'
	);

	CREATE INDEX IF NOT EXISTS idx_history_date ON history(date);

	CREATE TABLE IF NOT EXISTS schedule_tasks (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		enabled INTEGER DEFAULT 1,
		cron TEXT NOT NULL,
		tests TEXT NOT NULL,
		webhook_url TEXT,
		webhook_data TEXT,
		created_at TEXT DEFAULT CURRENT_TIMESTAMP,
		updated_at TEXT DEFAULT CURRENT_TIMESTAMP,
		last_run_at TEXT,
		last_result TEXT
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close 关闭数据库连接
func (s *Storage) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// HistoryEntry 一次完整测速的结果
type HistoryEntry struct {
	ID            string    `json:"id"`
	Date          time.Time `json:"date"`
	DownloadSpeed int64     `json:"downloadSpeed"` // bit/s
	UploadSpeed   int64     `json:"uploadSpeed"`   // bit/s
	Ping          float64   `json:"ping"`          // 毫秒
	Source        string    `json:"source"`        // manual / schedule:<任务ID>
}

// 定宽格式，按文本排序即按时间排序
const dateLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SaveHistory 保存测速结果
func (s *Storage) SaveHistory(entry *HistoryEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		INSERT INTO history (id, date, download_speed, upload_speed, ping, source)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entry.ID, entry.Date.UTC().Format(dateLayout), entry.DownloadSpeed, entry.UploadSpeed, entry.Ping, entry.Source)
	if err != nil {
		return fmt.Errorf("保存测速记录失败: %w", err)
	}
	return nil
}

// ListHistory 按时间倒序返回测速记录，limit <= 0 表示全部
func (s *Storage) ListHistory(limit int) ([]*HistoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	query := `SELECT id, date, download_speed, upload_speed, ping, source FROM history ORDER BY date DESC, rowid DESC`
	args := []interface{}{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("查询测速记录失败: %w", err)
	}
	defer rows.Close()

	entries := []*HistoryEntry{}
	for rows.Next() {
		var entry HistoryEntry
		var date string
		if err := rows.Scan(&entry.ID, &date, &entry.DownloadSpeed, &entry.UploadSpeed, &entry.Ping, &entry.Source); err != nil {
			return nil, fmt.Errorf("读取测速记录失败: %w", err)
		}
		entry.Date, _ = time.Parse(dateLayout, date)
		entries = append(entries, &entry)
	}
	return entries, rows.Err()
}

// LatestHistory 返回最新一条记录，没有记录时返回 nil
func (s *Storage) LatestHistory() (*HistoryEntry, error) {
	entries, err := s.ListHistory(1)
	if err != nil || len(entries) == 0 {
		return nil, err
	}
	return entries[0], nil
}

// ClearHistory 清空测速记录
func (s *Storage) ClearHistory() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.Exec(`DELETE FROM history`); err != nil {
		return fmt.Errorf("清空测速记录失败: %w", err)
	}
	return nil
}

// ScheduleTask 定时任务结构（存储用）
type ScheduleTask struct {
	ID          string            `json:"id"`
	Name        string            `json:"name"`
	Enabled     bool              `json:"enabled"`
	Cron        string            `json:"cron"`
	Tests       []string          `json:"tests"`
	WebhookURL  string            `json:"webhook_url"`
	WebhookData map[string]string `json:"webhook_data"`
	CreatedAt   string            `json:"created_at"`
	UpdatedAt   string            `json:"updated_at"`
	LastRunAt   *string           `json:"last_run_at"`
	LastResult  string            `json:"last_result"`
}

const taskColumns = `id, name, enabled, cron, tests, webhook_url, webhook_data, created_at, updated_at, last_run_at, last_result`

// SaveScheduleTask 保存定时任务
func (s *Storage) SaveScheduleTask(task *ScheduleTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	webhookData := ""
	if task.WebhookData != nil {
		data, _ := json.Marshal(task.WebhookData)
		webhookData = string(data)
	}

	_, err := s.db.Exec(`
		INSERT OR REPLACE INTO schedule_tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.Name, task.Enabled, task.Cron, strings.Join(task.Tests, ","),
		task.WebhookURL, webhookData, task.CreatedAt, task.UpdatedAt, task.LastRunAt, task.LastResult)

	if err != nil {
		return fmt.Errorf("保存定时任务失败: %w", err)
	}

	return nil
}

// GetScheduleTask 获取单个定时任务，不存在时返回 nil
func (s *Storage) GetScheduleTask(id string) (*ScheduleTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM schedule_tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("查询定时任务失败: %w", err)
	}
	return task, nil
}

// GetAllScheduleTasks 获取所有定时任务
func (s *Storage) GetAllScheduleTasks() ([]*ScheduleTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(`SELECT ` + taskColumns + ` FROM schedule_tasks ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("查询定时任务列表失败: %w", err)
	}
	defer rows.Close()

	var tasks []*ScheduleTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("读取定时任务失败: %w", err)
		}
		tasks = append(tasks, task)
	}

	return tasks, rows.Err()
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(row scanner) (*ScheduleTask, error) {
	var task ScheduleTask
	var enabled int
	var tests string
	var webhookURL, webhookData, lastResult sql.NullString
	var lastRunAt sql.NullString

	err := row.Scan(&task.ID, &task.Name, &enabled, &task.Cron, &tests,
		&webhookURL, &webhookData, &task.CreatedAt, &task.UpdatedAt, &lastRunAt, &lastResult)
	if err != nil {
		return nil, err
	}

	task.Enabled = enabled == 1
	task.WebhookURL = webhookURL.String
	task.LastResult = lastResult.String
	if tests != "" {
		task.Tests = strings.Split(tests, ",")
	}
	if webhookData.String != "" {
		_ = json.Unmarshal([]byte(webhookData.String), &task.WebhookData)
	}
	if lastRunAt.Valid {
		task.LastRunAt = &lastRunAt.String
	}
	return &task, nil
}

// DeleteScheduleTask 删除定时任务
func (s *Storage) DeleteScheduleTask(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	result, err := s.db.Exec(`DELETE FROM schedule_tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("删除定时任务失败: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		return fmt.Errorf("任务不存在: %s", id)
	}

	return nil
}

// UpdateScheduleTaskStatus 更新任务执行状态
func (s *Storage) UpdateScheduleTaskStatus(id string, lastRunAt string, lastResult string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(`
		UPDATE schedule_tasks SET last_run_at = ?, last_result = ?
		WHERE id = ?
	`, lastRunAt, lastResult, id)

	if err != nil {
		return fmt.Errorf("更新任务状态失败: %w", err)
	}

	return nil
}
