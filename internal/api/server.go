package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"speedprobe/internal/config"
	"speedprobe/internal/logger"
	"speedprobe/internal/probe"
	"speedprobe/internal/schedule"
	"speedprobe/internal/session"
	"speedprobe/internal/storage"
	"speedprobe/internal/webhook"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// Exporter 历史记录导出
type Exporter interface {
	Export(ctx context.Context, entries []*storage.HistoryEntry) (string, error)
}

// ServerSource 候选服务器来源
type ServerSource interface {
	Servers(ctx context.Context) []probe.Endpoint
}

// Server Web API 服务器
type Server struct {
	cfg             *config.Config
	session         *session.Session
	store           *storage.Storage
	catalog         ServerSource
	scheduleManager *schedule.Manager
	exporter        Exporter // 未配置时为 nil
	router          *mux.Router
	server          *http.Server

	// 后台测速使用的根 context，Stop 时取消
	baseCtx context.Context
	cancel  context.CancelFunc
}

// Deps API 依赖
type Deps struct {
	Config          *config.Config
	Session         *session.Session
	Store           *storage.Storage
	Catalog         ServerSource
	ScheduleManager *schedule.Manager
	Exporter        Exporter
}

// NewServer 创建 API 服务器
func NewServer(deps Deps) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:             deps.Config,
		session:         deps.Session,
		store:           deps.Store,
		catalog:         deps.Catalog,
		scheduleManager: deps.ScheduleManager,
		exporter:        deps.Exporter,
		router:          mux.NewRouter(),
		baseCtx:         ctx,
		cancel:          cancel,
	}

	// 注册路由
	s.registerRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", deps.Config.API.Port),
		Handler:      s.router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	return s
}

// Handler 返回路由，便于测试
func (s *Server) Handler() http.Handler {
	return s.router
}

// registerRoutes 注册路由
func (s *Server) registerRoutes() {
	// 启用 CORS
	s.router.Use(corsMiddleware)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/test", s.handleStartTest).Methods("POST")
	api.HandleFunc("/status", s.handleGetStatus).Methods("GET")
	api.HandleFunc("/reset", s.handleReset).Methods("POST")
	api.HandleFunc("/servers", s.handleGetServers).Methods("GET")
	api.HandleFunc("/history", s.handleGetHistory).Methods("GET")
	api.HandleFunc("/history", s.handleClearHistory).Methods("DELETE")
	api.HandleFunc("/history/latest", s.handleGetLatest).Methods("GET")
	api.HandleFunc("/history/export", s.handleExportHistory).Methods("POST")
	api.HandleFunc("/logs", s.handleGetLogs).Methods("GET")
	api.HandleFunc("/logs/clear", s.handleClearLogs).Methods("POST")

	// 定时任务路由
	api.HandleFunc("/schedules", s.handleGetSchedules).Methods("GET")
	api.HandleFunc("/schedules", s.handleCreateSchedule).Methods("POST")
	api.HandleFunc("/schedules/{id}", s.handleGetSchedule).Methods("GET")
	api.HandleFunc("/schedules/{id}", s.handleUpdateSchedule).Methods("PUT")
	api.HandleFunc("/schedules/{id}", s.handleDeleteSchedule).Methods("DELETE")
	api.HandleFunc("/schedules/{id}/run", s.handleRunSchedule).Methods("POST")
	api.HandleFunc("/schedules/{id}/enable", s.handleToggleSchedule(true)).Methods("POST")
	api.HandleFunc("/schedules/{id}/disable", s.handleToggleSchedule(false)).Methods("POST")

	// Webhook 测试路由
	api.HandleFunc("/webhook/test", s.handleTestWebhook).Methods("POST")
}

// Start 启动 API 服务器
func (s *Server) Start() error {
	logger.Infof("[API] HTTP 接口启动: http://localhost%s", s.server.Addr)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("[API] 服务器错误: %v", err)
		}
	}()
	return nil
}

// Stop 停止 API 服务器
func (s *Server) Stop() error {
	logger.Info("[API] 正在停止 Web 服务器...")
	s.cancel()
	return s.server.Close()
}

// corsMiddleware CORS 中间件
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// respondSuccess 成功响应
func respondSuccess(w http.ResponseWriter, message string, data interface{}) {
	respondJSON(w, http.StatusOK, message, data)
}

func respondJSON(w http.ResponseWriter, code int, message string, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": true,
		"message": message,
		"data":    data,
	})
}

// respondError 错误响应
func respondError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"message": message,
	})
}

// ========== 测速 API ==========

// TestRequest 发起测速请求，所有字段可选
type TestRequest struct {
	Tests           []string         `json:"tests"`
	MaxDurationMs   int              `json:"maxDuration"`
	DownloadServers []probe.Endpoint `json:"downloadServers"`
	UploadServers   []probe.Endpoint `json:"uploadServers"`
	LatencyIP       string           `json:"latencyIp"`
	LatencyDomain   string           `json:"latencyDomain"`
}

// handleStartTest 后台发起一次测速，进度通过 /api/status 查询
func (s *Server) handleStartTest(w http.ResponseWriter, r *http.Request) {
	var req TestRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			respondError(w, "无效的 JSON 格式", http.StatusBadRequest)
			return
		}
	}

	tests, err := session.ParseTests(req.Tests)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.MaxDurationMs < 0 {
		respondError(w, "maxDuration 不能为负数", http.StatusBadRequest)
		return
	}

	done, err := s.session.Launch(s.baseCtx, session.Options{
		Tests:           tests,
		MaxDuration:     time.Duration(req.MaxDurationMs) * time.Millisecond,
		DownloadServers: req.DownloadServers,
		UploadServers:   req.UploadServers,
		LatencyIP:       req.LatencyIP,
		LatencyDomain:   req.LatencyDomain,
	})
	if errors.Is(err, session.ErrBusy) {
		respondError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	go func() {
		if out := <-done; out.Err != nil {
			logger.Warnf("[API] 测速失败: %v", out.Err)
		}
	}()

	respondJSON(w, http.StatusAccepted, "测速已开始", s.session.State())
}

// handleGetStatus 实时状态与最新结果
func (s *Server) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	latest, err := s.store.LatestHistory()
	if err != nil {
		respondError(w, fmt.Sprintf("查询最新结果失败: %v", err), http.StatusInternalServerError)
		return
	}

	st := s.session.State()
	respondSuccess(w, "获取状态成功", map[string]interface{}{
		"status":       st.Status,
		"startedAt":    st.StartedAt,
		"current":      st.Current,
		"latestResult": latest,
		"schedules":    s.scheduleCount(),
		"timestamp":    time.Now().Unix(),
	})
}

func (s *Server) scheduleCount() int {
	if s.scheduleManager == nil {
		return 0
	}
	return s.scheduleManager.GetTaskCount()
}

// handleReset 清除实时状态
func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	if err := s.session.Reset(); err != nil {
		respondError(w, err.Error(), http.StatusConflict)
		return
	}
	respondSuccess(w, "已重置", nil)
}

// handleGetServers 当前可用的测速服务器
func (s *Server) handleGetServers(w http.ResponseWriter, r *http.Request) {
	respondSuccess(w, "获取成功", s.catalog.Servers(r.Context()))
}

// handleGetHistory 测速记录，最新的在前
func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			respondError(w, "limit 参数无效", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.store.ListHistory(limit)
	if err != nil {
		respondError(w, fmt.Sprintf("查询失败: %v", err), http.StatusInternalServerError)
		return
	}
	respondSuccess(w, "获取成功", entries)
}

// handleGetLatest 最新一条测速记录
func (s *Server) handleGetLatest(w http.ResponseWriter, r *http.Request) {
	latest, err := s.store.LatestHistory()
	if err != nil {
		respondError(w, fmt.Sprintf("查询失败: %v", err), http.StatusInternalServerError)
		return
	}
	respondSuccess(w, "获取成功", latest)
}

// handleClearHistory 清空测速记录
func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := s.store.ClearHistory(); err != nil {
		respondError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	logger.Info("[API] 测速记录已清空")
	respondSuccess(w, "清空成功", nil)
}

// handleExportHistory 导出测速记录到 S3
func (s *Server) handleExportHistory(w http.ResponseWriter, r *http.Request) {
	if s.exporter == nil {
		respondError(w, "未配置导出存储", http.StatusServiceUnavailable)
		return
	}

	entries, err := s.store.ListHistory(0)
	if err != nil {
		respondError(w, fmt.Sprintf("查询失败: %v", err), http.StatusInternalServerError)
		return
	}

	key, err := s.exporter.Export(r.Context(), entries)
	if err != nil {
		respondError(w, err.Error(), http.StatusBadGateway)
		return
	}
	respondSuccess(w, "导出成功", map[string]interface{}{"key": key, "count": len(entries)})
}

// handleGetLogs 获取内存日志
func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	lines := 100 // 默认返回最后100行
	if v := r.URL.Query().Get("lines"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			lines = n
		}
	}

	// 从内存缓冲区获取日志
	buffer := logger.GetBuffer()
	if buffer == nil {
		respondError(w, "日志缓冲区未初始化", http.StatusInternalServerError)
		return
	}

	logs := buffer.GetLogs(lines)
	respondSuccess(w, "获取日志成功", map[string]interface{}{
		"entries": logs,
		"count":   len(logs),
		"lines":   lines,
	})
}

// handleClearLogs 清空内存日志
func (s *Server) handleClearLogs(w http.ResponseWriter, r *http.Request) {
	buffer := logger.GetBuffer()
	if buffer == nil {
		respondError(w, "日志缓冲区未初始化", http.StatusInternalServerError)
		return
	}

	buffer.Clear()
	logger.Info("[API] 内存日志已清空")
	respondSuccess(w, "日志清理成功", nil)
}

// ========== 定时任务 API ==========

// ScheduleTaskRequest 定时任务请求结构
type ScheduleTaskRequest struct {
	Name        string            `json:"name"`
	Enabled     bool              `json:"enabled"`
	Cron        string            `json:"cron"`
	Tests       []string          `json:"tests"`
	WebhookURL  string            `json:"webhook_url"`
	WebhookData map[string]string `json:"webhook_data"`
}

func (req *ScheduleTaskRequest) validate() error {
	if req.Name == "" {
		return errors.New("任务名称不能为空")
	}
	if req.Cron == "" {
		return errors.New("Cron 表达式不能为空")
	}
	_, err := session.ParseTests(req.Tests)
	return err
}

// handleGetSchedules 获取所有定时任务
func (s *Server) handleGetSchedules(w http.ResponseWriter, r *http.Request) {
	tasks, err := s.store.GetAllScheduleTasks()
	if err != nil {
		respondError(w, fmt.Sprintf("获取任务列表失败: %v", err), http.StatusInternalServerError)
		return
	}

	respondSuccess(w, "获取成功", tasks)
}

// handleCreateSchedule 创建定时任务
func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req ScheduleTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "无效的 JSON 格式", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	now := time.Now()
	task := &schedule.Task{
		ID:          uuid.New().String(),
		Name:        req.Name,
		Enabled:     req.Enabled,
		Cron:        req.Cron,
		Tests:       req.Tests,
		WebhookURL:  req.WebhookURL,
		WebhookData: req.WebhookData,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	// 先加入调度器，cron 表达式无效时直接拒绝
	if err := s.scheduleManager.AddTask(task); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	// 保存到数据库
	if err := s.store.SaveScheduleTask(task.ToStorage()); err != nil {
		s.scheduleManager.RemoveTask(task.ID)
		respondError(w, fmt.Sprintf("保存任务失败: %v", err), http.StatusInternalServerError)
		return
	}

	logger.Infof("[API] 创建定时任务: %s (%s)", task.Name, task.ID)
	respondSuccess(w, "创建成功", task)
}

// handleGetSchedule 获取单个定时任务
func (s *Server) handleGetSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	task, err := s.store.GetScheduleTask(id)
	if err != nil {
		respondError(w, fmt.Sprintf("查询失败: %v", err), http.StatusInternalServerError)
		return
	}
	if task == nil {
		respondError(w, "任务不存在", http.StatusNotFound)
		return
	}

	respondSuccess(w, "获取成功", task)
}

// handleUpdateSchedule 更新定时任务
func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	var req ScheduleTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "无效的 JSON 格式", http.StatusBadRequest)
		return
	}
	if err := req.validate(); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}

	existing, err := s.store.GetScheduleTask(id)
	if err != nil {
		respondError(w, fmt.Sprintf("查询失败: %v", err), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		respondError(w, "任务不存在", http.StatusNotFound)
		return
	}

	// 更新字段
	task := schedule.FromStorage(existing)
	task.Name = req.Name
	task.Enabled = req.Enabled
	task.Cron = req.Cron
	task.Tests = req.Tests
	task.WebhookURL = req.WebhookURL
	task.WebhookData = req.WebhookData
	task.UpdatedAt = time.Now()

	// AddTask 会自动替换已存在的任务
	if err := s.scheduleManager.AddTask(task); err != nil {
		respondError(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.store.SaveScheduleTask(task.ToStorage()); err != nil {
		respondError(w, fmt.Sprintf("保存失败: %v", err), http.StatusInternalServerError)
		return
	}

	logger.Infof("[API] 更新定时任务: %s (%s)", task.Name, task.ID)
	respondSuccess(w, "更新成功", task)
}

// handleDeleteSchedule 删除定时任务
func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	if err := s.store.DeleteScheduleTask(id); err != nil {
		respondError(w, fmt.Sprintf("删除失败: %v", err), http.StatusNotFound)
		return
	}

	// 从调度器移除
	if err := s.scheduleManager.RemoveTask(id); err != nil {
		logger.Warnf("[API] %v", err)
	}

	logger.Infof("[API] 删除定时任务: %s", id)
	respondSuccess(w, "删除成功", nil)
}

// handleRunSchedule 立即执行任务
func (s *Server) handleRunSchedule(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	result, err := s.scheduleManager.RunTaskNow(s.baseCtx, id)
	if err != nil {
		respondError(w, fmt.Sprintf("执行失败: %v", err), http.StatusNotFound)
		return
	}

	respondSuccess(w, "执行完成", result)
}

// handleToggleSchedule 启用/禁用任务
func (s *Server) handleToggleSchedule(enabled bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		st, err := s.store.GetScheduleTask(id)
		if err != nil || st == nil {
			respondError(w, "任务不存在", http.StatusNotFound)
			return
		}

		if err := s.scheduleManager.SetEnabled(id, enabled); err != nil {
			respondError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		st.Enabled = enabled
		st.UpdatedAt = time.Now().Format(schedule.TimeLayout)
		if err := s.store.SaveScheduleTask(st); err != nil {
			respondError(w, err.Error(), http.StatusInternalServerError)
			return
		}

		if enabled {
			respondSuccess(w, "已启用", nil)
		} else {
			respondSuccess(w, "已禁用", nil)
		}
	}
}

// handleTestWebhook 测试 Webhook 发送
func (s *Server) handleTestWebhook(w http.ResponseWriter, r *http.Request) {
	var req config.WebhookConfig
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, "无效的请求: "+err.Error(), http.StatusBadRequest)
		return
	}

	if req.URL == "" {
		respondError(w, "Webhook URL 不能为空", http.StatusBadRequest)
		return
	}
	req.Retry = 0

	err := webhook.NewClient(req).Send(r.Context(), &webhook.Notification{
		Event:   webhook.EventFinished,
		Source:  "test",
		Message: "这是一条 Webhook 测试消息",
	})
	if err != nil {
		respondError(w, "发送失败: "+err.Error(), http.StatusBadGateway)
		return
	}

	respondSuccess(w, "发送成功", nil)
}
