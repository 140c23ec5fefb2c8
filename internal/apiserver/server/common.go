// Package server API Server 路由与基础设施
//
// 文件组织：
//   - common.go:  Handler 定义、健康检查、JSON 工具函数
//   - handler.go: 路由与中间件
//   - metrics.go: Prometheus 指标
//
// 业务接口在各领域子包中实现（job/）。
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"bench-runner/internal/apiserver/job"
	"bench-runner/internal/shared/eventbus"
	"bench-runner/internal/shared/queue"
)

// healthTimeout 健康检查中依赖探测的超时
const healthTimeout = 2 * time.Second

// Pinger 可探测连通性的依赖
type Pinger interface {
	Ping(ctx context.Context) error
}

// QueueStats 队列统计（健康检查附带输出）
type QueueStats interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// Deps Handler 依赖
type Deps struct {
	Submitter job.Submitter
	Store     job.Store
	Events    eventbus.JobEventReader // 可为 nil
	Queue     QueueStats              // 可为 nil
	DB        Pinger                  // 可为 nil
	Registry  prometheus.Registerer   // nil 时使用默认注册表
	Gatherer  prometheus.Gatherer     // nil 时使用默认注册表
}

// Handler API 处理器
//
// Handler 是所有 HTTP API 的入口，负责：
//   - 路由请求到对应的领域处理器
//   - 健康检查与指标导出
type Handler struct {
	deps    Deps
	jobs    *job.Handler
	metrics *Metrics
}

// NewHandler 创建 Handler 实例
func NewHandler(deps Deps) *Handler {
	reg := deps.Registry
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}
	h := &Handler{deps: deps, metrics: NewMetrics(reg)}
	h.jobs = job.NewHandler(deps.Submitter, deps.Store, deps.Events, h.metrics)
	return h
}

// GetMetrics 返回指标实例
func (h *Handler) GetMetrics() *Metrics {
	return h.metrics
}

// writeJSON 将数据以 JSON 格式写入 HTTP 响应
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// Health 健康检查接口
//
// 路由: GET /health
//
// 数据库不可达时返回 503；队列统计只作为附加信息，失败不影响状态。
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	resp := map[string]interface{}{"status": "ok"}
	status := http.StatusOK

	if h.deps.DB != nil {
		if err := h.deps.DB.Ping(ctx); err != nil {
			resp["status"] = "degraded"
			resp["database"] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			resp["database"] = "ok"
		}
	}
	if h.deps.Queue != nil {
		if stats, err := h.deps.Queue.Stats(ctx); err == nil {
			resp["queue"] = stats
		}
	}
	writeJSON(w, status, resp)
}
