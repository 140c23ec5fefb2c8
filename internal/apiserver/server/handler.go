package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Router 返回配置好的 HTTP 路由
//
// 路由规则：
//
// 健康检查与指标:
//   - GET /health
//   - GET /metrics
//
// Job:
//   - POST /api/v1/jobs               - 提交 Job（N 次执行）
//   - GET  /api/v1/jobs               - 列出 Job
//   - GET  /api/v1/jobs/{id}          - Job 详情（含全部 Run）
//   - GET  /api/v1/jobs/{id}/runs     - 列出 Job 的 Run
//   - GET  /api/v1/jobs/{id}/events   - Job 生命周期事件
//   - GET  /api/v1/jobs/{id}/events/stream - 事件实时推送（SSE）
func (h *Handler) Router() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", h.Health)
	mux.Handle("GET /metrics", promhttp.HandlerFor(h.deps.Gatherer, promhttp.HandlerOpts{}))

	h.jobs.RegisterRoutes(mux)

	return corsMiddleware(h.metrics.MetricsMiddleware(mux))
}

// corsMiddleware 添加 CORS 头支持跨域请求
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
