// Package job Job 提交与查询 - HTTP 处理
package job

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"

	"bench-runner/internal/dispatcher"
	"bench-runner/internal/shared/apperr"
	"bench-runner/internal/shared/eventbus"
	"bench-runner/internal/shared/model"
)

const (
	defaultListLimit  = 20
	maxListLimit      = 100
	defaultEventCount = 100
	maxEventCount     = 1000
)

// Submitter 提交入口（dispatcher.Dispatcher）
type Submitter interface {
	Submit(ctx context.Context, req dispatcher.SubmitRequest) (*model.Job, error)
}

// Store 查询接口需要的存储能力
type Store interface {
	GetJob(ctx context.Context, id string) (*model.Job, error)
	ListJobs(ctx context.Context, limit, offset int) ([]*model.Job, error)
	ListRunsByJob(ctx context.Context, jobID string) ([]*model.Run, error)
}

// SubmitRecorder 记录提交指标，可为 nil
type SubmitRecorder interface {
	RecordJobSubmitted(harness string, runs int)
}

// Handler Job HTTP 处理器
type Handler struct {
	submitter Submitter
	store     Store
	events    eventbus.JobEventReader
	metrics   SubmitRecorder
}

// NewHandler 创建 Job 处理器，events 与 metrics 可为 nil
func NewHandler(submitter Submitter, store Store, events eventbus.JobEventReader, metrics SubmitRecorder) *Handler {
	return &Handler{submitter: submitter, store: store, events: events, metrics: metrics}
}

// RegisterRoutes 注册 Job 相关路由
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/v1/jobs", h.Create)
	mux.HandleFunc("GET /api/v1/jobs", h.List)
	mux.HandleFunc("GET /api/v1/jobs/{id}", h.Get)
	mux.HandleFunc("GET /api/v1/jobs/{id}/runs", h.ListRuns)
	mux.HandleFunc("GET /api/v1/jobs/{id}/events", h.ListEvents)
	mux.HandleFunc("GET /api/v1/jobs/{id}/events/stream", h.StreamEvents)
}

// ============================================================================
// 请求/响应类型
// ============================================================================

// CreateRequest 提交请求体
type CreateRequest struct {
	TaskPath string `json:"task_path"`
	Harness  string `json:"harness"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key,omitempty"`
	NRuns    *int   `json:"n_runs,omitempty"`
}

// CreateResponse 提交响应
type CreateResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	RunsQueued int    `json:"runs_queued"`
	FailedRuns []int  `json:"failed_runs,omitempty"`
	Error      string `json:"error,omitempty"`
}

// ============================================================================
// HTTP 处理函数
// ============================================================================

// Create 提交 Job
// POST /api/v1/jobs
func (h *Handler) Create(w http.ResponseWriter, r *http.Request) {
	var req CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	runs := 1
	if req.NRuns != nil {
		runs = *req.NRuns
	}

	job, err := h.submitter.Submit(r.Context(), dispatcher.SubmitRequest{
		TaskPath:   req.TaskPath,
		Harness:    req.Harness,
		Model:      req.Model,
		Credential: req.APIKey,
		RunCount:   runs,
	})

	var partial *dispatcher.PartialDispatchError
	switch {
	case err == nil:
		h.recordSubmitted(job)
		writeJSON(w, http.StatusCreated, CreateResponse{
			JobID:      job.ID,
			Status:     "queued",
			RunsQueued: job.RunCount,
		})
	case errors.As(err, &partial) && job != nil:
		h.recordSubmitted(job)
		log.Printf("[api.job.partial_dispatch] job_id=%s enqueued=%d failed=%v", partial.JobID, partial.Enqueued, partial.Failed)
		writeJSON(w, http.StatusMultiStatus, CreateResponse{
			JobID:      partial.JobID,
			Status:     "partially_queued",
			RunsQueued: partial.Enqueued,
			FailedRuns: partial.Failed,
			Error:      partial.Error(),
		})
	case apperr.KindOf(err) == apperr.KindValidation:
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		log.Printf("[api.job.submit_failed] err=%v", err)
		writeError(w, http.StatusInternalServerError, "failed to submit job")
	}
}

func (h *Handler) recordSubmitted(job *model.Job) {
	if h.metrics != nil {
		h.metrics.RecordJobSubmitted(string(job.Harness), job.RunCount)
	}
}

// List 列出 Job
// GET /api/v1/jobs?limit=&offset=
func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", defaultListLimit)
	if limit == 0 || limit > maxListLimit {
		limit = maxListLimit
	}
	offset := queryInt(r, "offset", 0)

	jobs, err := h.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		log.Printf("[api.job.list_failed] err=%v", err)
		writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}
	if jobs == nil {
		jobs = []*model.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"jobs":   jobs,
		"limit":  limit,
		"offset": offset,
	})
}

// Get 获取 Job 及其全部 Run
// GET /api/v1/jobs/{id}
func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	job, runs, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, model.JobSummary{Job: job, Runs: runs})
}

// ListRuns 列出 Job 的 Run（按 run_number 升序）
// GET /api/v1/jobs/{id}/runs
func (h *Handler) ListRuns(w http.ResponseWriter, r *http.Request) {
	_, runs, ok := h.loadJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"runs": runs})
}

// ListEvents 读取 Job 生命周期事件
// GET /api/v1/jobs/{id}/events?from=&count=
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		log.Printf("[api.job.get_failed] job_id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}

	events := []*eventbus.JobEvent{}
	if h.events != nil {
		count := queryInt(r, "count", defaultEventCount)
		if count == 0 || count > maxEventCount {
			count = maxEventCount
		}
		got, err := h.events.GetJobEvents(r.Context(), id, r.URL.Query().Get("from"), int64(count))
		if err != nil {
			log.Printf("[api.job.events_failed] job_id=%s err=%v", id, err)
			writeError(w, http.StatusInternalServerError, "failed to read events")
			return
		}
		if got != nil {
			events = got
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"events": events})
}

// loadJob 读取 Job 与 Run，失败时已写入响应
func (h *Handler) loadJob(w http.ResponseWriter, r *http.Request) (*model.Job, []*model.Run, bool) {
	id := r.PathValue("id")
	job, err := h.store.GetJob(r.Context(), id)
	if err != nil {
		log.Printf("[api.job.get_failed] job_id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil, nil, false
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return nil, nil, false
	}
	runs, err := h.store.ListRunsByJob(r.Context(), id)
	if err != nil {
		log.Printf("[api.job.runs_failed] job_id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to list runs")
		return nil, nil, false
	}
	if runs == nil {
		runs = []*model.Run{}
	}
	return job, runs, true
}
