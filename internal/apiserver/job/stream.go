package job

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"bench-runner/internal/shared/eventbus"
)

// streamHeartbeat SSE 保活注释间隔
var streamHeartbeat = 15 * time.Second

// StreamEvents 以 SSE 推送 Job 生命周期事件
// GET /api/v1/jobs/{id}/events/stream
//
// 只推送连接之后发布的事件；收到 job.completed 或 Job 已结束时关闭流。
func (h *Handler) StreamEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	job, err := h.store.GetJob(ctx, id)
	if err != nil {
		log.Printf("[api.job.get_failed] job_id=%s err=%v", id, err)
		writeError(w, http.StatusInternalServerError, "failed to get job")
		return
	}
	if job == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if h.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event bus not configured")
		return
	}

	rc := http.NewResponseController(w)
	// 流式响应不受 server WriteTimeout 限制
	_ = rc.SetWriteDeadline(time.Time{})

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	if job.IsTerminal() {
		writeSSE(w, eventbus.NewJobEvent(job.ID, "", eventbus.EventJobCompleted, map[string]interface{}{
			"status": job.Status,
		}))
		_ = rc.Flush()
		return
	}

	events, err := h.events.SubscribeJobEvents(ctx, id)
	if err != nil {
		log.Printf("[api.job.subscribe_failed] job_id=%s err=%v", id, err)
		return
	}

	// 订阅建立前 Job 可能已经结束，job.completed 不会再发布
	if job, err := h.store.GetJob(ctx, id); err != nil {
		log.Printf("[api.job.get_failed] job_id=%s err=%v", id, err)
	} else if job != nil && job.IsTerminal() {
		writeSSE(w, eventbus.NewJobEvent(job.ID, "", eventbus.EventJobCompleted, map[string]interface{}{
			"status": job.Status,
		}))
		_ = rc.Flush()
		return
	}
	if err := rc.Flush(); err != nil {
		return
	}

	heartbeat := time.NewTicker(streamHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n")
			if err := rc.Flush(); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			writeSSE(w, ev)
			if err := rc.Flush(); err != nil {
				return
			}
			if ev.Type == eventbus.EventJobCompleted {
				return
			}
		}
	}
}

func writeSSE(w http.ResponseWriter, ev *eventbus.JobEvent) {
	data, _ := json.Marshal(ev)
	if ev.ID != "" {
		fmt.Fprintf(w, "id: %s\n", ev.ID)
	}
	fmt.Fprintf(w, "event: %s\n", ev.Type)
	fmt.Fprintf(w, "data: %s\n\n", data)
}
