package worker

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"bench-runner/internal/shared/queue"
)

// Metrics Worker 指标
type Metrics struct {
	RunsTotal    *prometheus.CounterVec
	RunDuration  prometheus.Histogram
	RunsRunning  prometheus.Gauge
	RetriesTotal *prometheus.CounterVec

	QueueLength         prometheus.Gauge
	QueuePending        prometheus.Gauge
	QueueDelayed        prometheus.Gauge
	QueueDepthPerWorker prometheus.Gauge
}

// NewMetrics 在 reg 上注册 Worker 指标
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bench_worker_runs_total",
				Help: "Total run attempts processed by final status",
			},
			[]string{"status"},
		),
		RunDuration: f.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bench_worker_run_duration_seconds",
				Help:    "Harness execution duration in seconds",
				Buckets: []float64{10, 30, 60, 120, 300, 600, 1200, 1800, 3600, 7200},
			},
		),
		RunsRunning: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "bench_worker_runs_running",
				Help: "Number of runs currently executing in this worker",
			},
		),
		RetriesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bench_worker_retries_total",
				Help: "Total retries scheduled by error kind",
			},
			[]string{"kind"},
		),
		QueueLength: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "bench_worker_queue_length",
				Help: "Messages waiting in the run stream",
			},
		),
		QueuePending: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "bench_worker_queue_pending",
				Help: "Messages delivered but not yet acknowledged",
			},
		),
		QueueDelayed: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "bench_worker_queue_delayed",
				Help: "Runs waiting for a scheduled retry",
			},
		),
		QueueDepthPerWorker: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "bench_worker_queue_depth_per_worker",
				Help: "Outstanding runs divided by active consumers, for autoscaling",
			},
		),
	}
}

// RecordRunStart 记录开始执行
func (m *Metrics) RecordRunStart() {
	m.RunsRunning.Inc()
}

// RecordRunFinish 记录执行结束
func (m *Metrics) RecordRunFinish(status string, duration time.Duration) {
	m.RunsRunning.Dec()
	m.RunsTotal.WithLabelValues(status).Inc()
	m.RunDuration.Observe(duration.Seconds())
}

// RecordRetry 记录排定的重试
func (m *Metrics) RecordRetry(kind string) {
	m.RetriesTotal.WithLabelValues(kind).Inc()
}

// SetQueueStats 更新队列指标
func (m *Metrics) SetQueueStats(s *queue.Stats) {
	m.QueueLength.Set(float64(s.Length))
	m.QueuePending.Set(float64(s.Pending))
	m.QueueDelayed.Set(float64(s.Delayed))
	consumers := s.Consumers
	if consumers < 1 {
		consumers = 1
	}
	m.QueueDepthPerWorker.Set(float64(s.Backlog()+s.Pending) / float64(consumers))
}
