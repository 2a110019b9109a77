package metrics

import (
	"io"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"
)

// 全局 Registry，供 API/Worker 注册与暴露
var DefaultRegistry = prometheus.NewRegistry()

func init() {
	DefaultRegistry.MustRegister(
		RunDuration, RunTotal, RunRetryTotal, RunReapedTotal,
		EventPublishTotal, QueuedRuns, WorkerBusy,
	)
}

// RunDuration Run 单次 attempt 执行耗时（秒）
var RunDuration = prometheus.NewHistogramVec(
	prometheus.HistogramOpts{
		Name:    "agentrun_run_duration_seconds",
		Help:    "Run attempt 执行耗时（秒）",
		Buckets: prometheus.DefBuckets,
	},
	[]string{"agent_key"},
)

// RunTotal 终态 Run 总数（按状态）
var RunTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrun_run_total",
		Help: "终态 Run 总数（按状态）",
	},
	[]string{"status"}, // succeeded | failed | cancelled | timed_out
)

// RunRetryTotal 重试回队总数
var RunRetryTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrun_run_retry_total",
		Help: "重试回队总数",
	},
	[]string{"agent_key"},
)

// RunReapedTotal Reaper 收回的过期租约总数
var RunReapedTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrun_run_reaped_total",
		Help: "Reaper 收回的过期租约总数",
	},
	[]string{"outcome"}, // requeued | failed
)

// EventPublishTotal 事件发布总数
var EventPublishTotal = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentrun_event_publish_total",
		Help: "事件发布总数",
	},
	[]string{"type"},
)

// QueuedRuns 当前 queued 状态的 Run 数
var QueuedRuns = prometheus.NewGauge(
	prometheus.GaugeOpts{
		Name: "agentrun_queued_runs",
		Help: "当前 queued 状态的 Run 数",
	},
)

// WorkerBusy 当前正在执行的 Run 数（每 Worker）
var WorkerBusy = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "agentrun_worker_busy",
		Help: "当前正在执行的 Run 数",
	},
	[]string{"worker_id"},
)

// WritePrometheus 将 Prometheus 文本格式写入 w（供 Hertz 等复用）
func WritePrometheus(w io.Writer) error {
	metrics, err := DefaultRegistry.Gather()
	if err != nil {
		return err
	}
	enc := expfmt.NewEncoder(w, expfmt.NewFormat(expfmt.TypeTextPlain))
	for _, mf := range metrics {
		if err := enc.Encode(mf); err != nil {
			return err
		}
	}
	return nil
}
