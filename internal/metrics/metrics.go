// ============================================================================
// Umbra Broker Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 功能: 收集 broker 執行、遠端呼叫與排程事件的指標
//
// 指標分類:
//
//   1. 計數器 (Counter):
//      - umbra_executions_total{action,outcome}: execute() 次數
//      - umbra_remote_calls_total{kind,ack}: 部署/量測 fan-out 的單一目標呼叫
//      - umbra_event_iterations_total{outcome}: 排程事件的迭代次數
//
//   2. 分佈 (Histogram):
//      - umbra_execution_duration_seconds{action}
//      - umbra_event_iteration_seconds
//
//   3. 狀態 (Gauge):
//      - umbra_events_running: 背景執行中的事件數
//
// HTTP 端點: /metrics (internal/httpapi)
// ============================================================================

package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome labels.
const (
	OutcomeOK    = "ok"
	OutcomeError = "error"
)

// Collector Prometheus 指標收集器
type Collector struct {
	executions        *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	remoteCalls       *prometheus.CounterVec
	eventIterations   *prometheus.CounterVec
	iterationDuration prometheus.Histogram
	eventsRunning     prometheus.Gauge
}

// NewCollector 創建並註冊指標收集器。reg 為 nil 時使用 prometheus.DefaultRegisterer。
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := &Collector{
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "umbra_executions_total",
			Help: "Total number of broker executions by action and outcome",
		}, []string{"action", "outcome"}),
		executionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "umbra_execution_duration_seconds",
			Help:    "Broker execution latency in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"action"}),
		remoteCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "umbra_remote_calls_total",
			Help: "Total number of per-environment remote calls by kind and acknowledgement",
		}, []string{"kind", "ack"}),
		eventIterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "umbra_event_iterations_total",
			Help: "Total number of scheduled event iterations by outcome",
		}, []string{"outcome"}),
		iterationDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "umbra_event_iteration_seconds",
			Help:    "Observed duration of scheduled event iterations in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		eventsRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "umbra_events_running",
			Help: "Current number of background events",
		}),
	}

	reg.MustRegister(
		c.executions,
		c.executionDuration,
		c.remoteCalls,
		c.eventIterations,
		c.iterationDuration,
		c.eventsRunning,
	)

	return c
}

// RecordExecution 記錄一次 execute()
func (c *Collector) RecordExecution(action string, failed bool, elapsed time.Duration) {
	c.executions.WithLabelValues(action, outcome(failed)).Inc()
	c.executionDuration.WithLabelValues(action).Observe(elapsed.Seconds())
}

// RecordRemoteCall 記錄一次單一目標的遠端呼叫
func (c *Collector) RecordRemoteCall(kind string, ack bool) {
	c.remoteCalls.WithLabelValues(kind, strconv.FormatBool(ack)).Inc()
}

// ObserveIteration 實作 scheduler.Observer
func (c *Collector) ObserveIteration(uid string, elapsed time.Duration, err error) {
	c.eventIterations.WithLabelValues(outcome(err != nil)).Inc()
	c.iterationDuration.Observe(elapsed.Seconds())
}

// SetEventsRunning 設置背景事件數
func (c *Collector) SetEventsRunning(n int) {
	c.eventsRunning.Set(float64(n))
}

func outcome(failed bool) string {
	if failed {
		return OutcomeError
	}
	return OutcomeOK
}
