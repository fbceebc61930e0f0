// Package metrics collects runtime statistics in memory and exports them to
// Prometheus.
package metrics

import (
	"math"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Operation names for the collector.
const (
	OpTaskRun     = "task_run"
	OpNodeExecute = "node_execute"
	OpFlowRun     = "flow_run"
	OpLLMGenerate = "llm_generate"
	OpLLMStream   = "llm_stream"
	OpEmbedding   = "embedding"
	OpPipInstall  = "pip_install"
)

// OperationMetrics holds aggregated metrics for a single operation type.
type OperationMetrics struct {
	Count     int64
	TotalTime time.Duration
	MinTime   time.Duration
	MaxTime   time.Duration

	// Token metrics (only for LLM operations)
	TotalInputTokens  int64
	TotalOutputTokens int64
}

// OperationSnapshot provides computed stats from raw metrics.
type OperationSnapshot struct {
	Count             int64   `json:"count"`
	TotalTimeMs       int64   `json:"total_time_ms"`
	AvgTimeMs         float64 `json:"avg_time_ms"`
	MinTimeMs         int64   `json:"min_time_ms"`
	MaxTimeMs         int64   `json:"max_time_ms"`
	TotalInputTokens  *int64  `json:"total_input_tokens,omitempty"`
	TotalOutputTokens *int64  `json:"total_output_tokens,omitempty"`
}

// Snapshot represents the full statistics at a point in time.
type Snapshot struct {
	UptimeSeconds  float64                       `json:"uptime_seconds"`
	TasksRunning   int64                         `json:"tasks_running"`
	TasksQueued    int64                         `json:"tasks_queued"`
	TasksFinished  map[string]int64              `json:"tasks_finished"`
	HubConnections int64                         `json:"hub_connections"`
	HubDropped     int64                         `json:"hub_dropped"`
	Operations     map[string]*OperationSnapshot `json:"operations"`
}

// Collector aggregates statistics. All methods are thread-safe and a nil
// *Collector is a no-op.
type Collector struct {
	mu        sync.RWMutex
	startTime time.Time
	ops       map[string]*OperationMetrics
	finished  map[string]int64
	running   int64
	queued    int64
	conns     int64
	dropped   int64

	registry      *prometheus.Registry
	opDuration    *prometheus.HistogramVec
	llmTokens     *prometheus.CounterVec
	tasksFinished *prometheus.CounterVec
	tasksRunning  prometheus.Gauge
	tasksQueued   prometheus.Gauge
	hubConns      prometheus.Gauge
	hubDropped    prometheus.Counter
}

// NewCollector creates a collector with its own Prometheus registry.
func NewCollector() *Collector {
	c := &Collector{
		startTime: time.Now(),
		ops:       make(map[string]*OperationMetrics),
		finished:  make(map[string]int64),
		registry:  prometheus.NewRegistry(),
		opDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "flowhub",
			Name:      "operation_duration_seconds",
			Help:      "Duration of tasks, flow runs, node executions and LLM calls.",
			Buckets:   prometheus.ExponentialBuckets(0.005, 4, 10),
		}, []string{"op"}),
		llmTokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowhub",
			Name:      "llm_tokens_total",
			Help:      "LLM tokens by direction.",
		}, []string{"op", "direction"}),
		tasksFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "flowhub",
			Name:      "tasks_finished_total",
			Help:      "Tasks that reached a terminal status.",
		}, []string{"status"}),
		tasksRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowhub",
			Name:      "tasks_running",
			Help:      "Tasks currently executing on a worker.",
		}),
		tasksQueued: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowhub",
			Name:      "tasks_queued",
			Help:      "Tasks waiting for a worker.",
		}),
		hubConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "flowhub",
			Name:      "hub_connections",
			Help:      "Open websocket connections.",
		}),
		hubDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "flowhub",
			Name:      "hub_dropped_events_total",
			Help:      "Events dropped because a connection queue was full.",
		}),
	}
	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.opDuration, c.llmTokens, c.tasksFinished,
		c.tasksRunning, c.tasksQueued, c.hubConns, c.hubDropped,
	)
	return c
}

// Handler serves the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}

// getOrCreate returns existing metrics or creates new ones for an operation.
// Caller must hold write lock.
func (c *Collector) getOrCreate(op string) *OperationMetrics {
	m, ok := c.ops[op]
	if !ok {
		m = &OperationMetrics{MinTime: time.Duration(math.MaxInt64)}
		c.ops[op] = m
	}
	return m
}

func (m *OperationMetrics) observe(d time.Duration) {
	m.Count++
	m.TotalTime += d
	m.MinTime = min(m.MinTime, d)
	m.MaxTime = max(m.MaxTime, d)
}

// RecordTiming records timing for an operation.
func (c *Collector) RecordTiming(op string, duration time.Duration) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.getOrCreate(op).observe(duration)
	c.mu.Unlock()
	c.opDuration.WithLabelValues(op).Observe(duration.Seconds())
}

// RecordLLMUsage records timing and token usage for an LLM operation.
func (c *Collector) RecordLLMUsage(op string, duration time.Duration, inputTokens, outputTokens int64) {
	if c == nil {
		return
	}
	c.mu.Lock()
	m := c.getOrCreate(op)
	m.observe(duration)
	m.TotalInputTokens += inputTokens
	m.TotalOutputTokens += outputTokens
	c.mu.Unlock()

	c.opDuration.WithLabelValues(op).Observe(duration.Seconds())
	c.llmTokens.WithLabelValues(op, "input").Add(float64(inputTokens))
	c.llmTokens.WithLabelValues(op, "output").Add(float64(outputTokens))
}

// TaskQueued adjusts the number of tasks waiting for a worker.
func (c *Collector) TaskQueued(delta int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.queued += int64(delta)
	c.mu.Unlock()
	c.tasksQueued.Add(float64(delta))
}

// TaskStarted marks a task as running.
func (c *Collector) TaskStarted() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.running++
	c.mu.Unlock()
	c.tasksRunning.Inc()
}

// TaskFinished records a terminal status. wasRunning is false for tasks
// cancelled before a worker picked them up.
func (c *Collector) TaskFinished(status string, wasRunning bool) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.finished[status]++
	if wasRunning {
		c.running--
	}
	c.mu.Unlock()
	c.tasksFinished.WithLabelValues(status).Inc()
	if wasRunning {
		c.tasksRunning.Dec()
	}
}

// HubConnections adjusts the open connection gauge.
func (c *Collector) HubConnections(delta int) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.conns += int64(delta)
	c.mu.Unlock()
	c.hubConns.Add(float64(delta))
}

// HubDropped counts one event dropped by backpressure.
func (c *Collector) HubDropped() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.dropped++
	c.mu.Unlock()
	c.hubDropped.Inc()
}

// snapshotOp creates a snapshot for an operation, returning nil if no data.
func snapshotOp(m *OperationMetrics) *OperationSnapshot {
	if m == nil || m.Count == 0 {
		return nil
	}
	snap := &OperationSnapshot{
		Count:       m.Count,
		TotalTimeMs: m.TotalTime.Milliseconds(),
		AvgTimeMs:   float64(m.TotalTime.Milliseconds()) / float64(m.Count),
		MinTimeMs:   m.MinTime.Milliseconds(),
		MaxTimeMs:   m.MaxTime.Milliseconds(),
	}
	if m.TotalInputTokens > 0 || m.TotalOutputTokens > 0 {
		in, out := m.TotalInputTokens, m.TotalOutputTokens
		snap.TotalInputTokens = &in
		snap.TotalOutputTokens = &out
	}
	return snap
}

// Snapshot returns a point-in-time snapshot of all metrics.
func (c *Collector) Snapshot() Snapshot {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.ops))
	for name := range c.ops {
		names = append(names, name)
	}
	sort.Strings(names)
	ops := make(map[string]*OperationSnapshot, len(names))
	for _, name := range names {
		if snap := snapshotOp(c.ops[name]); snap != nil {
			ops[name] = snap
		}
	}
	finished := make(map[string]int64, len(c.finished))
	for k, v := range c.finished {
		finished[k] = v
	}
	return Snapshot{
		UptimeSeconds:  time.Since(c.startTime).Seconds(),
		TasksRunning:   c.running,
		TasksQueued:    c.queued,
		TasksFinished:  finished,
		HubConnections: c.conns,
		HubDropped:     c.dropped,
		Operations:     ops,
	}
}
