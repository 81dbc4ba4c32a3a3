package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "agentrun"

type engineMetrics struct {
	runsTotal     *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	activeRuns    prometheus.Gauge
	modelCalls    *prometheus.CounterVec
	modelDuration *prometheus.HistogramVec
	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	toolRetries   *prometheus.CounterVec
	eventsEmitted *prometheus.CounterVec
	deltasDropped *prometheus.CounterVec
	frontendWaits prometheus.Gauge

	poolQueueSize  *prometheus.GaugeVec
	poolRunning    *prometheus.GaugeVec
	poolCompleted  *prometheus.CounterVec
	poolTaskLength *prometheus.HistogramVec

	eventsStored   *prometheus.CounterVec
	eventsPruned   prometheus.Counter
	gatewayCalls   *prometheus.CounterVec
	gatewayClients prometheus.Gauge
}

var (
	metricsOnce sync.Once
	metricsInst *engineMetrics
)

func getMetrics() *engineMetrics {
	metricsOnce.Do(func() {
		m := &engineMetrics{
			runsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished runs by mode and outcome (complete, error, cancel).",
			}, []string{"mode", "outcome"}),
			runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Wall-clock duration of runs by mode.",
				Buckets:   []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			}, []string{"mode"}),
			activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_runs",
				Help:      "Runs currently executing.",
			}),
			modelCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "model_calls_total",
				Help:      "Model turns by provider, stage and status.",
			}, []string{"provider", "stage", "status"}),
			modelDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "model_call_duration_seconds",
				Help:      "Model turn streaming duration by provider.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"provider"}),
			toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_calls_total",
				Help:      "Dispatched tool calls by tool, type and status.",
			}, []string{"tool", "type", "status"}),
			toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "tool_duration_seconds",
				Help:      "Tool dispatch duration including retries.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"tool"}),
			toolRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "tool_retries_total",
				Help:      "Backend tool attempts beyond the first, by tool and reason.",
			}, []string{"tool", "reason"}),
			eventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "events_emitted_total",
				Help:      "Protocol events emitted by type.",
			}, []string{"type"}),
			deltasDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "deltas_dropped_total",
				Help:      "Deltas consumed after run termination, by delta kind.",
			}, []string{"kind"}),
			frontendWaits: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "frontend_waits",
				Help:      "Runs currently suspended on a frontend submission.",
			}),
			poolQueueSize: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_queue_size",
				Help:      "Queued worker pool tasks by lane.",
			}, []string{"lane"}),
			poolRunning: prometheus.NewGaugeVec(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "pool_running",
				Help:      "Executing worker pool tasks by lane.",
			}, []string{"lane"}),
			poolCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pool_completed_total",
				Help:      "Completed worker pool tasks by lane and status.",
			}, []string{"lane", "status"}),
			poolTaskLength: prometheus.NewHistogramVec(prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "pool_task_duration_seconds",
				Help:      "Worker pool task execution time by lane.",
				Buckets:   prometheus.DefBuckets,
			}, []string{"lane"}),
			eventsStored: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "eventlog_appends_total",
				Help:      "Events written to the event log by status.",
			}, []string{"status"}),
			eventsPruned: prometheus.NewCounter(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "eventlog_pruned_runs_total",
				Help:      "Runs deleted by the retention sweep.",
			}),
			gatewayCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gateway_requests_total",
				Help:      "Gateway requests by method and status.",
			}, []string{"method", "status"}),
			gatewayClients: prometheus.NewGauge(prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "gateway_clients",
				Help:      "Connected WebSocket clients.",
			}),
		}

		prometheus.MustRegister(
			m.runsTotal,
			m.runDuration,
			m.activeRuns,
			m.modelCalls,
			m.modelDuration,
			m.toolCalls,
			m.toolDuration,
			m.toolRetries,
			m.eventsEmitted,
			m.deltasDropped,
			m.frontendWaits,
			m.poolQueueSize,
			m.poolRunning,
			m.poolCompleted,
			m.poolTaskLength,
			m.eventsStored,
			m.eventsPruned,
			m.gatewayCalls,
			m.gatewayClients,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RunStarted() {
	getMetrics().activeRuns.Inc()
}

// RunFinished records a terminal run. outcome is complete, error or cancel.
func RunFinished(mode, outcome string, duration time.Duration) {
	m := getMetrics()
	m.activeRuns.Dec()
	m.runsTotal.WithLabelValues(mode, outcome).Inc()
	m.runDuration.WithLabelValues(mode).Observe(duration.Seconds())
}

func RecordModelCall(provider, stage string, duration time.Duration, err error) {
	m := getMetrics()
	m.modelCalls.WithLabelValues(provider, stage, status(err == nil)).Inc()
	m.modelDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordToolCall(tool, toolType string, duration time.Duration, ok bool) {
	m := getMetrics()
	m.toolCalls.WithLabelValues(tool, toolType, status(ok)).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

func RecordToolRetry(tool, reason string) {
	getMetrics().toolRetries.WithLabelValues(tool, reason).Inc()
}

func RecordEventEmitted(eventType string) {
	getMetrics().eventsEmitted.WithLabelValues(eventType).Inc()
}

func RecordDeltaDropped(kind string) {
	getMetrics().deltasDropped.WithLabelValues(kind).Inc()
}

func FrontendWaitStarted() {
	getMetrics().frontendWaits.Inc()
}

func FrontendWaitFinished() {
	getMetrics().frontendWaits.Dec()
}

func SetPoolState(lane string, queued, running int) {
	m := getMetrics()
	m.poolQueueSize.WithLabelValues(lane).Set(float64(queued))
	m.poolRunning.WithLabelValues(lane).Set(float64(running))
}

func RecordPoolCompletion(lane string, duration time.Duration, success bool) {
	m := getMetrics()
	m.poolCompleted.WithLabelValues(lane, status(success)).Inc()
	m.poolTaskLength.WithLabelValues(lane).Observe(duration.Seconds())
}

func status(ok bool) string {
	if ok {
		return "success"
	}
	return "error"
}

func RecordEventStored(ok bool) {
	getMetrics().eventsStored.WithLabelValues(status(ok)).Inc()
}

func RecordRunsPruned(n int) {
	getMetrics().eventsPruned.Add(float64(n))
}

func RecordGatewayRequest(method string, ok bool) {
	getMetrics().gatewayCalls.WithLabelValues(method, status(ok)).Inc()
}

func SetGatewayClients(n int) {
	getMetrics().gatewayClients.Set(float64(n))
}
