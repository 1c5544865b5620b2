// Package metrics Saga 编排的 Prometheus 指标
package metrics

import (
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"accesssaga/saga"
)

const namespace = "saga"

// Metrics 实现 saga.IMetrics，指标注册在独立的 Registry 上
type Metrics struct {
	registry *prometheus.Registry

	started      *prometheus.CounterVec
	finished     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	steps        *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	timeouts     *prometheus.CounterVec
	compensation *prometheus.CounterVec
	duplicates   *prometheus.CounterVec
}

// New 创建指标集合，同时注册 Go 运行时与进程指标
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	m := &Metrics{
		registry: registry,
		started: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "started_total",
			Help:      "Sagas started, by saga type.",
		}, []string{"saga_type"}),
		finished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "finished_total",
			Help:      "Sagas that reached a terminal state (completed, compensated, failed).",
		}, []string{"saga_type", "state"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_seconds",
			Help:      "Time from saga creation to its terminal state.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"saga_type", "state"}),
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "finished_total",
			Help:      "Forward steps that completed or failed.",
		}, []string{"saga_type", "step", "status"}),
		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Time between a step starting and its result.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"saga_type", "step"}),
		timeouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "step",
			Name:      "timeouts_total",
			Help:      "Steps whose result did not arrive before the deadline.",
		}, []string{"saga_type", "step"}),
		compensation: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "compensation",
			Name:      "finished_total",
			Help:      "Compensation actions by outcome (compensated or failed).",
		}, []string{"saga_type", "step", "status"}),
		duplicates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "duplicate_results_total",
			Help:      "Results dropped because they were already applied.",
		}, []string{"kind"}),
	}
	registry.MustRegister(m.started, m.finished, m.duration, m.steps, m.stepDuration,
		m.timeouts, m.compensation, m.duplicates)
	return m
}

// Registry 底层 Registry，可供其他组件注册自定义指标
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 端点
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RegisterGauge 注册按需计算的仪表，例如在途步骤数
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) error {
	return m.registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      name,
		Help:      help,
	}, fn))
}

func (m *Metrics) SagaStarted(sagaType string) {
	m.started.WithLabelValues(sagaType).Inc()
}

func (m *Metrics) SagaFinished(sagaType string, state saga.SagaState, elapsed time.Duration) {
	label := lower(state)
	m.finished.WithLabelValues(sagaType, label).Inc()
	m.duration.WithLabelValues(sagaType, label).Observe(elapsed.Seconds())
}

func (m *Metrics) StepFinished(sagaType, stepName string, status saga.StepStatus, elapsed time.Duration) {
	m.steps.WithLabelValues(sagaType, stepName, lower(status)).Inc()
	if elapsed > 0 {
		m.stepDuration.WithLabelValues(sagaType, stepName).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) StepTimedOut(sagaType, stepName string) {
	m.timeouts.WithLabelValues(sagaType, stepName).Inc()
}

func (m *Metrics) CompensationFinished(sagaType, stepName string, status saga.StepStatus) {
	m.compensation.WithLabelValues(sagaType, stepName, lower(status)).Inc()
}

func (m *Metrics) DuplicateResult(kind string) {
	m.duplicates.WithLabelValues(kind).Inc()
}

func lower[S ~string](s S) string {
	return strings.ToLower(string(s))
}

var _ saga.IMetrics = (*Metrics)(nil)
