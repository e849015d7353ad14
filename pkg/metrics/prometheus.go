package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/arzzra/media_server/pkg/media_errors"
)

// PrometheusConfig конфигурация Prometheus наблюдателя
type PrometheusConfig struct {
	// Namespace префикс метрик
	Namespace string

	// Registerer куда регистрировать метрики. nil - prometheus.DefaultRegisterer
	Registerer prometheus.Registerer
}

// PrometheusObserver экспортирует сигналы ядра в Prometheus
type PrometheusObserver struct {
	overloads        prometheus.Counter
	queueDepth       prometheus.Gauge
	passDuration     prometheus.Histogram
	taskFailures     *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
	transitions      *prometheus.CounterVec
	machineFailures  *prometheus.CounterVec
	rollbackFailures prometheus.Counter
}

// NewPrometheusObserver создает наблюдатель и регистрирует метрики
func NewPrometheusObserver(config PrometheusConfig) *PrometheusObserver {
	if config.Namespace == "" {
		config.Namespace = "media"
	}
	reg := config.Registerer
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &PrometheusObserver{
		overloads: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "scheduler",
			Name:      "overloads_total",
			Help:      "Number of scheduler passes that exceeded queue depth or time bounds",
		}),
		queueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: config.Namespace,
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Scheduler queue depth observed at the last overload",
		}),
		passDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: "scheduler",
			Name:      "overload_pass_duration_seconds",
			Help:      "Duration of overloaded scheduler passes",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.02, 0.05, 0.1, 0.5}, // от 1ms до 500ms
		}),
		taskFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "scheduler",
			Name:      "task_failures_total",
			Help:      "Number of failed scheduled task invocations",
		}, []string{"priority"}),
		taskDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: config.Namespace,
			Subsystem: "scheduler",
			Name:      "task_duration_seconds",
			Help:      "Execution time of scheduled tasks",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.02},
		}, []string{"priority"}),
		transitions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "fsm",
			Name:      "transitions_total",
			Help:      "State machine transitions",
		}, []string{"machine", "event", "to"}),
		machineFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "fsm",
			Name:      "failures_total",
			Help:      "State machine failures by reason code",
		}, []string{"machine", "code"}),
		rollbackFailures: factory.NewCounter(prometheus.CounterOpts{
			Namespace: config.Namespace,
			Subsystem: "connection",
			Name:      "rollback_failures_total",
			Help:      "Rollbacks that left resources requiring manual cleanup",
		}),
	}
}

func (p *PrometheusObserver) SchedulerOverload(report OverloadReport) {
	p.overloads.Inc()
	p.queueDepth.Set(float64(report.QueueDepth))
	p.passDuration.Observe(report.PassDuration.Seconds())
}

func (p *PrometheusObserver) TaskFailed(_ string, priority string, _ error) {
	p.taskFailures.WithLabelValues(priority).Inc()
}

func (p *PrometheusObserver) TaskExecuted(priority string, d time.Duration) {
	p.taskDuration.WithLabelValues(priority).Observe(d.Seconds())
}

func (p *PrometheusObserver) MachineTransition(t Transition) {
	p.transitions.WithLabelValues(t.Machine, t.Event, t.To).Inc()
}

func (p *PrometheusObserver) MachineFailed(machine, _ string, err error) {
	p.machineFailures.WithLabelValues(machine, codeLabel(err)).Inc()
}

func (p *PrometheusObserver) RollbackFailed(string, error) {
	p.rollbackFailures.Inc()
}

// codeLabel ограничивает кардинальность меткой кода ошибки
func codeLabel(err error) string {
	if code, ok := media_errors.CodeOf(err); ok {
		return code.String()
	}
	return "unknown"
}
