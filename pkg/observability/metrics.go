package observability

import (
	"context"

	"github.com/aretw0/espalier/pkg/domain"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "espalier"

// Metrics records stage, gate and run activity.
type Metrics struct {
	invocations *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	gates       *prometheus.CounterVec
	forced      *prometheus.CounterVec
	calls       *prometheus.CounterVec
	runs        *prometheus.CounterVec
	failures    *prometheus.CounterVec
}

// NewMetrics creates the metrics and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		invocations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_invocations_total",
				Help:      "Total number of stage invocations, retries included",
			},
			[]string{"stage"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "stage_duration_seconds",
				Help:      "Duration of stage invocations including the gate",
				Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
			},
			[]string{"stage"},
		),
		gates: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "gate_evaluations_total",
				Help:      "Gate verdicts by result",
			},
			[]string{"stage", "result"},
		),
		forced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "forced_accepts_total",
				Help:      "Outputs accepted after the retry cap was exhausted",
			},
			[]string{"stage"},
		),
		calls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "service_calls_total",
				Help:      "External call attempts recorded by stages and gates",
			},
			[]string{"service"},
		),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished runs by final status",
			},
			[]string{"status"},
		),
		failures: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "stage_failures_total",
				Help:      "Fatal stage failures by class",
			},
			[]string{"stage", "class"},
		),
	}
	reg.MustRegister(m.invocations, m.duration, m.gates, m.forced, m.calls, m.runs, m.failures)
	return m
}

// Hooks returns lifecycle hooks feeding the metrics.
func (m *Metrics) Hooks() domain.LifecycleHooks {
	return domain.LifecycleHooks{
		OnStageEnter: func(ctx context.Context, e *domain.StageEvent) {
			m.invocations.WithLabelValues(string(e.Stage)).Inc()
		},
		OnStageLeave: func(ctx context.Context, e *domain.StageEvent) {
			m.duration.WithLabelValues(string(e.Stage)).Observe(e.Duration.Seconds())
			if e.Diff == nil {
				return
			}
			for svc, n := range e.Diff.Calls {
				m.calls.WithLabelValues(svc).Add(float64(n))
			}
		},
		OnGateEvaluated: func(ctx context.Context, e *domain.GateEvent) {
			result := "rejected"
			if e.Evaluation.Passed {
				result = "passed"
			}
			m.gates.WithLabelValues(string(e.Stage), result).Inc()
		},
		OnForcedAccept: func(ctx context.Context, e *domain.GateEvent) {
			m.forced.WithLabelValues(string(e.Stage)).Inc()
		},
		OnRunFinished: func(ctx context.Context, e *domain.RunEvent) {
			m.runs.WithLabelValues(string(e.Status)).Inc()
		},
		OnRunFailed: func(ctx context.Context, e *domain.RunEvent) {
			m.runs.WithLabelValues(string(e.Status)).Inc()
			var stage domain.StageName
			class := domain.ClassOf(e.Err)
			if se, ok := e.Err.(*domain.StageError); ok {
				stage, class = se.Stage, se.Class
			}
			m.failures.WithLabelValues(string(stage), string(class)).Inc()
		},
	}
}
