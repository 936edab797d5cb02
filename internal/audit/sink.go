// Package audit пишет события движка в журнал и в метрики Prometheus.
package audit

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"filevault/internal/domain"
	"filevault/internal/service"
)

const metricsNamespace = "filevault"

const outcomeOK = "ok"

// Sink реализует service.Auditor и prometheus.Collector
type Sink struct {
	log        *zap.SugaredLogger
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
}

var (
	_ service.Auditor      = (*Sink)(nil)
	_ prometheus.Collector = (*Sink)(nil)
)

func NewSink(log *zap.SugaredLogger) *Sink {
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	return &Sink{
		log: log,
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "operations_total",
				Help:      "The number of engine operations by outcome.",
			}, []string{"operation", "outcome"},
		),
		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: metricsNamespace,
				Name:      "operation_duration_seconds",
				Help:      "The time taken by engine operations.",
				Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30, 120},
			}, []string{"operation"},
		),
	}
}

// Record пишет одно событие. Ошибки операции журналируются как warn,
// внутренние ошибки хранилищ - как error
func (s *Sink) Record(_ context.Context, event service.AuditEvent) {
	outcome := outcomeOK
	if event.Err != nil {
		outcome = string(domain.KindOf(event.Err))
	}

	s.operations.WithLabelValues(event.Operation, outcome).Inc()
	s.duration.WithLabelValues(event.Operation).Observe(event.Duration.Seconds())

	fields := []interface{}{
		"operation", event.Operation,
		"outcome", outcome,
		"duration", event.Duration,
	}
	if event.Key.Owner != "" {
		fields = append(fields, "owner", event.Key.Owner)
	}
	if event.Key.Project != "" {
		fields = append(fields, "project", event.Key.Project)
	}
	if event.Key.Type != "" {
		fields = append(fields, "type", event.Key.Type)
	}
	if event.Key.Name != "" {
		fields = append(fields, "name", event.Key.Name)
	}
	if event.Version != 0 {
		fields = append(fields, "version", event.Version)
	}
	if event.Items != 0 {
		fields = append(fields, "items", event.Items)
	}

	switch outcome {
	case outcomeOK:
		s.log.Infow("engine call", fields...)
	case string(domain.KindInternal), string(domain.KindIntegrity):
		s.log.Errorw("engine call", append(fields, "error", event.Err)...)
	default:
		s.log.Warnw("engine call", append(fields, "error", event.Err)...)
	}
}

// Describe is part of the prometheus.Collector interface.
func (s *Sink) Describe(ch chan<- *prometheus.Desc) {
	s.operations.Describe(ch)
	s.duration.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (s *Sink) Collect(ch chan<- prometheus.Metric) {
	s.operations.Collect(ch)
	s.duration.Collect(ch)
}
