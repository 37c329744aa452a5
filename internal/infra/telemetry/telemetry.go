package telemetry

import (
	"context"
	"errors"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/arklim/extension-license-service/internal/core/domain"
	"github.com/arklim/extension-license-service/internal/core/port"
	"github.com/arklim/extension-license-service/internal/infra/config"
)

const namespace = "license"

// HandshakeMetrics records protocol outcomes, handshake transitions and sweeper progress.
type HandshakeMetrics struct {
	Outcomes    *prometheus.CounterVec
	Transitions *prometheus.CounterVec
	Swept       *prometheus.CounterVec
}

// NewHandshakeMetrics registers the handshake collectors with reg. A nil
// registerer falls back to the default one.
func NewHandshakeMetrics(reg prometheus.Registerer) (*HandshakeMetrics, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	outcomes, err := registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_outcomes_total",
		Help:      "Protocol responses partitioned by endpoint and outcome code.",
	}, []string{"endpoint", "outcome"})
	if err != nil {
		return nil, err
	}

	transitions, err := registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "handshake_transitions_total",
		Help:      "Handshake state machine transitions.",
	}, []string{"from", "to"})
	if err != nil {
		return nil, err
	}

	swept, err := registerCounterVec(reg, prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "sweeper",
		Name:      "deleted_total",
		Help:      "Rows removed by the expiry sweeper partitioned by kind.",
	}, []string{"kind"})
	if err != nil {
		return nil, err
	}

	return &HandshakeMetrics{Outcomes: outcomes, Transitions: transitions, Swept: swept}, nil
}

func registerCounterVec(reg prometheus.Registerer, opts prometheus.CounterOpts, labels []string) (*prometheus.CounterVec, error) {
	vec := prometheus.NewCounterVec(opts, labels)
	if err := reg.Register(vec); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return nil, fmt.Errorf("register %s collector: %w", opts.Name, err)
		}
		existing, ok := already.ExistingCollector.(*prometheus.CounterVec)
		if !ok {
			return nil, fmt.Errorf("existing %s collector has unexpected type %T", opts.Name, already.ExistingCollector)
		}
		vec = existing
	}
	return vec, nil
}

func (m *HandshakeMetrics) ObserveOutcome(endpoint, outcome string) {
	if m == nil {
		return
	}
	m.Outcomes.WithLabelValues(endpoint, outcome).Inc()
}

func (m *HandshakeMetrics) ObserveTransition(from, to domain.HandshakeState) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(string(from), string(to)).Inc()
}

func (m *HandshakeMetrics) ObserveSweep(kind string, deleted int64) {
	if m == nil || deleted <= 0 {
		return
	}
	m.Swept.WithLabelValues(kind).Add(float64(deleted))
}

var _ port.HandshakeMetrics = (*HandshakeMetrics)(nil)

// Provider bundles the process-wide telemetry handles.
type Provider struct {
	Metrics *HandshakeMetrics
	Tracer  *TracerProvider
}

// Attach configures metrics and, when enabled, the OTLP tracer provider.
func Attach(ctx context.Context, cfg *config.AppConfig, reg prometheus.Registerer, logger *zap.Logger) (*Provider, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}

	metrics, err := NewHandshakeMetrics(reg)
	if err != nil {
		return nil, err
	}

	provider := &Provider{Metrics: metrics}
	if !cfg.Telemetry.TracingEnabled {
		return provider, nil
	}

	tracer, err := NewTracerProvider(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	provider.Tracer = tracer
	return provider, nil
}

// Shutdown flushes the tracer provider if one was started.
func (p *Provider) Shutdown(ctx context.Context) error {
	if p == nil || p.Tracer == nil {
		return nil
	}
	return p.Tracer.Shutdown(ctx)
}
