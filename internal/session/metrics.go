package session

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/loqalabs/loqa-voicecommand/session"

type metrics struct {
	detected metric.Int64Counter
	restarts metric.Int64Counter
	failures metric.Int64Counter
	gauge    metric.Registration
}

func newMetrics(c *Controller) (*metrics, error) {
	meter := c.meters.Meter(instrumentationName)
	detected, err := meter.Int64Counter("loqa.voice.commands.detected", metric.WithDescription("Voice commands delivered to the listener"))
	if err != nil {
		return nil, err
	}
	restarts, err := meter.Int64Counter("loqa.voice.stream.restarts", metric.WithDescription("Recognition streams reopened within a session"))
	if err != nil {
		return nil, err
	}
	failures, err := meter.Int64Counter("loqa.voice.session.failures", metric.WithDescription("Sessions that failed to start or continue"))
	if err != nil {
		return nil, err
	}
	active, err := meter.Int64ObservableGauge("loqa.voice.session.active", metric.WithDescription("1 while a session is starting or listening"))
	if err != nil {
		return nil, err
	}
	gauge, err := meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		var v int64
		if c.State().Active() {
			v = 1
		}
		obs.ObserveInt64(active, v)
		return nil
	}, active)
	if err != nil {
		return nil, err
	}
	return &metrics{detected: detected, restarts: restarts, failures: failures, gauge: gauge}, nil
}

func (m *metrics) close() {
	if m == nil || m.gauge == nil {
		return
	}
	_ = m.gauge.Unregister()
}

func (m *metrics) commandDetected(ctx context.Context, policy string) {
	if m == nil {
		return
	}
	m.detected.Add(ctx, 1, metric.WithAttributes(attribute.String("policy", policy)))
}

func (m *metrics) streamRestarted(ctx context.Context, reason string) {
	if m == nil {
		return
	}
	m.restarts.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", reason)))
}

func (m *metrics) sessionFailed(ctx context.Context, kind ErrorKind) {
	if m == nil {
		return
	}
	m.failures.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind.String())))
}
