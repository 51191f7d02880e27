// Package telemetry provides OpenTelemetry metrics for the remediation loop.
//
// Telemetry is disabled by default; a disabled Recorder is backed by the
// no-op meter provider and costs nothing. When enabled, metrics are written
// to the configured writer by the stdout exporter.
//
// Instruments:
//
//	buildfix.attempts          counter, by result
//	buildfix.sessions          counter, by outcome
//	buildfix.build.duration    histogram (ms), by outcome
package telemetry

import (
	"context"
	"fmt"
	"io"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

const instrumentationScope = "github.com/steveyegge/buildfix"

// Init installs the global meter provider. When enabled is false the no-op
// provider is installed. The returned function flushes and shuts down.
func Init(ctx context.Context, enabled bool, w io.Writer, interval time.Duration) (func(context.Context) error, error) {
	if !enabled {
		otel.SetMeterProvider(metricnoop.NewMeterProvider())
		return func(context.Context) error { return nil }, nil
	}

	exp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("telemetry: stdout exporter: %w", err)
	}
	if interval <= 0 {
		interval = 15 * time.Second
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(
		sdkmetric.NewPeriodicReader(exp, sdkmetric.WithInterval(interval)),
	))
	otel.SetMeterProvider(mp)
	return mp.Shutdown, nil
}

// Recorder records remediation metrics. A nil *Recorder is valid and
// records nothing.
type Recorder struct {
	attempts metric.Int64Counter
	sessions metric.Int64Counter
	builds   metric.Float64Histogram
}

// NewRecorder creates instruments on meter
func NewRecorder(meter metric.Meter) (*Recorder, error) {
	attempts, err := meter.Int64Counter("buildfix.attempts",
		metric.WithDescription("Fix attempts by result"),
	)
	if err != nil {
		return nil, err
	}
	sessions, err := meter.Int64Counter("buildfix.sessions",
		metric.WithDescription("Fix sessions by outcome"),
	)
	if err != nil {
		return nil, err
	}
	builds, err := meter.Float64Histogram("buildfix.build.duration",
		metric.WithDescription("Build tool invocation duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, err
	}
	return &Recorder{attempts: attempts, sessions: sessions, builds: builds}, nil
}

// Global returns a Recorder on the global meter provider
func Global() *Recorder {
	r, err := NewRecorder(otel.Meter(instrumentationScope))
	if err != nil {
		return nil
	}
	return r
}

// Attempt counts a finished fix attempt
func (r *Recorder) Attempt(ctx context.Context, result, kind string) {
	if r == nil {
		return
	}
	r.attempts.Add(ctx, 1, metric.WithAttributes(
		attribute.String("result", result),
		attribute.String("strategy", kind),
	))
}

// Session counts a finished session
func (r *Recorder) Session(ctx context.Context, outcome string) {
	if r == nil {
		return
	}
	r.sessions.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", outcome)))
}

// Build records one build tool invocation
func (r *Recorder) Build(ctx context.Context, d time.Duration, outcome string) {
	if r == nil {
		return
	}
	r.builds.Record(ctx, float64(d.Milliseconds()), metric.WithAttributes(attribute.String("outcome", outcome)))
}
