// Package telemetry wires the global OTel tracer/meter providers used by
// internal/tiermanager and internal/retriever. Those packages call
// otel.Tracer/otel.Meter at package-init time against the global provider,
// which is a documented no-op until Init runs — the same split the teacher
// assumes in internal/storage/dolt/store.go's doltTracer/doltMetrics
// comments ("uses the global provider, which is a no-op until
// telemetry.Init() has been called"), though the teacher's own Init lives
// outside this retrieval pack, so this is built from the stdout exporters
// named in go.mod rather than copied.
package telemetry

import (
	"context"
	"fmt"
	"io"
	"os"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/stdout/stdoutmetric"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
)

// EnvEnable is the environment variable that turns telemetry on. Off by
// default: stdout exporters would otherwise interleave spans/metrics with
// the Tool Surface's own JSON lines on a shared terminal.
const EnvEnable = "STACKMEMORY_TELEMETRY"

// Providers holds the SDK providers Init registered globally, so Shutdown
// can flush and close them.
type Providers struct {
	tracerProvider *sdktrace.TracerProvider
	meterProvider  *sdkmetric.MeterProvider
}

// Init registers global tracer/meter providers backed by stdout exporters
// writing to w, if STACKMEMORY_TELEMETRY is set. If it isn't, Init leaves
// the global no-op providers in place and returns a Providers whose
// Shutdown is a no-op — callers don't need to branch on whether telemetry
// is enabled.
func Init(w io.Writer) (*Providers, error) {
	if os.Getenv(EnvEnable) == "" {
		return &Providers{}, nil
	}
	if w == nil {
		w = os.Stderr
	}

	traceExp, err := stdouttrace.New(stdouttrace.WithWriter(w), stdouttrace.WithoutTimestamps())
	if err != nil {
		return nil, fmt.Errorf("telemetry: trace exporter: %w", err)
	}
	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(traceExp))
	otel.SetTracerProvider(tp)

	metricExp, err := stdoutmetric.New(stdoutmetric.WithWriter(w))
	if err != nil {
		return nil, fmt.Errorf("telemetry: metric exporter: %w", err)
	}
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)))
	otel.SetMeterProvider(mp)

	return &Providers{tracerProvider: tp, meterProvider: mp}, nil
}

// Shutdown flushes and releases the providers Init registered. Safe to call
// on a Providers returned when telemetry was disabled.
func (p *Providers) Shutdown(ctx context.Context) error {
	if p == nil {
		return nil
	}
	var err error
	if p.tracerProvider != nil {
		err = p.tracerProvider.Shutdown(ctx)
	}
	if p.meterProvider != nil {
		if mErr := p.meterProvider.Shutdown(ctx); mErr != nil && err == nil {
			err = mErr
		}
	}
	return err
}
