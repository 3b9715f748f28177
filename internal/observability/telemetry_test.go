package observability_test

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/musher-dev/tether/internal/observability"
)

type testPropagator struct{}

func (testPropagator) Inject(context.Context, propagation.TextMapCarrier) {}

func (testPropagator) Extract(ctx context.Context, _ propagation.TextMapCarrier) context.Context {
	return ctx
}

func (testPropagator) Fields() []string { return nil }

type testErrorHandler struct{}

func (testErrorHandler) Handle(error) {}

// installSentinels swaps the otel globals for recognizable values and
// restores the originals when the test ends.
func installSentinels(t *testing.T) *sdktrace.TracerProvider {
	t.Helper()

	origTP := otel.GetTracerProvider()
	origPropagator := otel.GetTextMapPropagator()
	origErrorHandler := otel.GetErrorHandler()

	sentinelTP := sdktrace.NewTracerProvider()

	t.Cleanup(func() {
		otel.SetTracerProvider(origTP)
		otel.SetTextMapPropagator(origPropagator)
		otel.SetErrorHandler(origErrorHandler)

		_ = sentinelTP.Shutdown(context.Background())
	})

	otel.SetTracerProvider(sentinelTP)
	otel.SetTextMapPropagator(testPropagator{})
	otel.SetErrorHandler(testErrorHandler{})

	return sentinelTP
}

func assertSentinels(t *testing.T, sentinelTP *sdktrace.TracerProvider, when string) {
	t.Helper()

	if got := otel.GetTracerProvider(); got != sentinelTP {
		t.Fatalf("tracer provider not restored %s", when)
	}

	if _, ok := otel.GetTextMapPropagator().(testPropagator); !ok {
		t.Fatalf("propagator not restored %s", when)
	}

	if _, ok := otel.GetErrorHandler().(testErrorHandler); !ok {
		t.Fatalf("error handler not restored %s", when)
	}
}

func TestSetupTelemetry_Disabled(t *testing.T) {
	sentinelTP := installSentinels(t)

	shutdown, err := observability.SetupTelemetry(t.Context(), &observability.TelemetryConfig{Enabled: false})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}

	assertSentinels(t, sentinelTP, "when telemetry is disabled")
}

func TestSetupTelemetry_NilConfig(t *testing.T) {
	shutdown, err := observability.SetupTelemetry(t.Context(), nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if err := shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestSetupTelemetry_EnabledInstallsAndRestores(t *testing.T) {
	sentinelTP := installSentinels(t)

	shutdown, err := observability.SetupTelemetry(t.Context(), &observability.TelemetryConfig{
		Enabled:     true,
		Endpoint:    "http://localhost:4318/v1/traces",
		ServiceName: "tether-test",
		Version:     "0.0.1",
		Commit:      "abc123",
		Agent:       "opencode",
		SampleRatio: 0.25,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	tp := otel.GetTracerProvider()
	if _, isNoop := tp.(*noop.TracerProvider); isNoop {
		t.Fatal("expected real TracerProvider, got noop")
	}

	if tp == sentinelTP {
		t.Fatal("expected setup to replace tracer provider")
	}

	if err := shutdown(t.Context()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}

	assertSentinels(t, sentinelTP, "after shutdown")
}

func TestSetupTelemetry_ShutdownRestoresGlobalsOnCanceledContext(t *testing.T) {
	sentinelTP := installSentinels(t)

	shutdown, err := observability.SetupTelemetry(t.Context(), &observability.TelemetryConfig{Enabled: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	canceledCtx, cancel := context.WithCancel(t.Context())
	cancel()

	_ = shutdown(canceledCtx)

	assertSentinels(t, sentinelTP, "on shutdown error")
}

func TestTelemetryFromEnv(t *testing.T) {
	t.Setenv("OTEL_ENABLED", "yes")
	t.Setenv("OTEL_SERVICE_NAME", " tether-ci ")
	t.Setenv("OTEL_EXPORTER_OTLP_TRACES_ENDPOINT", "http://collector:4318/v1/traces")
	t.Setenv("TETHER_TRACE_SAMPLE_RATIO", "0.5")

	cfg := observability.TelemetryFromEnv("1.2.3", "deadbeef", "opencode")

	if !cfg.Enabled || cfg.ServiceName != "tether-ci" || cfg.Endpoint != "http://collector:4318/v1/traces" {
		t.Fatalf("TelemetryFromEnv() = %+v", cfg)
	}

	if cfg.SampleRatio != 0.5 || cfg.Agent != "opencode" || cfg.Version != "1.2.3" || cfg.Commit != "deadbeef" {
		t.Fatalf("TelemetryFromEnv() = %+v", cfg)
	}

	t.Setenv("TETHER_TRACE_SAMPLE_RATIO", "half")

	if got := observability.TelemetryFromEnv("", "", "").SampleRatio; got != 1 {
		t.Fatalf("unparseable ratio should keep everything, got %v", got)
	}
}

func TestIsTelemetryEnabled(t *testing.T) {
	tests := []struct {
		name     string
		envValue string
		want     bool
	}{
		{"empty", "", false},
		{"true", "true", true},
		{"TRUE", "TRUE", true},
		{"1", "1", true},
		{"yes", "yes", true},
		{"false", "false", false},
		{"0", "0", false},
		{"random", "random", false},
		{"whitespace true", "  true  ", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("OTEL_ENABLED", tt.envValue)

			if got := observability.IsTelemetryEnabled(); got != tt.want {
				t.Errorf("IsTelemetryEnabled() = %v, want %v (env=%q)", got, tt.want, tt.envValue)
			}
		})
	}
}

func TestFailSpan(t *testing.T) {
	t.Parallel()

	recorder := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder))

	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	_, span := tp.Tracer("tether.test").Start(t.Context(), "supervisor.flow")
	observability.FailSpan(span, errors.New("exit status 3"), "flow failed")
	span.End()

	_, cancelled := tp.Tracer("tether.test").Start(t.Context(), "task.run")
	observability.FailSpan(cancelled, nil, "cancelled")
	cancelled.End()

	spans := recorder.Ended()
	if len(spans) != 2 {
		t.Fatalf("ended spans = %d, want 2", len(spans))
	}

	if st := spans[0].Status(); st.Code != codes.Error || st.Description != "flow failed" {
		t.Fatalf("status = %+v", st)
	}

	if len(spans[0].Events()) != 1 || spans[0].Events()[0].Name != "exception" {
		t.Fatalf("expected a recorded error event, got %+v", spans[0].Events())
	}

	if len(spans[1].Events()) != 0 || spans[1].Status().Code != codes.Error {
		t.Fatalf("nil error should only set status, got %+v %+v", spans[1].Events(), spans[1].Status())
	}
}
