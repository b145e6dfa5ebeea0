package instrumentation

import (
	"context"
	"testing"

	promclient "github.com/prometheus/client_golang/prometheus"
)

func TestNew_Disabled(t *testing.T) {
	inst, err := New(Config{ServiceName: "test", Enabled: false})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if inst.Metrics() == nil {
		t.Error("Metrics() should not be nil even when disabled")
	}
	if inst.MeterProvider() == nil {
		t.Error("MeterProvider() should not be nil")
	}
	if inst.TracerProvider() == nil {
		t.Error("TracerProvider() should not be nil")
	}

	// Recording against no-op providers must not panic.
	ctx := context.Background()
	inst.Metrics().RecordTokenIssued(ctx, "client-1")
	inst.Metrics().RecordTokenReuseDetected(ctx)
	inst.Metrics().RecordCacheLookup(ctx, true)

	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("Shutdown() failed: %v", err)
	}
}

func TestNew_EnabledWithPrometheus(t *testing.T) {
	reg := promclient.NewRegistry()
	inst, err := New(Config{
		ServiceName:          "test",
		ServiceVersion:       "1.0.0",
		Enabled:              true,
		PrometheusRegisterer: reg,
	})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	defer inst.Shutdown(context.Background()) //nolint:errcheck

	ctx := context.Background()
	inst.Metrics().RecordHTTPRequest(ctx, "POST", "/oauth/token", 200, 4.2)
	inst.Metrics().RecordTokenRotated(ctx, "client-1", 2)

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() failed: %v", err)
	}
	if len(families) == 0 {
		t.Error("expected exported metric families after recording")
	}
}

func TestNew_Defaults(t *testing.T) {
	inst, err := New(Config{})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	if inst.config.ServiceName != "connector-oauth" {
		t.Errorf("default service name = %q", inst.config.ServiceName)
	}
	if inst.config.ServiceVersion != DefaultServiceVersion {
		t.Errorf("default service version = %q", inst.config.ServiceVersion)
	}
}

func TestShutdown_Idempotent(t *testing.T) {
	inst, err := New(Config{Enabled: false})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	ctx := context.Background()
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("first Shutdown() failed: %v", err)
	}
	if err := inst.Shutdown(ctx); err != nil {
		t.Errorf("second Shutdown() failed: %v", err)
	}
}

func TestNilSafeSpanHelpers(t *testing.T) {
	// All helpers must tolerate nil spans.
	RecordError(nil, context.Canceled)
	SetSpanSuccess(nil)
	SetSpanAttributes(nil)
	AddFlowAttributes(nil, "client", "user", "scope")
	AddFamilyAttributes(nil, "family", 3)
}
