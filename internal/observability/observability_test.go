package observability

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"

	"github.com/guildtools/triggerd/internal/config"
	"github.com/guildtools/triggerd/internal/domain"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

// --- No-op path ---

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, testLogger())
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs != nil {
		t.Fatal("expected nil Observability for nil config")
	}
}

func TestNew_AllDisabled(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{}, testLogger())
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs == nil {
		t.Fatal("expected non-nil Observability")
	}
	if obs.Metrics != nil {
		t.Error("metrics should be nil when not enabled")
	}
	if obs.Tracer != nil {
		t.Error("tracer should be nil when not enabled")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
}

func TestObservability_NilSafety(t *testing.T) {
	// None of these may panic.
	var obs *Observability
	obs.Shutdown(context.Background())
	obs.MetricsCollector().RecordMessage("no_match")
	obs.MetricsCollector().RecordExecution(domain.LangJavaScript, domain.StatusSuccess, time.Second, false)
	obs.MetricsCollector().RecordRateLimited("guild-1")
	obs.MetricsCollector().MessageInFlight()()

	var ts *TracerSetup
	if ts.Tracer() == nil {
		t.Error("nil TracerSetup must yield a noop tracer, not nil")
	}
	ts.Shutdown(context.Background())
}

// --- MetricsCollector ---

func TestMetricsCollector_RecordAndGather(t *testing.T) {
	m := NewMetricsCollector()

	m.RecordExecution(domain.LangJavaScript, domain.StatusSuccess, 40*time.Millisecond, false)
	m.RecordExecution(domain.LangJavaScript, domain.StatusSuccess, 60*time.Millisecond, false)
	m.RecordExecution(domain.LangPython, domain.StatusTimeout, 2*time.Second, true)

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}

	var foundExec, foundTimeout, foundTrunc bool
	for _, f := range families {
		switch f.GetName() {
		case "triggerd_engine_executions_total":
			foundExec = true
			for _, metric := range f.GetMetric() {
				labels := labelMap(metric.GetLabel())
				if labels["language"] == "javascript" && labels["status"] == "success" {
					if got := metric.GetCounter().GetValue(); got != 2 {
						t.Errorf("javascript success count = %v, want 2", got)
					}
				}
			}
		case "triggerd_sandbox_timeouts_total":
			foundTimeout = true
		case "triggerd_sandbox_output_truncated_total":
			foundTrunc = true
		}
	}
	if !foundExec {
		t.Error("triggerd_engine_executions_total not found")
	}
	if !foundTimeout {
		t.Error("timeout counter not recorded for timeout status")
	}
	if !foundTrunc {
		t.Error("truncation counter not recorded for truncated output")
	}
}

func TestMetricsCollector_MessageOutcomes(t *testing.T) {
	m := NewMetricsCollector()
	m.RecordMessage("matched")
	m.RecordMessage("no_match")
	m.RecordMessage("no_match")
	m.RecordScan(true)
	m.RecordScan(false)
	m.RecordRejection(domain.LangPython, "process_spawn")
	m.RecordRegistryError()
	m.RecordAuditFailure()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("gather error: %v", err)
	}
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, expected := range []string{
		"triggerd_engine_messages_total",
		"triggerd_matcher_scans_total",
		"triggerd_validator_rejections_total",
		"triggerd_registry_errors_total",
		"triggerd_audit_append_failures_total",
	} {
		if !names[expected] {
			t.Errorf("metric %q not found in registry", expected)
		}
	}
}

// --- HealthChecker ---

func TestHealthChecker_AllPassing(t *testing.T) {
	h := NewHealthChecker(testLogger())
	h.AddCheck("storage", func(context.Context) error { return nil })
	h.AddCheck("runtime.javascript", func(context.Context) error { return nil })

	status := h.CheckReady(context.Background())
	if status.Status != "ok" {
		t.Errorf("status = %s, want ok", status.Status)
	}
}

func TestHealthChecker_Degraded(t *testing.T) {
	h := NewHealthChecker(testLogger())
	h.AddCheck("storage", func(context.Context) error { return nil })
	h.AddCheck("runtime.go", func(context.Context) error { return errors.New("go toolchain missing") })

	status := h.CheckReady(context.Background())
	if status.Status != "degraded" {
		t.Errorf("status = %s, want degraded", status.Status)
	}
	if status.Checks["runtime.go"].Status != "fail" {
		t.Errorf("failing check not reported: %+v", status.Checks)
	}
	if status.Checks["storage"].Status != "ok" {
		t.Errorf("passing check not reported: %+v", status.Checks)
	}
}

func labelMap(pairs []*dto.LabelPair) map[string]string {
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		out[p.GetName()] = p.GetValue()
	}
	return out
}
