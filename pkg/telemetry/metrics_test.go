package telemetry

import (
	"context"
	"testing"
	"time"
)

func TestMetrics_SnapshotLabels(t *testing.T) {
	m, err := NewMetrics(MetricsConfig{Enabled: true, Namespace: "test"})
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}

	m.RecordSandboxRun("refresh.compute", "ok", time.Millisecond)
	m.RecordSandboxRun("refresh.compute", "ok", time.Millisecond)
	m.RecordSandboxRun("init.compute", "timeout", time.Millisecond)

	snapshot, err := m.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	tests := map[string]float64{
		"test_sandbox_runs_total": 3,
		`test_sandbox_runs_total{result="ok",slot="refresh.compute"}`: 2,
		`test_sandbox_runs_total{result="timeout",slot="init.compute"}`: 1,
		`test_sandbox_run_duration_seconds{slot="refresh.compute"}`:      2,
	}
	for key, want := range tests {
		if got := snapshot[key]; got != want {
			t.Errorf("%s: expected %v, got %v", key, want, got)
		}
	}
}

func TestTelemetry_ShutdownUnregistersMetrics(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Logging.Output = "stderr"
	cfg.Metrics.Enabled = true
	cfg.Metrics.Namespace = "test"
	cfg.Events.Enabled = true

	tel, err := NewTelemetry(cfg)
	if err != nil {
		t.Fatalf("failed to create telemetry: %v", err)
	}
	tel.Metrics.RecordRefresh("ok")

	if err := tel.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown failed: %v", err)
	}

	snapshot, err := tel.Metrics.Snapshot()
	if err != nil {
		t.Fatalf("snapshot failed: %v", err)
	}
	if len(snapshot) != 0 {
		t.Errorf("expected no metric families after shutdown, got %v", snapshot)
	}
}
