package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	if m.WorkflowsActive == nil {
		t.Error("WorkflowsActive is nil")
	}
	if m.WorkflowDuration == nil {
		t.Error("WorkflowDuration is nil")
	}
	if m.TasksActive == nil {
		t.Error("TasksActive is nil")
	}
	if m.TaskResolutionLag == nil {
		t.Error("TaskResolutionLag is nil")
	}
	if m.ResumeRequests == nil {
		t.Error("ResumeRequests is nil")
	}
	if m.SchedulerTickDuration == nil {
		t.Error("SchedulerTickDuration is nil")
	}
	if m.SchedulerClaimMisses == nil {
		t.Error("SchedulerClaimMisses is nil")
	}
	if m.BusDroppedEvents == nil {
		t.Error("BusDroppedEvents is nil")
	}
	if m.OutboxBacklog == nil {
		t.Error("OutboxBacklog is nil")
	}
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	// Disabled OTel returns noop meter — metrics should still create without error.
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
}
