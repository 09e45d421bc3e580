package otel

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel/metric"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	if p.Tracer == nil || p.Meter == nil {
		t.Fatal("disabled provider must still hand out no-op tracer and meter")
	}
	if p.TracerProvider != nil {
		t.Fatal("disabled provider must not build an SDK tracer provider")
	}
	snap, err := p.Snapshot(context.Background())
	if err != nil || len(snap) != 0 {
		t.Fatalf("disabled snapshot should be empty, got %v %v", snap, err)
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_Exporters(t *testing.T) {
	cases := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"none", Config{Enabled: true, Exporter: ExporterNone}, false},
		{"stdout", Config{Enabled: true, Exporter: ExporterStdout}, false},
		{"custom service and rate", Config{Enabled: true, Exporter: ExporterNone, ServiceName: "fleet-east", SampleRate: 0.5}, false},
		{"rate above one", Config{Enabled: true, Exporter: ExporterNone, SampleRate: 7}, false},
		{"unknown", Config{Enabled: true, Exporter: "carrier-pigeon"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p, err := Init(context.Background(), tc.cfg)
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error")
				}
				return
			}
			if err != nil {
				t.Fatalf("Init: %v", err)
			}
			defer p.Shutdown(context.Background())
			if p.TracerProvider == nil {
				t.Fatal("expected SDK tracer provider")
			}
			_, span := p.Tracer.Start(context.Background(), "coordinator.test")
			if !span.SpanContext().IsValid() {
				t.Fatal("enabled tracer should produce valid span contexts")
			}
			span.End()
		})
	}
}

func TestProvider_SnapshotTotalsInstruments(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	ctx := context.Background()
	m.EventsAppended.Add(ctx, 2, metric.WithAttributes(AttrEventType.String("issue.created")))
	m.EventsAppended.Add(ctx, 1, metric.WithAttributes(AttrEventType.String("agent.status_changed")))
	m.ActiveConnections.Add(ctx, 1)
	m.MutationDuration.Record(ctx, 0.01)
	m.MutationDuration.Record(ctx, 0.02)

	snap, err := p.Snapshot(ctx)
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}
	if snap["fleet.events.appended"] != 3 {
		t.Fatalf("expected 3 appended across types, got %v", snap)
	}
	if snap["fleet.connections.active"] != 1 {
		t.Fatalf("expected one active connection, got %v", snap)
	}
	if snap["fleet.mutation.duration.count"] != 2 {
		t.Fatalf("expected two duration observations, got %v", snap)
	}
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: ExporterNone})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	_, span := StartSpan(context.Background(), p.Tracer, "coordinator.assign_issue",
		AttrAgentID.String("agent-1"),
		AttrIssueID.String("issue-1"),
	)
	span.End()

	_, span = StartServerSpan(context.Background(), p.Tracer, "http GET")
	span.End()

	_, span = StartClientSpan(context.Background(), p.Tracer, "relay.xadd",
		AttrEventType.String("issue.created"),
		AttrSeq.Int64(7),
	)
	span.End()
}
