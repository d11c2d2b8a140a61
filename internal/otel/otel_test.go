package otel

import (
	"context"
	"testing"
)

func TestInit_Disabled(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init disabled: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.Tracer == nil {
		t.Fatal("expected non-nil tracer (noop)")
	}
	if p.Meter == nil {
		t.Fatal("expected non-nil meter (noop)")
	}
	if err := p.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
}

func TestInit_NoneExporter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init with none exporter: %v", err)
	}
	defer p.Shutdown(context.Background())

	if p.TracerProvider == nil || p.Tracer == nil || p.Meter == nil {
		t.Fatal("provider not fully constructed")
	}
}

func TestInit_UnknownExporter(t *testing.T) {
	if _, err := Init(context.Background(), Config{Enabled: true, Exporter: "magic"}); err == nil {
		t.Fatal("expected error for unknown exporter")
	}
}

func TestNewMetrics(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.ApprovalsCreated == nil || m.TokenVerifyFailures == nil || m.TOTPLockouts == nil {
		t.Fatal("instruments not constructed")
	}
	// Noop instruments accept recordings without error.
	m.ApprovalsCreated.Add(context.Background(), 1)
	m.RequestDuration.Record(context.Background(), 0.01)
}

func TestSpanHelpers(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: true, Exporter: "none"})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	ctx, span := StartServerSpan(context.Background(), p.Tracer, "gateway.action",
		AttrActor.String("user-1"),
		AttrService.String("gmail"),
		AttrAction.String("send_email"),
	)
	span.SetAttributes(AttrErrorCode.String("approval_required"))
	span.End()

	// Child spans inherit the server span's context.
	_, client := StartClientSpan(ctx, p.Tracer, "totpd.verify")
	client.End()
	_, inner := StartSpan(ctx, p.Tracer, "resolver.approve", AttrChatID.Int64(42))
	inner.End()
}
