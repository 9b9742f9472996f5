package logger

import (
	"context"
	"testing"

	"workbench/pkg/utils/contextkey"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestContextFieldsAreAttached(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	restore := Replace(FromZap(zap.New(core)))
	defer restore()

	ctx := context.WithValue(context.Background(), contextkey.TraceID, "t-1")
	ctx = WithWorkflow(ctx, 42)
	Warn(ctx, "render lock released without stall_others", zap.String("extra", "x"))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["trace_id"] != "t-1" {
		t.Fatalf("trace_id = %v", fields["trace_id"])
	}
	if fields["workflow_id"] != int64(42) {
		t.Fatalf("workflow_id = %v", fields["workflow_id"])
	}
	if fields["extra"] != "x" {
		t.Fatalf("extra = %v", fields["extra"])
	}
}

func TestNilLoggerIsSilent(t *testing.T) {
	restore := Replace(nil)
	defer restore()

	Info(context.Background(), "dropped")
	Error(context.Background(), "dropped")
	if err := Sync(); err != nil {
		t.Fatalf("Sync() = %v", err)
	}
}

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatal("expected invalid level error")
	}
	if _, err := NewLogger(Config{Level: "debug", Format: "json", OutputPath: "stderr"}); err != nil {
		t.Fatalf("NewLogger() = %v", err)
	}
}
