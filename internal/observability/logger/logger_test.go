package logger_test

import (
	"context"
	"testing"

	obscontext "github.com/smallbiznis/lexcredit/internal/observability/context"
	"github.com/smallbiznis/lexcredit/internal/observability/logger"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithContextAddsCorrelationFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	ctx := obscontext.WithRequestID(context.Background(), "req-1")
	ctx = obscontext.WithAccountID(ctx, "42")

	logger.WithContext(ctx, base).Info("reserved")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected 1 log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-1" {
		t.Fatalf("expected request_id req-1, got %v", fields["request_id"])
	}
	if fields["account_id"] != "42" {
		t.Fatalf("expected account_id 42, got %v", fields["account_id"])
	}
	if _, ok := fields["trace_id"]; ok {
		t.Fatalf("expected no trace_id without an active span")
	}
}

func TestWithContextWithoutFieldsReturnsBase(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	base := zap.New(core)

	logger.WithContext(context.Background(), base).Info("plain")

	if got := len(logs.All()[0].Context); got != 0 {
		t.Fatalf("expected no context fields, got %d", got)
	}
}
