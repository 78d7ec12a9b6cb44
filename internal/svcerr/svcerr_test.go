package svcerr

import (
	"errors"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestServiceErrorCodeAndUnwrap(t *testing.T) {
	cause := errors.New("disk full")
	err := New("locks.acquire", "row_insert_failed", cause)

	var serviceErr *ServiceError
	if !errors.As(err, &serviceErr) {
		t.Fatalf("expected ServiceError, got %T", err)
	}
	if serviceErr.Code() != "locks.acquire.row_insert_failed" {
		t.Fatalf("unexpected code %s", serviceErr.Code())
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be unwrapped")
	}
	if New("op", "reason", nil).Error() != "op.reason" {
		t.Fatalf("expected bare code when cause is nil")
	}
}

func TestLogIncludesOperationAndReason(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	Log(zap.New(core), "locks service error", "locks.release", "row_delete_failed", errors.New("boom"), zap.Uint("post_id", 3))

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one log entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["operation"] != "locks.release" || fields["reason"] != "row_delete_failed" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if fields["post_id"] != uint64(3) {
		t.Fatalf("expected post_id field, got %v", fields["post_id"])
	}
}
