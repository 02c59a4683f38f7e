package errors

import (
	stdErrors "errors"
	"fmt"
	"testing"
)

func TestWrapPreservesCodeAndCause(t *testing.T) {
	cause := stdErrors.New("rpc down")
	err := Wrap(CodeExternalFailure, cause, "锁定资金失败")

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if !stdErrors.Is(err, New(CodeExternalFailure, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeExternalFailure {
		t.Fatalf("expected code to survive fmt wrapping")
	}
	if KindOf(err) != KindExternal {
		t.Fatalf("unexpected kind %s", KindOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("external failures should be retryable by default")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Kind: KindState, Severity: SeverityInfo})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if err.Kind() != KindState {
		t.Fatalf("expected state kind, got %s", err.Kind())
	}
	if ShouldAlert(err) {
		t.Fatalf("custom code should not alert")
	}
}

func TestUnknownCodeFallsBack(t *testing.T) {
	attr := AttributesOf("NOT_REGISTERED")
	if attr.Severity != SeverityCritical {
		t.Fatalf("expected unknown attributes, got %+v", attr)
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors map to UNKNOWN")
	}
	if KindOf(nil) != KindInternal {
		t.Fatalf("nil error kind should be internal")
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeTimeout, "quote timeout",
		WithRetryable(false),
		WithSeverity(SeverityCritical),
		WithMetadata("venue", "lifi"))
	if err.Retryable() {
		t.Fatalf("retryable override ignored")
	}
	if err.Severity() != SeverityCritical {
		t.Fatalf("severity override ignored")
	}
	if err.Metadata()["venue"] != "lifi" {
		t.Fatalf("metadata missing: %+v", err.Metadata())
	}
}
