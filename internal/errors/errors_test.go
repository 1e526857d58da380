package errors

import (
	stdErrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestDeriveKeepsCodeForIs(t *testing.T) {
	base := New(CodeConflict, "intent already executed")
	derived := Derive(base, WithMetadata("intent_id", "7"))

	if !stdErrors.Is(derived, base) {
		t.Fatalf("derived error should match base code")
	}
	if !strings.Contains(derived.Error(), "intent_id=7") {
		t.Fatalf("metadata missing from message: %s", derived.Error())
	}
	if base.Metadata() != nil {
		t.Fatalf("deriving must not mutate the sentinel")
	}
}

func TestCategoryAndRetryDefaults(t *testing.T) {
	wrapped := fmt.Errorf("outer: %w", New(CodeStorageFailure, ""))
	if CategoryOf(wrapped) != CategoryInfrastructure {
		t.Fatalf("unexpected category %s", CategoryOf(wrapped))
	}
	if !RetryableError(wrapped) {
		t.Fatalf("storage failures should be retryable")
	}
	if RetryableError(New(CodeInvalidArgument, "bad")) {
		t.Fatalf("validation errors must not be retryable")
	}
	if CodeOf(stdErrors.New("plain")) != CodeUnknown {
		t.Fatalf("plain errors should map to UNKNOWN")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Category: CategoryReplay, Severity: SeverityWarning})

	err := New(code, "")
	if err.Message() != "custom" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if err.Category() != CategoryReplay {
		t.Fatalf("expected replay category, got %s", err.Category())
	}
	if err.Retryable() {
		t.Fatalf("custom code registered as non retryable")
	}
	if !Derive(err, WithRetryable(true)).Retryable() {
		t.Fatalf("override should win over registry")
	}
}
