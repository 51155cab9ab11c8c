package errors

import (
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("disk full")
	err := Wrap(CodeStorageFailure, cause, "保存失败")

	if !stdErrors.Is(err, cause) {
		t.Fatalf("expected wrapped cause to be reachable")
	}
	if !stdErrors.Is(fmt.Errorf("outer: %w", err), New(CodeStorageFailure, "")) {
		t.Fatalf("expected errors.Is to match by code")
	}
	if CodeOf(fmt.Errorf("outer: %w", err)) != CodeStorageFailure {
		t.Fatalf("unexpected code: %s", CodeOf(err))
	}
	if !RetryableError(err) {
		t.Fatalf("storage failures should be retryable by default")
	}
}

func TestOptionsOverrideDefaults(t *testing.T) {
	err := New(CodeStorageFailure, "", WithRetryable(false), WithAlert(false), WithSeverity(SeverityInfo), WithMetadata("table", "agents"))

	if err.Message() != "storage failure" {
		t.Fatalf("expected default message, got %q", err.Message())
	}
	if err.Retryable() || err.ShouldAlert() {
		t.Fatalf("expected overrides to disable retry and alert")
	}
	if err.Severity() != SeverityInfo {
		t.Fatalf("unexpected severity: %s", err.Severity())
	}
	if err.Metadata()["table"] != "agents" {
		t.Fatalf("metadata missing: %+v", err.Metadata())
	}
}

func TestStatusMapping(t *testing.T) {
	cases := map[Code]int{
		CodeInvalidArgument:       http.StatusBadRequest,
		CodeNotFound:              http.StatusNotFound,
		CodePayloadTooLarge:       http.StatusRequestEntityTooLarge,
		CodeInitializationFailure: http.StatusServiceUnavailable,
		CodeExecutorFailure:       http.StatusBadGateway,
		CodeTimeout:               http.StatusGatewayTimeout,
		Code("NOT_REGISTERED"):    http.StatusInternalServerError,
	}
	for code, want := range cases {
		if got := HTTPStatus(code); got != want {
			t.Fatalf("code %s: got %d want %d", code, got, want)
		}
	}
	if StatusOf(stdErrors.New("plain")) != http.StatusInternalServerError {
		t.Fatalf("plain errors should map to 500")
	}
}

func TestRegisterCustomCode(t *testing.T) {
	const code Code = "TEST_CUSTOM"
	Register(code, Attributes{Message: "custom", Severity: SeverityInfo, HTTPStatus: http.StatusTeapot})

	if HTTPStatus(code) != http.StatusTeapot {
		t.Fatalf("custom status not applied")
	}
	if New(code, "").Message() != "custom" {
		t.Fatalf("custom message not applied")
	}
}
