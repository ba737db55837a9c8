package errors

import (
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestMetadataForKnownCodes(t *testing.T) {
	tests := []struct {
		code      Code
		status    int
		publicMsg string
		retryable bool
		detailsOK bool
	}{
		{code: CodeValidation, status: http.StatusBadRequest, publicMsg: "validation failed", detailsOK: true},
		{code: CodeUnauthorized, status: http.StatusUnauthorized, publicMsg: "authentication required"},
		{code: CodeNotFound, status: http.StatusNotFound, publicMsg: "resource not found"},
		{code: CodeStateConflict, status: http.StatusUnprocessableEntity, publicMsg: "state transition disallowed", detailsOK: true},
		{code: CodeInternal, status: http.StatusInternalServerError, publicMsg: "internal server error", retryable: true},
		{code: CodeDependency, status: http.StatusServiceUnavailable, publicMsg: "dependency unavailable", retryable: true},
		{code: CodeTimeout, status: http.StatusGatewayTimeout, publicMsg: "dependency timed out", retryable: true},
		{code: CodeIntegrity, status: http.StatusConflict, publicMsg: "data integrity violation"},
	}

	for _, tt := range tests {
		meta := MetadataFor(tt.code)
		if meta.HTTPStatus != tt.status {
			t.Fatalf("code %s expected status %d got %d", tt.code, tt.status, meta.HTTPStatus)
		}
		if meta.PublicMessage != tt.publicMsg {
			t.Fatalf("code %s expected public message %q got %q", tt.code, tt.publicMsg, meta.PublicMessage)
		}
		if meta.Retryable != tt.retryable {
			t.Fatalf("code %s expected retryable %v got %v", tt.code, tt.retryable, meta.Retryable)
		}
		if meta.DetailsAllowed != tt.detailsOK {
			t.Fatalf("code %s expected details allowed %v got %v", tt.code, tt.detailsOK, meta.DetailsAllowed)
		}
	}
}

func TestMetadataForUnknownCodeDefaultsToInternal(t *testing.T) {
	meta := MetadataFor("SOMETHING_UNKNOWN")
	if meta.HTTPStatus != http.StatusInternalServerError {
		t.Fatalf("expected internal status, got %d", meta.HTTPStatus)
	}
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stdErrors.New("socket closed")
	wrapped := Wrap(CodeDependency, cause, "square get payment failed")
	if !stdErrors.Is(wrapped, cause) {
		t.Fatal("expected wrapped error to unwrap to cause")
	}
	outer := fmt.Errorf("verify order: %w", wrapped)
	if got := As(outer); got == nil || got.Code() != CodeDependency {
		t.Fatalf("expected dependency code through fmt wrapping, got %v", got)
	}
}

func TestCodeOfAndRetryable(t *testing.T) {
	if code := CodeOf(nil); code != "" {
		t.Fatalf("expected empty code for nil, got %s", code)
	}
	deadline := fmt.Errorf("call: %w", context.DeadlineExceeded)
	if code := CodeOf(deadline); code != CodeTimeout {
		t.Fatalf("expected timeout code, got %s", code)
	}
	if !IsRetryable(deadline) {
		t.Fatal("deadline errors should be retryable")
	}
	if IsRetryable(New(CodeIntegrity, "amount mismatch")) {
		t.Fatal("integrity errors must not be retryable")
	}
	if !HasCode(Wrap(CodeUnauthorized, nil, "401"), CodeUnauthorized) {
		t.Fatal("expected unauthorized code")
	}
	if code := CodeOf(stdErrors.New("plain")); code != CodeInternal {
		t.Fatalf("expected internal code for untyped error, got %s", code)
	}
}

func TestWithDetails(t *testing.T) {
	err := New(CodeIntegrity, "amount mismatch").WithDetails(map[string]any{"expected": 5090})
	details, ok := err.Details().(map[string]any)
	if !ok || details["expected"] != 5090 {
		t.Fatalf("unexpected details %#v", err.Details())
	}
}
