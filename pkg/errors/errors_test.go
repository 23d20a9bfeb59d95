package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"
)

func TestNew(t *testing.T) {
	err := New(CodeOrderNotFound, "order 42 not found")
	if err.Code != CodeOrderNotFound {
		t.Fatalf("expected code %s, got %s", CodeOrderNotFound, err.Code)
	}
	if err.Retryable {
		t.Fatal("order not found should not be retryable")
	}
	if got := err.Error(); got != "[ORDER_NOT_FOUND] order 42 not found" {
		t.Fatalf("unexpected Error(): %q", got)
	}
}

func TestNewf(t *testing.T) {
	err := Newf(CodeSymbolNotFound, "symbol %s not configured", "ETHUSDT")
	if err.Message != "symbol ETHUSDT not configured" {
		t.Fatalf("unexpected message: %q", err.Message)
	}
}

func TestRetryable(t *testing.T) {
	retryable := []Code{CodeTimeout, CodeUnavailable, CodeStorageFailure, CodeEngineQueueFull}
	for _, code := range retryable {
		if !New(code, "x").Retryable {
			t.Errorf("%s should be retryable", code)
		}
	}
	notRetryable := []Code{CodeInvalidParam, CodeOrderNotFound, CodeEngineHalted, CodeInternal}
	for _, code := range notRetryable {
		if New(code, "x").Retryable {
			t.Errorf("%s should not be retryable", code)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeOK, http.StatusOK},
		{CodeInvalidPrice, http.StatusBadRequest},
		{CodeInvalidQuantity, http.StatusBadRequest},
		{CodeInvalidSide, http.StatusBadRequest},
		{CodeOrderNotFound, http.StatusNotFound},
		{CodeSymbolNotFound, http.StatusNotFound},
		{CodeEngineQueueFull, http.StatusTooManyRequests},
		{CodeStorageFailure, http.StatusInternalServerError},
		{CodeEngineHalted, http.StatusServiceUnavailable},
		{CodeSequencerUnavailable, http.StatusServiceUnavailable},
		{CodeTimeout, http.StatusGatewayTimeout},
		{Code("SOMETHING_ELSE"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := New(tc.code, "x").HTTPStatus(); got != tc.want {
			t.Errorf("%s: HTTPStatus = %d, want %d", tc.code, got, tc.want)
		}
	}
}

func TestIs_MatchesByCode(t *testing.T) {
	err := Newf(CodeOrderNotFound, "order %d not found", 7)
	if !stderrors.Is(err, ErrOrderNotFound) {
		t.Fatal("expected errors.Is match by code")
	}
	if stderrors.Is(err, ErrSymbolNotFound) {
		t.Fatal("different codes should not match")
	}

	wrapped := fmt.Errorf("cancel: %w", err)
	if !stderrors.Is(wrapped, ErrOrderNotFound) {
		t.Fatal("expected match through wrapping")
	}

	var target *Error
	if !stderrors.As(wrapped, &target) {
		t.Fatal("expected errors.As to unwrap")
	}
	if target.Code != CodeOrderNotFound {
		t.Fatalf("unexpected code: %s", target.Code)
	}
}

func TestCodeOf(t *testing.T) {
	if got := CodeOf(nil); got != CodeOK {
		t.Fatalf("CodeOf(nil) = %s", got)
	}
	if got := CodeOf(New(CodeEngineHalted, "halted")); got != CodeEngineHalted {
		t.Fatalf("CodeOf = %s", got)
	}
	if got := CodeOf(stderrors.New("plain")); got != CodeUnknown {
		t.Fatalf("CodeOf(plain) = %s", got)
	}
}

func TestWithRequestID(t *testing.T) {
	err := New(CodeInternal, "boom").WithRequestID("req-1")
	if err.RequestID != "req-1" {
		t.Fatalf("unexpected request id: %q", err.RequestID)
	}
}
