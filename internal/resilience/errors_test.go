package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestIsTransient_Nil(t *testing.T) {
	if IsTransient(nil) {
		t.Error("nil error must not be transient")
	}
}

func TestIsTransient_ExplicitWrap(t *testing.T) {
	err := NewTransientError(errors.New("503 from upstream"), 503)
	if !IsTransient(err) {
		t.Error("explicit TransientError not detected")
	}
	wrapped := fmt.Errorf("probe: %w", err)
	if !IsTransient(wrapped) {
		t.Error("wrapped TransientError not detected")
	}
}

func TestIsTransient_Syscall(t *testing.T) {
	for _, errno := range []syscall.Errno{syscall.ECONNRESET, syscall.ECONNREFUSED, syscall.ECONNABORTED} {
		if !IsTransient(fmt.Errorf("dial: %w", errno)) {
			t.Errorf("%v should be transient", errno)
		}
	}
}

func TestIsTransient_StringPatterns(t *testing.T) {
	cases := map[string]bool{
		"read tcp: connection reset by peer":   true,
		"lookup api.example.com: no such host": true,
		"net/http: TLS handshake timeout":      true,
		"invalid api key":                      false,
		"record not found":                     false,
	}
	for msg, want := range cases {
		if got := IsTransient(errors.New(msg)); got != want {
			t.Errorf("IsTransient(%q) = %v, want %v", msg, got, want)
		}
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	transient := []int{408, 429, 500, 502, 503, 504}
	for _, code := range transient {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("status %d should be transient", code)
		}
	}
	for _, code := range []int{200, 301, 400, 401, 403, 404, 410} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("status %d should not be transient", code)
		}
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("boom")
	te := NewTransientError(inner, 500)
	if !errors.Is(te, inner) {
		t.Error("Unwrap chain broken")
	}
	if te.StatusCode != 500 {
		t.Errorf("StatusCode = %d, want 500", te.StatusCode)
	}
}
