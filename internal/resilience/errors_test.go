package resilience

import (
	"errors"
	"fmt"
	"syscall"
	"testing"
)

func TestIsTransient(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient error", Transient(errors.New("429"), 429), true},
		{"wrapped transient", fmt.Errorf("call failed: %w", Transient(errors.New("503"), 503)), true},
		{"plain error", errors.New("bad request"), false},
		{"conn reset", syscall.ECONNRESET, true},
		{"conn refused", syscall.ECONNREFUSED, true},
		{"message match", errors.New("dial tcp: i/o timeout"), true},
		{"dns failure", errors.New("lookup fitband.example.com: no such host"), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.want {
				t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestTransientError_Unwrap(t *testing.T) {
	inner := errors.New("rate limited")
	te := Transient(inner, 429)
	if !errors.Is(te, inner) {
		t.Error("expected errors.Is to reach the wrapped error")
	}
	if te.Error() != "rate limited" {
		t.Errorf("unexpected message: %s", te.Error())
	}
	if te.StatusCode != 429 {
		t.Errorf("expected status 429, got %d", te.StatusCode)
	}
}

func TestIsTransientHTTPStatus(t *testing.T) {
	for _, code := range []int{408, 429, 500, 502, 503, 504} {
		if !IsTransientHTTPStatus(code) {
			t.Errorf("expected %d to be transient", code)
		}
	}
	for _, code := range []int{200, 201, 301, 400, 401, 403, 404, 422} {
		if IsTransientHTTPStatus(code) {
			t.Errorf("expected %d not to be transient", code)
		}
	}
}
