package reliability

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestIsRetryableHTTPStatus(t *testing.T) {
	cases := map[int]bool{
		200: false,
		400: false,
		404: false,
		409: false,
		429: true,
		500: true,
		502: true,
		503: true,
		504: true,
	}
	for code, want := range cases {
		if got := IsRetryableHTTPStatus(code); got != want {
			t.Fatalf("IsRetryableHTTPStatus(%d) = %v, want %v", code, got, want)
		}
	}
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestIsTimeout(t *testing.T) {
	if !IsTimeout(timeoutErr{}) {
		t.Fatal("expected timeout")
	}
	if IsTimeout(errors.New("boom")) {
		t.Fatal("plain error is not a timeout")
	}
	if IsTimeout(context.Canceled) {
		t.Fatal("cancel is not a timeout")
	}
}

func TestExponentialBackoff(t *testing.T) {
	base := 500 * time.Millisecond
	limit := 8 * time.Second
	if got := ExponentialBackoff(0, base, limit); got != base {
		t.Fatalf("attempt 0 = %v, want %v", got, base)
	}
	if got := ExponentialBackoff(1, base, limit); got != time.Second {
		t.Fatalf("attempt 1 = %v, want 1s", got)
	}
	if got := ExponentialBackoff(3, base, limit); got != 4*time.Second {
		t.Fatalf("attempt 3 = %v, want 4s", got)
	}
	if got := ExponentialBackoff(10, base, limit); got != limit {
		t.Fatalf("attempt 10 = %v, want cap %v", got, limit)
	}
}
