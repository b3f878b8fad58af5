package testutil

import (
	"testing"
	"time"
)

const (
	DefaultMaxFuzzBytes = 1 << 12
	DefaultFuzzTimeout  = 100 * time.Millisecond
)

// CapBytes truncates fuzz input to limit bytes. A limit of zero or less
// disables the cap.
func CapBytes(b []byte, limit int) []byte {
	if limit <= 0 {
		return b
	}
	if len(b) > limit {
		return b[:limit]
	}
	return b
}

func WithTimeout(t testing.TB, d time.Duration, fn func()) {
	t.Helper()
	if d <= 0 {
		d = DefaultFuzzTimeout
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn()
	}()
	select {
	case <-done:
	case <-time.After(d):
		t.Fatalf("timeout after %s", d)
	}
}
