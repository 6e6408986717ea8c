package testutil

import (
	"testing"
	"time"
)

// Per-iteration bounds for fuzz targets.
const (
	MaxFuzzInput = 1 << 16
	FuzzDeadline = 250 * time.Millisecond
)

// Bounded truncates data to MaxFuzzInput and runs fn on it, failing tb when fn
// does not return within FuzzDeadline.
func Bounded(tb testing.TB, data []byte, fn func([]byte)) {
	tb.Helper()
	if len(data) > MaxFuzzInput {
		data = data[:MaxFuzzInput]
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		fn(data)
	}()
	timer := time.NewTimer(FuzzDeadline)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		tb.Fatalf("fuzz iteration exceeded %s on %d bytes", FuzzDeadline, len(data))
	}
}
