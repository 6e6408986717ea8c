package testutil

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest"
)

// Logger returns a test logger at the level named by TEST_LOG_LEVEL, or a
// nop logger when it is unset.
func Logger(tb testing.TB) *zap.Logger {
	tb.Helper()
	lvl := os.Getenv("TEST_LOG_LEVEL")
	if lvl == "" {
		return zap.NewNop()
	}
	var level zapcore.Level
	if err := level.Set(lvl); err != nil {
		tb.Fatalf("TEST_LOG_LEVEL: %v", err)
	}
	return zaptest.NewLogger(tb, zaptest.Level(level))
}
