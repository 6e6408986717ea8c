// Package debuglog builds the process logger and throttles noisy debug lines.
package debuglog

import (
	"os"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const EnvDebug = "COUNTERMESH_DEBUG"

// Enabled reports whether debug logging was requested through the environment.
func Enabled() bool {
	return os.Getenv(EnvDebug) == "1"
}

// New returns a console logger writing to stderr at info level, or debug
// level when debug is set.
func New(debug bool) (*zap.Logger, error) {
	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if debug || Enabled() {
		cfg.Level.SetLevel(zapcore.DebugLevel)
	}
	cfg.DisableStacktrace = true
	cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.TimeOnly)
	return cfg.Build()
}

// Limiter lets through at most one line per key and interval. Keys idle for
// several intervals are swept.
type Limiter struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	interval time.Duration
	last     map[string]time.Time
	sweep    time.Time
}

func NewLimiter(interval time.Duration, clock clockwork.Clock) *Limiter {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Limiter{
		clock:    clock,
		interval: interval,
		last:     make(map[string]time.Time),
		sweep:    clock.Now(),
	}
}

func (l *Limiter) Allow(key string) bool {
	if key == "" {
		return false
	}
	now := l.clock.Now()
	l.mu.Lock()
	defer l.mu.Unlock()
	if last, ok := l.last[key]; ok && now.Sub(last) < l.interval {
		return false
	}
	l.last[key] = now
	if now.Sub(l.sweep) > 2*l.interval {
		for k, ts := range l.last {
			if now.Sub(ts) > 4*l.interval {
				delete(l.last, k)
			}
		}
		l.sweep = now
	}
	return true
}

// Debug logs msg at debug level unless key was logged within the interval.
func (l *Limiter) Debug(logger *zap.Logger, key, msg string, fields ...zap.Field) {
	if !logger.Core().Enabled(zapcore.DebugLevel) || !l.Allow(key) {
		return
	}
	logger.Debug(msg, fields...)
}
