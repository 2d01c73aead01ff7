package shopcache

import (
	"sync"
	"time"

	"go.uber.org/zap"
)

// rateLimitedLogger emits at most one warning per interval and counts what
// it swallowed in between.
type rateLimitedLogger struct {
	log      *zap.Logger
	mu       sync.Mutex
	lastAt   time.Time
	interval time.Duration
	dropped  int
}

func newRateLimitedLogger(log *zap.Logger, interval time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{log: log, interval: interval}
}

func (l *rateLimitedLogger) Warn(msg string, fields ...zap.Field) {
	l.mu.Lock()
	now := time.Now()
	if !l.lastAt.IsZero() && now.Sub(l.lastAt) < l.interval {
		l.dropped++
		l.mu.Unlock()
		return
	}
	l.lastAt = now
	dropped := l.dropped
	l.dropped = 0
	l.mu.Unlock()

	if dropped > 0 {
		fields = append(fields, zap.Int("suppressed", dropped))
	}
	l.log.Warn(msg, fields...)
}
