package engine

import (
	"log/slog"
	"time"

	"github.com/joeycumines/go-catrate"
)

// Log categories for rate limiting.
const (
	logParse        = "parse"
	logException    = "exception"
	logTimeout      = "timeout"
	logStore        = "store"
	logUnrecognized = "unrecognized"
	logTimer        = "timer"
)

// DefaultLogRates allows a burst of error logs per category, then throttles.
func DefaultLogRates() map[time.Duration]int {
	return map[time.Duration]int{
		time.Second: 5,
		time.Minute: 60,
	}
}

// errorLog rate limits repeated non-fatal error logs per category.
// Counters are always updated by the caller; only the log line is dropped.
type errorLog struct {
	logger  *slog.Logger
	limiter *catrate.Limiter // nil limiter allows everything
}

func newErrorLog(logger *slog.Logger, rates map[time.Duration]int) *errorLog {
	l := &errorLog{logger: logger}
	if len(rates) != 0 {
		l.limiter = catrate.NewLimiter(rates)
	}
	return l
}

func (l *errorLog) warn(category, msg string, args ...any) {
	if _, ok := l.limiter.Allow(category); ok {
		l.logger.Warn(msg, append(args, "category", category)...)
	}
}

func (l *errorLog) error(category, msg string, args ...any) {
	if _, ok := l.limiter.Allow(category); ok {
		l.logger.Error(msg, append(args, "category", category)...)
	}
}
