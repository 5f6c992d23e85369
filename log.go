package vmx

import (
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// warnEvery is the minimum interval between two rate-limited warnings.
const warnEvery = 5 * time.Second

type rateLimitedLogger struct {
	logger logrus.FieldLogger
	limit  *rate.Limiter
}

func (rl *rateLimitedLogger) Warnf(format string, v ...any) {
	if rl.limit.Allow() {
		rl.logger.Warnf(format, v...)
	}
}

func (rl *rateLimitedLogger) WithFields(fields logrus.Fields) *rateLimitedEntry {
	return &rateLimitedEntry{rl: rl, fields: fields}
}

type rateLimitedEntry struct {
	rl     *rateLimitedLogger
	fields logrus.Fields
}

func (e *rateLimitedEntry) Warn(msg string) {
	if e.rl.limit.Allow() {
		e.rl.logger.WithFields(e.fields).Warn(msg)
	}
}

// newRateLimitedLogger returns a logger that logs to logger no more than once
// per every.
func newRateLimitedLogger(logger logrus.FieldLogger, every time.Duration) *rateLimitedLogger {
	return &rateLimitedLogger{
		logger: logger,
		limit:  rate.NewLimiter(rate.Every(every), 1),
	}
}
