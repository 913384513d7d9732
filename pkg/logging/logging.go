// Package logging wraps zap with the scoped tags the engine attaches to
// almost every log line: space/index name, range id, transaction tsn, run
// id. Grounded on ignite's internal/engine, which threads a single
// *zap.SugaredLogger through every subsystem's Config.
package logging

import (
	"github.com/cockroachdb/logtags"
	"go.uber.org/zap"
)

// Logger is a *zap.SugaredLogger paired with a logtags.Buffer of ambient
// fields that get merged into every call.
type Logger struct {
	base *zap.SugaredLogger
	tags *logtags.Buffer
}

// New builds a Logger around a zap production logger. Passing nil uses
// zap.NewNop(), which is convenient for tests.
func New(base *zap.Logger) *Logger {
	if base == nil {
		base = zap.NewNop()
	}
	return &Logger{base: base.Sugar()}
}

// With returns a child Logger with an additional tag merged into every
// subsequent log call, e.g. log.With("range", rangeID).
func (l *Logger) With(key string, value any) *Logger {
	var tags *logtags.Buffer
	if l.tags == nil {
		tags = logtags.SingleTagBuffer(key, value)
	} else {
		tags = l.tags.Add(key, value)
	}
	return &Logger{base: l.base.With(key, value), tags: tags}
}

func (l *Logger) Debugf(format string, args ...any) { l.base.Debugf(format, args...) }
func (l *Logger) Infof(format string, args ...any)  { l.base.Infof(format, args...) }
func (l *Logger) Warnf(format string, args ...any)  { l.base.Warnf(format, args...) }
func (l *Logger) Errorf(format string, args ...any) { l.base.Errorf(format, args...) }

// Sync flushes buffered log entries; callers should defer it from main.
func (l *Logger) Sync() error { return l.base.Sync() }
