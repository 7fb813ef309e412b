// Package log provides the logging abstraction that the core's replicas,
// DAG store, broadcaster and compactor accept through their SetLogger
// methods (each starts with NoOp): a small, library-shaped interface backed by
// github.com/luxfi/log and go.uber.org/zap, rather than each component
// wiring a concrete logger itself.
package log

import (
	luxlog "github.com/luxfi/log"
	"go.uber.org/zap"
)

// Logger is the subset of a structured logger a library component needs:
// leveled logging with key-value pairs, and a way to bind fields for the
// lifetime of a sub-component (e.g. one DeltaReplica's id).
type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
	With(kv ...any) Logger
}

// wrapped adapts a github.com/luxfi/log.Logger to this package's narrower
// interface, the way the teacher's nolog.go adapts the same package to its
// own no-op surface.
type wrapped struct {
	inner luxlog.Logger
}

// New wraps an existing luxfi/log.Logger.
func New(inner luxlog.Logger) Logger {
	return wrapped{inner: inner}
}

// NoOp returns a logger that discards everything, backed by the teacher's
// NoLog implementation of luxfi/log.Logger.
func NoOp() Logger {
	return wrapped{inner: NewNoOpLogger()}
}

// zapLogger is a minimal Logger backed directly by zap, for callers (like
// cmd/replicasim) that want real output without standing up a full
// luxfi/log.Logger.
type zapLogger struct {
	z *zap.SugaredLogger
}

// NewDevelopment returns a console-output logger suitable for a CLI.
func NewDevelopment(name string) Logger {
	z, err := zap.NewDevelopment()
	if err != nil {
		return NoOp()
	}
	return zapLogger{z: z.Sugar().Named(name)}
}

func (l zapLogger) Debug(msg string, kv ...any) { l.z.Debugw(msg, kv...) }
func (l zapLogger) Info(msg string, kv ...any)  { l.z.Infow(msg, kv...) }
func (l zapLogger) Warn(msg string, kv ...any)  { l.z.Warnw(msg, kv...) }
func (l zapLogger) Error(msg string, kv ...any) { l.z.Errorw(msg, kv...) }

func (l zapLogger) With(kv ...any) Logger {
	return zapLogger{z: l.z.With(kv...)}
}

func (w wrapped) Debug(msg string, kv ...any) { w.inner.Debug(msg, kv...) }
func (w wrapped) Info(msg string, kv ...any)  { w.inner.Info(msg, kv...) }
func (w wrapped) Warn(msg string, kv ...any)  { w.inner.Warn(msg, kv...) }
func (w wrapped) Error(msg string, kv ...any) { w.inner.Error(msg, kv...) }

func (w wrapped) With(kv ...any) Logger {
	return wrapped{inner: w.inner.With(kv...)}
}
