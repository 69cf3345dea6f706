// Package logging holds the logger the client core writes to and the glue
// that lets the same logger reach watermill-based transports.
package logging

import (
	"io"
	"log/slog"

	"github.com/ThreeDotsLabs/watermill"
)

// LogFields are key/value pairs attached to one log line.
type LogFields map[string]any

// ServiceLogger has the same shape as watermill.LoggerAdapter with buslink's
// field type, so either side can be wrapped without loss.
type ServiceLogger interface {
	With(fields LogFields) ServiceLogger
	Debug(msg string, fields LogFields)
	Info(msg string, fields LogFields)
	Error(msg string, err error, fields LogFields)
	Trace(msg string, fields LogFields)
}

// NewSlogServiceLogger logs through log.
func NewSlogServiceLogger(log *slog.Logger) ServiceLogger {
	if log == nil {
		panic("buslink: nil *slog.Logger")
	}
	return NewWatermillServiceLogger(watermill.NewSlogLogger(log))
}

// NewTextServiceLogger writes slog text lines to w. Debug lines are kept
// only when verbose is set.
func NewTextServiceLogger(w io.Writer, verbose bool) ServiceLogger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if verbose {
		opts.Level = slog.LevelDebug
	}
	return NewSlogServiceLogger(slog.New(slog.NewTextHandler(w, opts)))
}

// NewWatermillServiceLogger logs through a watermill adapter.
func NewWatermillServiceLogger(logger watermill.LoggerAdapter) ServiceLogger {
	if logger == nil {
		panic("buslink: nil watermill.LoggerAdapter")
	}
	return &fromAdapter{wm: logger}
}

// Nop discards everything.
func Nop() ServiceLogger {
	return &fromAdapter{wm: watermill.NopLogger{}}
}

// NewWatermillAdapter is the reverse of NewWatermillServiceLogger and hands
// back the original adapter when log came from there.
func NewWatermillAdapter(log ServiceLogger) watermill.LoggerAdapter {
	switch l := log.(type) {
	case nil:
		panic("buslink: nil ServiceLogger")
	case *fromAdapter:
		return l.wm
	default:
		return &toAdapter{svc: log}
	}
}

type fromAdapter struct {
	wm watermill.LoggerAdapter
}

func (l *fromAdapter) With(fields LogFields) ServiceLogger {
	if len(fields) == 0 {
		return l
	}
	return &fromAdapter{wm: l.wm.With(toWatermillFields(fields))}
}

func (l *fromAdapter) Debug(msg string, fields LogFields) { l.wm.Debug(msg, toWatermillFields(fields)) }
func (l *fromAdapter) Info(msg string, fields LogFields)  { l.wm.Info(msg, toWatermillFields(fields)) }
func (l *fromAdapter) Trace(msg string, fields LogFields) { l.wm.Trace(msg, toWatermillFields(fields)) }
func (l *fromAdapter) Error(msg string, err error, fields LogFields) {
	l.wm.Error(msg, err, toWatermillFields(fields))
}

type toAdapter struct {
	svc ServiceLogger
}

func (a *toAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return &toAdapter{svc: a.svc.With(fromWatermillFields(fields))}
}

func (a *toAdapter) Debug(msg string, fields watermill.LogFields) {
	a.svc.Debug(msg, fromWatermillFields(fields))
}
func (a *toAdapter) Info(msg string, fields watermill.LogFields) {
	a.svc.Info(msg, fromWatermillFields(fields))
}
func (a *toAdapter) Trace(msg string, fields watermill.LogFields) {
	a.svc.Trace(msg, fromWatermillFields(fields))
}
func (a *toAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.svc.Error(msg, err, fromWatermillFields(fields))
}

func toWatermillFields(fields LogFields) watermill.LogFields {
	if len(fields) == 0 {
		return nil
	}
	return watermill.LogFields(fields)
}

func fromWatermillFields(fields watermill.LogFields) LogFields {
	if len(fields) == 0 {
		return nil
	}
	return LogFields(fields)
}
