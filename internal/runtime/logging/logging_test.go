package logging

import (
	"bytes"
	"errors"
	"log/slog"
	"testing"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type record struct {
	level  string
	msg    string
	fields map[string]any
	err    error
}

// recorder implements both logger interfaces and shares its log with the
// children returned by With.
type recorder struct {
	log  *[]record
	base map[string]any
}

func newRecorder() *recorder {
	return &recorder{log: &[]record{}}
}

func (r *recorder) add(level, msg string, err error, fields map[string]any) {
	merged := make(map[string]any, len(r.base)+len(fields))
	for k, v := range r.base {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	*r.log = append(*r.log, record{level: level, msg: msg, fields: merged, err: err})
}

func (r *recorder) child(fields map[string]any) *recorder {
	c := &recorder{log: r.log, base: make(map[string]any, len(r.base)+len(fields))}
	for k, v := range r.base {
		c.base[k] = v
	}
	for k, v := range fields {
		c.base[k] = v
	}
	return c
}

func (r *recorder) Error(msg string, err error, fields watermill.LogFields) {
	r.add("error", msg, err, fields)
}
func (r *recorder) Info(msg string, fields watermill.LogFields)  { r.add("info", msg, nil, fields) }
func (r *recorder) Debug(msg string, fields watermill.LogFields) { r.add("debug", msg, nil, fields) }
func (r *recorder) Trace(msg string, fields watermill.LogFields) { r.add("trace", msg, nil, fields) }
func (r *recorder) With(fields watermill.LogFields) watermill.LoggerAdapter {
	return r.child(fields)
}

// serviceRecorder is a ServiceLogger that is not backed by watermill.
type serviceRecorder struct{ *recorder }

func (s serviceRecorder) With(fields LogFields) ServiceLogger {
	return serviceRecorder{s.child(fields)}
}
func (s serviceRecorder) Debug(msg string, fields LogFields) { s.add("debug", msg, nil, fields) }
func (s serviceRecorder) Info(msg string, fields LogFields)  { s.add("info", msg, nil, fields) }
func (s serviceRecorder) Trace(msg string, fields LogFields) { s.add("trace", msg, nil, fields) }
func (s serviceRecorder) Error(msg string, err error, fields LogFields) {
	s.add("error", msg, err, fields)
}

func TestServiceLoggerForwardsToWatermill(t *testing.T) {
	rec := newRecorder()
	logger := NewWatermillServiceLogger(rec)
	boom := errors.New("boom")

	logger.Debug("polling", LogFields{"topic": "ide-messages"})
	logger.Info("connected", nil)
	logger.Trace("frame", LogFields{"bytes": 42})
	logger.Error("send failed", boom, LogFields{"attempt": 3})
	logger.With(LogFields{"subscription": "cli"}).Info("settled", LogFields{"action": "complete"})

	require.Len(t, *rec.log, 5)
	levels := make([]string, 0, 5)
	for _, r := range *rec.log {
		levels = append(levels, r.level)
	}
	assert.Equal(t, []string{"debug", "info", "trace", "error", "info"}, levels)
	assert.Equal(t, "ide-messages", (*rec.log)[0].fields["topic"])
	assert.ErrorIs(t, (*rec.log)[3].err, boom)
	assert.Equal(t, map[string]any{"subscription": "cli", "action": "complete"}, (*rec.log)[4].fields)
}

func TestWithEmptyFieldsReturnsSameLogger(t *testing.T) {
	logger := NewWatermillServiceLogger(newRecorder())
	assert.Same(t, logger, logger.With(nil))
}

func TestWatermillAdapterForwardsToServiceLogger(t *testing.T) {
	rec := newRecorder()
	adapter := NewWatermillAdapter(serviceRecorder{rec})

	adapter.Info("opened", watermill.LogFields{"transport": "sqlite"})
	adapter.With(watermill.LogFields{"consumer": "c1"}).Debug("claimed", nil)
	adapter.Error("closed", errors.New("eof"), nil)

	require.Len(t, *rec.log, 3)
	assert.Equal(t, "sqlite", (*rec.log)[0].fields["transport"])
	assert.Equal(t, "c1", (*rec.log)[1].fields["consumer"])
	assert.EqualError(t, (*rec.log)[2].err, "eof")
}

func TestWatermillAdapterUnwrapsWatermillLogger(t *testing.T) {
	rec := newRecorder()
	assert.Same(t, rec, NewWatermillAdapter(NewWatermillServiceLogger(rec)))
}

func TestConstructorsRejectNil(t *testing.T) {
	assert.Panics(t, func() { NewWatermillServiceLogger(nil) })
	assert.Panics(t, func() { NewSlogServiceLogger(nil) })
	assert.Panics(t, func() { NewWatermillAdapter(nil) })
}

func TestFieldConversionKeepsNil(t *testing.T) {
	assert.Nil(t, toWatermillFields(nil))
	assert.Nil(t, fromWatermillFields(watermill.LogFields{}))
	assert.Equal(t, LogFields{"n": 1}, fromWatermillFields(toWatermillFields(LogFields{"n": 1})))
}

func TestSlogOutput(t *testing.T) {
	var buf bytes.Buffer
	NewSlogServiceLogger(slog.New(slog.NewTextHandler(&buf, nil))).Info("hello", LogFields{"sender": "CursorWin"})

	assert.Contains(t, buf.String(), "msg=hello")
	assert.Contains(t, buf.String(), "sender=CursorWin")
}

func TestTextServiceLoggerVerbosity(t *testing.T) {
	var quiet, verbose bytes.Buffer

	NewTextServiceLogger(&quiet, false).Debug("hidden", nil)
	NewTextServiceLogger(&verbose, true).Debug("shown", nil)

	assert.Zero(t, quiet.Len())
	assert.Contains(t, verbose.String(), "shown")
}

func TestNopDiscards(t *testing.T) {
	assert.NotPanics(t, func() {
		Nop().With(LogFields{"k": "v"}).Error("ignored", errors.New("boom"), nil)
	})
}
