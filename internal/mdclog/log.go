// Package mdclog implements the minimalistic structured logging library
// used across the Mail Delivery Core, adapted from the teacher's
// framework/log: a Logger is a stateless value carrying a Name and a set of
// base Fields, writing through to a zap core. Every component gets its own
// named Logger (e.g. "inbound", "dkim", "outbound") so lines are
// attributable per-subsystem.
package mdclog

import (
	"fmt"
	"strings"
	"time"

	"github.com/foxcpp/maddy/internal/mdcerrors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger writes structured log lines tagged with Name and base Fields.
//
// Logger is stateless and safe to copy; the underlying zap core is shared.
type Logger struct {
	core   zapcore.Core
	Name   string
	Debug  bool
	Fields map[string]interface{}
}

// New builds a Logger writing JSON lines to the process's default zap
// production core, named after the owning component.
func New(name string, debug bool) Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	enc := zapcore.NewJSONEncoder(cfg)
	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}
	core := zapcore.NewCore(enc, zapcore.Lock(zapcore.AddSync(stdoutSink{})), level)
	return Logger{core: core, Name: name, Debug: debug}
}

type stdoutSink struct{}

func (stdoutSink) Write(p []byte) (int, error) {
	return fmt.Print(string(p)), nil
}

// With returns a copy of l carrying additional base fields merged on top of
// the existing ones.
func (l Logger) With(fields map[string]interface{}) Logger {
	merged := make(map[string]interface{}, len(l.Fields)+len(fields))
	for k, v := range l.Fields {
		merged[k] = v
	}
	for k, v := range fields {
		merged[k] = v
	}
	l.Fields = merged
	return l
}

func (l Logger) zapFields(extra map[string]interface{}) []zap.Field {
	fs := make([]zap.Field, 0, len(l.Fields)+len(extra)+1)
	fs = append(fs, zap.String("component", l.Name))
	for k, v := range l.Fields {
		fs = append(fs, zap.Any(k, v))
	}
	for k, v := range extra {
		fs = append(fs, zap.Any(k, v))
	}
	return fs
}

func (l Logger) write(lvl zapcore.Level, msg string, extra map[string]interface{}) {
	if l.core == nil {
		return
	}
	if lvl == zapcore.DebugLevel && !l.Debug {
		return
	}
	if ce := l.core.Check(zapcore.Entry{Level: lvl, Time: time.Now(), Message: msg}, nil); ce != nil {
		ce.Write(l.zapFields(extra)...)
	}
}

func (l Logger) Debugf(format string, val ...interface{}) {
	l.write(zapcore.DebugLevel, fmt.Sprintf(format, val...), nil)
}

func (l Logger) Printf(format string, val ...interface{}) {
	l.write(zapcore.InfoLevel, strings.TrimRight(fmt.Sprintf(format, val...), "\n"), nil)
}

// Msg writes an informational structured event.
func (l Logger) Msg(msg string, fields map[string]interface{}) {
	l.write(zapcore.InfoLevel, msg, fields)
}

// Error writes an error event, merging in any structured fields carried by
// err (via mdcerrors.Fields) the same way the teacher's Logger.Error pulls
// from exterrors.Fields.
func (l Logger) Error(msg string, err error, fields map[string]interface{}) {
	if err == nil {
		return
	}
	allFields := make(map[string]interface{}, len(fields)+4)
	for k, v := range mdcerrors.Fields(err) {
		allFields[k] = v
	}
	for k, v := range fields {
		allFields[k] = v
	}
	if _, ok := allFields["reason"]; !ok {
		allFields["reason"] = err.Error()
	}
	l.write(zapcore.ErrorLevel, msg, allFields)
}

// Zap exposes the underlying core wrapped as a *zap.Logger for libraries
// (e.g. go-imap-sql-adjacent code kept from the teacher) that expect one.
func (l Logger) Zap() *zap.Logger {
	if l.core == nil {
		return zap.NewNop()
	}
	return zap.New(l.core).Named(l.Name)
}
