package core

import (
	"os"

	"github.com/rs/zerolog"
)

// Logger is the logging contract every dispatch-core component takes at
// construction. Shaped after the teacher's connection-pool Logger
// interface, but backed by zerolog rather than the standard log package.
type Logger interface {
	Info(msg string, kv ...interface{})
	Warn(msg string, kv ...interface{})
	Error(msg string, kv ...interface{})
	Debug(msg string, kv ...interface{})
}

// ZerologLogger adapts zerolog.Logger to the Logger interface, pairing the
// kv varargs up into structured fields the way zerolog's event builder
// expects.
type ZerologLogger struct {
	logger zerolog.Logger
}

// NewZerologLogger creates a Logger backed by zerolog, writing to stderr by
// default.
func NewZerologLogger(component string) *ZerologLogger {
	return &ZerologLogger{
		logger: zerolog.New(os.Stderr).With().Timestamp().Str("component", component).Logger(),
	}
}

func withFields(e *zerolog.Event, kv []interface{}) *zerolog.Event {
	for i := 0; i+1 < len(kv); i += 2 {
		key, ok := kv[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, kv[i+1])
	}
	return e
}

func (l *ZerologLogger) Info(msg string, kv ...interface{}) {
	withFields(l.logger.Info(), kv).Msg(msg)
}

func (l *ZerologLogger) Warn(msg string, kv ...interface{}) {
	withFields(l.logger.Warn(), kv).Msg(msg)
}

func (l *ZerologLogger) Error(msg string, kv ...interface{}) {
	withFields(l.logger.Error(), kv).Msg(msg)
}

func (l *ZerologLogger) Debug(msg string, kv ...interface{}) {
	withFields(l.logger.Debug(), kv).Msg(msg)
}

// NopLogger discards everything; used as the default when no Logger is
// supplied and in tests that don't assert on log output.
type NopLogger struct{}

func (NopLogger) Info(string, ...interface{})  {}
func (NopLogger) Warn(string, ...interface{})  {}
func (NopLogger) Error(string, ...interface{}) {}
func (NopLogger) Debug(string, ...interface{}) {}
