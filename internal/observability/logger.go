// Package observability provides structured logging for MindVault services.
package observability

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/pkgerrors"
)

// Logger wraps zerolog with MindVault-specific context helpers.
type Logger struct {
	zl zerolog.Logger
}

// LogConfig holds logger configuration.
type LogConfig struct {
	Level       string
	Format      string // json or console
	Output      io.Writer
	ServiceName string
}

// NewLogger creates a Logger from the given configuration.
func NewLogger(cfg LogConfig) *Logger {
	zerolog.ErrorStackMarshaler = pkgerrors.MarshalStack
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stdout
	}

	var zl zerolog.Logger
	if cfg.Format == "console" {
		zl = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		})
	} else {
		zl = zerolog.New(output)
	}

	zl = zl.With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Logger()

	return &Logger{zl: zl}
}

// DefaultLogger returns a logger with development settings.
func DefaultLogger() *Logger {
	return NewLogger(LogConfig{
		Level:       "debug",
		Format:      "console",
		ServiceName: "mindvault",
	})
}

// Nop returns a logger that discards everything. Useful in tests.
func Nop() *Logger {
	return &Logger{zl: zerolog.Nop()}
}

// Component returns a logger tagged with a component name.
func (l *Logger) Component(name string) *Logger {
	return &Logger{zl: l.zl.With().Str("component", name).Logger()}
}

// WithUser returns a logger carrying the acting username.
func (l *Logger) WithUser(username string) *Logger {
	return &Logger{zl: l.zl.With().Str("user", username).Logger()}
}

// WithKB returns a logger carrying a knowledge-base id.
func (l *Logger) WithKB(kbID string) *Logger {
	return &Logger{zl: l.zl.With().Str("kb_id", kbID).Logger()}
}

// WithJob returns a logger carrying a job id.
func (l *Logger) WithJob(jobID string) *Logger {
	return &Logger{zl: l.zl.With().Str("job_id", jobID).Logger()}
}

// WithDoc returns a logger carrying a document id.
func (l *Logger) WithDoc(docID int64) *Logger {
	return &Logger{zl: l.zl.With().Int64("doc_id", docID).Logger()}
}

// WithContext returns a logger carrying the request correlation id, when set.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if rid := RequestIDFromContext(ctx); rid != "" {
		return &Logger{zl: l.zl.With().Str("request_id", rid).Logger()}
	}
	return l
}

// Debug starts a debug-level event.
func (l *Logger) Debug() *Event { return &Event{evt: l.zl.Debug()} }

// Info starts an info-level event.
func (l *Logger) Info() *Event { return &Event{evt: l.zl.Info()} }

// Warn starts a warn-level event.
func (l *Logger) Warn() *Event { return &Event{evt: l.zl.Warn()} }

// Error starts an error-level event.
func (l *Logger) Error() *Event { return &Event{evt: l.zl.Error()} }

// Fatal starts a fatal-level event; sending it exits the process.
func (l *Logger) Fatal() *Event { return &Event{evt: l.zl.Fatal()} }

// Event is a log event being assembled.
type Event struct {
	evt *zerolog.Event
}

// Str adds a string field.
func (e *Event) Str(key, val string) *Event {
	e.evt = e.evt.Str(key, val)
	return e
}

// Strs adds a string-slice field.
func (e *Event) Strs(key string, val []string) *Event {
	e.evt = e.evt.Strs(key, val)
	return e
}

// Int adds an int field.
func (e *Event) Int(key string, val int) *Event {
	e.evt = e.evt.Int(key, val)
	return e
}

// Int64 adds an int64 field.
func (e *Event) Int64(key string, val int64) *Event {
	e.evt = e.evt.Int64(key, val)
	return e
}

// Float64 adds a float64 field.
func (e *Event) Float64(key string, val float64) *Event {
	e.evt = e.evt.Float64(key, val)
	return e
}

// Bool adds a bool field.
func (e *Event) Bool(key string, val bool) *Event {
	e.evt = e.evt.Bool(key, val)
	return e
}

// Dur adds a duration field.
func (e *Event) Dur(key string, val time.Duration) *Event {
	e.evt = e.evt.Dur(key, val)
	return e
}

// Err adds an error field.
func (e *Event) Err(err error) *Event {
	e.evt = e.evt.Err(err)
	return e
}

// Interface adds an arbitrary value as a field.
func (e *Event) Interface(key string, val interface{}) *Event {
	e.evt = e.evt.Interface(key, val)
	return e
}

// Msg sends the event with a message.
func (e *Event) Msg(msg string) {
	e.evt.Msg(msg)
}

// Msgf sends the event with a formatted message.
func (e *Event) Msgf(format string, args ...interface{}) {
	e.evt.Msgf(format, args...)
}

// Send sends the event without a message.
func (e *Event) Send() {
	e.evt.Send()
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "fatal":
		return zerolog.FatalLevel
	default:
		return zerolog.InfoLevel
	}
}

type contextKey string

const requestIDKey contextKey = "request_id"

// ContextWithRequestID attaches a request correlation id to the context.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestIDFromContext extracts the request correlation id, if any.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(requestIDKey).(string); ok {
		return v
	}
	return ""
}
