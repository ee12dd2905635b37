// Package log builds the zerolog loggers used across the remote timeline
// client and the wal-redo coordinator.
package log

import (
	"context"
	"fmt"
	"io"
	"os"
	"runtime/debug"

	"github.com/rs/zerolog"
)

func init() {
	zerolog.CallerSkipFrameCount = 3
}

// Out is the log output writer.
var Out io.Writer = os.Stderr

// Mode "dev" prints in console format, anything else (e.g. "json")
// prints structured output.
var Mode = "dev"

// Logger is the main logging element.
type Logger struct {
	zl *zerolog.Logger
}

// New returns a new Logger tagged with the given package name.
func New(pkg string) *Logger {
	zl := createLog(pkg, os.Getpid())
	return &Logger{zl: zl}
}

// Builder allows constructing a log event step by step.
type Builder struct {
	event *zerolog.Event
}

// Str adds a string field to the builder.
func (b *Builder) Str(key, val string) *Builder {
	b.event = b.event.Str(key, val)
	return b
}

// Int adds an int field to the builder.
func (b *Builder) Int(key string, val int) *Builder {
	b.event = b.event.Int(key, val)
	return b
}

// Msg writes the message with any fields stored on the builder.
func (b *Builder) Msg(ctx context.Context, msg string) {
	b.event.Str("trace", getTrace(ctx)).Msg(msg)
}

// Build allocates a new info-level Builder.
func (l *Logger) Build() *Builder {
	return &Builder{event: l.zl.Info()}
}

// BuildWarn allocates a new warn-level Builder, used once a task's retry
// count reaches the configured warn threshold.
func (l *Logger) BuildWarn() *Builder {
	return &Builder{event: l.zl.Warn()}
}

// BuildError allocates a new error-level Builder.
func (l *Logger) BuildError() *Builder {
	return &Builder{event: l.zl.Error()}
}

// Println prints in info level.
func (l *Logger) Println(ctx context.Context, args ...interface{}) {
	l.zl.Info().Str("trace", getTrace(ctx)).Msg(fmt.Sprint(args...))
}

// Printf prints in info level.
func (l *Logger) Printf(ctx context.Context, format string, args ...interface{}) {
	l.zl.Info().Str("trace", getTrace(ctx)).Msg(fmt.Sprintf(format, args...))
}

// Error prints in error level.
func (l *Logger) Error(ctx context.Context, err error) {
	l.zl.Error().Str("trace", getTrace(ctx)).Msg(err.Error())
}

// Panic prints in error level with a stack trace.
func (l *Logger) Panic(ctx context.Context, reason string) {
	stack := debug.Stack()
	msg := reason + "\n" + string(stack)
	l.zl.Error().Str("trace", getTrace(ctx)).Bool("panic", true).Msg(msg)
}

func createLog(pkg string, pid int) *zerolog.Logger {
	zlog := zerolog.New(os.Stderr).With().Str("pkg", pkg).Int("pid", pid).Timestamp().Caller().Logger()
	if Mode == "" || Mode == "dev" {
		zlog = zlog.Output(zerolog.ConsoleWriter{Out: Out})
	} else {
		zlog = zlog.Output(Out)
	}
	return &zlog
}

func getTrace(ctx context.Context) string {
	if v, ok := ctx.Value("trace").(string); ok {
		return v
	}
	return ""
}
