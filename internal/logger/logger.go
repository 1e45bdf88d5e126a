package logger

import (
	"io"
	"os"
	"strings"
	"syscall"
	"time"

	"codeberg.org/mutker/gpuctld/internal/errors"
	"github.com/rs/zerolog"
)

// DefaultLevel is used when the configuration does not name a level.
const DefaultLevel = "info"

var log = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
	With().Timestamp().Logger()

type LogEvent struct {
	*zerolog.Event
}

func (e *LogEvent) Msg(msg string) {
	e.Event.Msg(msg)
}

func (e *LogEvent) Send() {
	e.Event.Send()
}

// Init initializes the logger with the given level name. Under a service
// manager the timestamp is dropped, since journald records its own.
func Init(level string, isService bool) error {
	parsed, err := ParseLevel(level)
	if err != nil {
		return err
	}

	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}

	if isService {
		output.NoColor = true
		output.TimeFormat = ""
		output.FormatTimestamp = func(_ interface{}) string {
			return ""
		}
	}

	log = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(parsed)

	return nil
}

// SetOutput replaces the log destination. Used by tests to capture output.
func SetOutput(w io.Writer) {
	log = zerolog.New(w).With().Timestamp().Logger()
}

// ParseLevel converts a configured level name into a zerolog level.
func ParseLevel(level string) (zerolog.Level, error) {
	errFactory := errors.New()

	if strings.TrimSpace(level) == "" {
		level = DefaultLevel
	}

	switch strings.ToLower(level) {
	case "warning":
		level = "warn"
	case "off", "disabled":
		return zerolog.Disabled, nil
	}

	parsed, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || parsed == zerolog.NoLevel {
		return zerolog.NoLevel, errFactory.WithData(errors.ErrInvalidLogLevel, level)
	}

	return parsed, nil
}

// IsService checks if the application is running as a service
func IsService() bool {
	if _, err := os.Stdin.Stat(); err != nil {
		return true
	}
	if os.Getenv("SERVICE_NAME") != "" || os.Getenv("INVOCATION_ID") != "" {
		return true
	}
	if os.Getppid() == 1 {
		return true
	}

	return syscall.Getpgrp() == syscall.Getpid()
}

// Trace logs a trace message
func Trace() *LogEvent {
	return &LogEvent{log.Trace()}
}

// Debug logs a debug message
func Debug() *LogEvent {
	return &LogEvent{log.Debug()}
}

// Info logs an info message
func Info() *LogEvent {
	return &LogEvent{log.Info()}
}

// Warn logs a warning message
func Warn() *LogEvent {
	return &LogEvent{log.Warn()}
}

// Error logs an error message
func Error() *LogEvent {
	return &LogEvent{log.Error()}
}

// ErrorWithCode logs an error message with the error code of err attached
func ErrorWithCode(err error) *LogEvent {
	return &LogEvent{log.Error().
		Str("error_code", string(errors.CodeOf(err))).
		Err(err)}
}

// WarnWithCode logs a warning with the error code of err attached
func WarnWithCode(err error) *LogEvent {
	return &LogEvent{log.Warn().
		Str("error_code", string(errors.CodeOf(err))).
		Err(err)}
}

// Fatal logs a fatal message and exits the program
func Fatal() *LogEvent {
	return &LogEvent{log.Fatal()}
}
