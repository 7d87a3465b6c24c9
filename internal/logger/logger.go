package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger wraps zerolog.Logger with application-specific methods
type Logger struct {
	zerolog.Logger
}

// New creates a new Logger instance
func New(level string, format string) *Logger {
	// Set global log level
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	var logger zerolog.Logger

	if format == "text" || format == "console" {
		// Human-readable output for development
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		logger = zerolog.New(output).With().Timestamp().Caller().Logger()
	} else {
		// JSON output for production
		logger = zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()
	}

	return &Logger{Logger: logger}
}

// NewWriter creates a JSON logger that writes to w. Tests use it with a bytes.Buffer.
func NewWriter(w io.Writer) *Logger {
	return &Logger{Logger: zerolog.New(w).With().Timestamp().Logger()}
}

// Nop returns a logger that discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithRequestID returns a new logger with the request ID attached
func (l *Logger) WithRequestID(requestID string) *Logger {
	return &Logger{
		Logger: l.With().Str("request_id", requestID).Logger(),
	}
}

// WithActor returns a new logger with the actor ID attached
func (l *Logger) WithActor(actorID string) *Logger {
	return &Logger{
		Logger: l.With().Str("actor_id", actorID).Logger(),
	}
}

// WithComponent returns a new logger with the component name attached
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{
		Logger: l.With().Str("component", component).Logger(),
	}
}

// HTTPRequest logs an HTTP request
func (l *Logger) HTTPRequest(method, path string, statusCode int, duration time.Duration, clientIP string) {
	l.Info().
		Str("method", method).
		Str("path", path).
		Int("status", statusCode).
		Dur("duration", duration).
		Str("client_ip", clientIP).
		Msg("HTTP request")
}

// FallbackSink receives audit entries that could not be persisted.
// Entries go to a size-rotated JSON file and are echoed at error level to the main logger.
type FallbackSink struct {
	file   zerolog.Logger
	echo   *Logger
	closer io.Closer
}

// NewFallbackSink creates a sink writing to path, rotated by lumberjack.
// An empty path keeps only the echo to the main logger.
func NewFallbackSink(path string, echo *Logger) *FallbackSink {
	if path == "" {
		return &FallbackSink{file: zerolog.Nop(), echo: echo}
	}
	rotator := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    50, // megabytes
		MaxBackups: 10,
		MaxAge:     90, // days
		Compress:   true,
	}
	return &FallbackSink{
		file:   zerolog.New(rotator).With().Timestamp().Logger(),
		echo:   echo,
		closer: rotator,
	}
}

// NewFallbackSinkWriter creates a sink over an arbitrary writer
func NewFallbackSinkWriter(w io.Writer, echo *Logger) *FallbackSink {
	return &FallbackSink{file: zerolog.New(w).With().Timestamp().Logger(), echo: echo}
}

// Write records an undeliverable entry with the reason it was diverted
func (s *FallbackSink) Write(reason string, entry interface{}, cause error) {
	ev := s.file.Log().Str("reason", reason).Interface("entry", entry)
	if cause != nil {
		ev = ev.Str("error", cause.Error())
	}
	ev.Msg("audit fallback")

	if s.echo != nil {
		s.echo.Error().Err(cause).Str("reason", reason).Msg("audit entry diverted to fallback sink")
	}
}

// Close flushes and closes the rotated file
func (s *FallbackSink) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}
