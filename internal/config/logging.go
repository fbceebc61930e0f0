package config

import (
	"io"
	"log/slog"
	"os"

	slogmulti "github.com/samber/slog-multi"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogOptions describes where logs go.
type LogOptions struct {
	File       string
	Level      slog.Level
	MaxSizeMB  int
	MaxBackups int

	// Extra handlers receive every record too (e.g. the OpenTelemetry bridge).
	Extra []slog.Handler
}

// LogOptions returns the logging settings of c.
func (c Config) LogOptions() LogOptions {
	return LogOptions{
		File:       c.LogFile,
		Level:      c.LogLevel,
		MaxSizeMB:  c.LogMaxSizeMB,
		MaxBackups: c.LogMaxBackups,
	}
}

// SetupLogger creates a fan-out logger: text to stderr, JSON to a rotating
// file. Returns the logger and a cleanup function closing the file.
func SetupLogger(opts LogOptions) (*slog.Logger, func() error) {
	stderrHandler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: opts.Level})

	if opts.File == "" {
		handlers := append([]slog.Handler{stderrHandler}, opts.Extra...)
		return slog.New(slogmulti.Fanout(handlers...)), func() error { return nil }
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		Compress:   true,
		LocalTime:  true,
	}
	fileHandler := slog.NewJSONHandler(rotator, &slog.HandlerOptions{Level: opts.Level})

	handlers := append([]slog.Handler{stderrHandler, fileHandler}, opts.Extra...)
	return slog.New(slogmulti.Fanout(handlers...)), rotator.Close
}

// SetupLoggerWithWriters creates a logger with custom writers (for testing).
func SetupLoggerWithWriters(stderr, file io.Writer, level slog.Level) *slog.Logger {
	stderrHandler := slog.NewTextHandler(stderr, &slog.HandlerOptions{Level: level})
	fileHandler := slog.NewJSONHandler(file, &slog.HandlerOptions{Level: level})
	return slog.New(slogmulti.Fanout(stderrHandler, fileHandler))
}
