package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the zerolog logger every autopilot component receives. The With*
// helpers return a child logger that stamps the identifier on each event.
type Logger struct {
	zerolog.Logger
}

// Config mirrors the logging section of the autopilot config
type Config struct {
	Level  string // debug, info, warn, error
	Format string // json or console
	Output string // stdout, stderr or a file path
}

// New builds a logger from cfg. An unknown level means info. When the output
// file cannot be opened the logger writes to stderr and says so.
func New(cfg Config) *Logger {
	output, openErr := openOutput(cfg.Output)

	if cfg.Format == "console" {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}
	}

	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	l := &Logger{Logger: zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", "autopilot").
		Logger()}

	if openErr != nil {
		l.Warn().Err(openErr).Str("path", cfg.Output).Msg("Cannot open log file, logging to stderr")
	}
	return l
}

func openOutput(path string) (io.Writer, error) {
	switch path {
	case "", "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return os.Stderr, err
	}
	return file, nil
}

// Default is the console logger used before config is loaded
func Default() *Logger {
	return New(Config{Level: "info", Format: "console"})
}

// Nop discards everything
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

func (l *Logger) with(key, value string) *Logger {
	return &Logger{Logger: l.With().Str(key, value).Logger()}
}

// WithComponent tags events with the emitting package
func (l *Logger) WithComponent(component string) *Logger { return l.with("component", component) }

func (l *Logger) WithAgentID(id string) *Logger { return l.with("agent_id", id) }

func (l *Logger) WithPostID(id string) *Logger { return l.with("post_id", id) }

// WithRunID tags events with a generation run
func (l *Logger) WithRunID(id string) *Logger { return l.with("run_id", id) }

// WithConnection tags events with a social connection and its platform
func (l *Logger) WithConnection(id, platform string) *Logger {
	return &Logger{Logger: l.With().Str("connection_id", id).Str("platform", platform).Logger()}
}
