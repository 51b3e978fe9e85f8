// Package logging builds the structured loggers shared by the quorum services.
package logging

import (
	"io"
	"os"
	"path/filepath"

	"github.com/phuslu/log"
)

// Config selects the level and destination of log output. When File is set
// logs go to a rotating file, which keeps the terminal free for the TUI.
type Config struct {
	Level   string
	File    string
	Console bool
}

// New returns a logger for the given configuration.
func New(cfg Config) *log.Logger {
	level := log.InfoLevel
	if cfg.Level != "" {
		level = log.ParseLevel(cfg.Level)
	}
	logger := &log.Logger{
		Level:      level,
		TimeFormat: "15:04:05",
	}
	switch {
	case cfg.File != "":
		_ = os.MkdirAll(filepath.Dir(cfg.File), 0o755)
		logger.Writer = &log.FileWriter{
			Filename:   cfg.File,
			MaxSize:    50 * 1024 * 1024,
			MaxBackups: 3,
			LocalTime:  true,
		}
	case cfg.Console:
		logger.Writer = &log.ConsoleWriter{ColorOutput: true, Writer: os.Stderr}
	default:
		logger.Writer = log.IOWriter{Writer: os.Stderr}
	}
	return logger
}

// Nop returns a logger that discards everything.
func Nop() *log.Logger {
	return &log.Logger{Writer: log.IOWriter{Writer: io.Discard}}
}

// OrNop returns l, or a discarding logger when l is nil.
func OrNop(l *log.Logger) *log.Logger {
	if l == nil {
		return Nop()
	}
	return l
}
