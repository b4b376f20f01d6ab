package logging

import (
	"io"
	"os"
	"strings"

	"github.com/phuslu/log"
)

// New creates a configured *log.Logger writing to w (stderr when nil).
// The level parameter accepts: "debug", "info", "warn", "error" (case-insensitive).
// Defaults to info if the level string is unrecognized. Format "json" emits one
// JSON object per line, anything else uses the console writer.
func New(level, format string, w io.Writer) *log.Logger {
	if w == nil {
		w = os.Stderr
	}

	var writer log.Writer
	if strings.EqualFold(strings.TrimSpace(format), "json") {
		writer = &log.IOWriter{Writer: w}
	} else {
		writer = &log.ConsoleWriter{Writer: w, EndWithMessage: true}
	}

	return &log.Logger{
		Level:      parseLevel(level),
		TimeFormat: "15:04:05",
		Writer:     writer,
	}
}

// Discard returns a logger that drops everything. Used by tests.
func Discard() *log.Logger {
	return &log.Logger{Level: log.ErrorLevel, Writer: &log.IOWriter{Writer: io.Discard}}
}

func parseLevel(level string) log.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return log.DebugLevel
	case "warn":
		return log.WarnLevel
	case "error":
		return log.ErrorLevel
	default:
		return log.InfoLevel
	}
}
