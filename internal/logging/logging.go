// internal/logging/logging.go
package logging

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New builds the process logger. LOG_LEVEL picks the threshold
// (default info), LOG_PRETTY=true switches to the human console writer
// for local runs.
func New(service string) zerolog.Logger {
	level := zerolog.InfoLevel
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		if parsed, err := zerolog.ParseLevel(strings.ToLower(v)); err == nil {
			level = parsed
		}
	}

	var logger zerolog.Logger
	if v := os.Getenv("LOG_PRETTY"); v == "1" || strings.EqualFold(v, "true") {
		out := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
		logger = zerolog.New(out)
	} else {
		logger = zerolog.New(os.Stderr)
	}

	return logger.Level(level).With().
		Timestamp().
		Str("service", service).
		Logger()
}
