// Package logging builds the zerolog loggers shared by every component.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config controls logger construction.
type Config struct {
	Level   string
	Format  string
	Service string
	Version string
	Output  io.Writer
}

// New creates a zerolog logger from the given configuration.
// Unknown levels fall back to info; any format other than console/pretty is JSON.
func New(cfg Config) zerolog.Logger {
	logLevel, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		logLevel = zerolog.InfoLevel
	}

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}

	if cfg.Format == "console" || cfg.Format == "pretty" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
		}
	}

	ctx := zerolog.New(out).Level(logLevel).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	if cfg.Version != "" {
		ctx = ctx.Str("version", cfg.Version)
	}

	return ctx.Logger()
}

// WithComponent returns a logger tagged with the component name.
func WithComponent(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}
