package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config describes logger runtime configuration.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	TimeFormat string `mapstructure:"time_format"`
	Caller     bool   `mapstructure:"caller"`
	NoColor    bool   `mapstructure:"no_color"`
}

// NewLogger constructs a zerolog logger writing to stdout.
func NewLogger(cfg Config) zerolog.Logger {
	return New(cfg, os.Stdout)
}

// New constructs a zerolog logger from config on the given writer.
// Format "console" (the default) renders the human-readable status lines the
// monitor prints after every cycle; "json" emits one object per event.
func New(cfg Config, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level)); err == nil && cfg.Level != "" {
		level = parsed
	}

	logger := zerolog.New(logWriter(cfg, out)).Level(level)
	builder := logger.With().Timestamp()
	if cfg.Caller {
		builder = builder.Caller()
	}

	return builder.Logger()
}

func logWriter(cfg Config, out io.Writer) io.Writer {
	if strings.EqualFold(cfg.Format, "json") {
		return out
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    cfg.NoColor,
		TimeFormat: "2006-01-02 15:04:05",
	}
}
