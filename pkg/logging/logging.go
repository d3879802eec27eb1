// Package logging builds the zerolog loggers shared by the flowboard
// commands.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config selects the level, format and destination of log lines.
type Config struct {
	Level  string `toml:"level" envconfig:"LEVEL"`
	Format string `toml:"format" envconfig:"FORMAT"` // json or console
	Output string `toml:"output" envconfig:"OUTPUT"` // stdout or stderr
}

// Default logs info and above as JSON to stderr.
func Default() Config {
	return Config{Level: "info", Format: "json", Output: "stderr"}
}

// Validate checks every field without building a logger.
func (c Config) Validate() error {
	if _, err := parseLevel(c.Level); err != nil {
		return err
	}
	switch strings.ToLower(c.Format) {
	case "", "json", "console":
	default:
		return fmt.Errorf("invalid log format '%s'", c.Format)
	}
	switch strings.ToLower(c.Output) {
	case "", "stdout", "stderr":
	default:
		return fmt.Errorf("invalid log output '%s'", c.Output)
	}
	return nil
}

// New builds a logger from c. Every line carries a timestamp and the
// component name.
func New(c Config, component string) (zerolog.Logger, error) {
	if err := c.Validate(); err != nil {
		return zerolog.Nop(), err
	}

	var out io.Writer = os.Stderr
	if strings.ToLower(c.Output) == "stdout" {
		out = os.Stdout
	}
	return NewWithWriter(c, component, out)
}

// NewWithWriter is New with an explicit destination.
func NewWithWriter(c Config, component string, out io.Writer) (zerolog.Logger, error) {
	level, err := parseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), err
	}

	if strings.ToLower(c.Format) == "console" {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	ctx := zerolog.New(out).Level(level).With().Timestamp()
	if component != "" {
		ctx = ctx.Str("component", component)
	}
	return ctx.Logger(), nil
}

// parseLevel treats an empty level as info.
func parseLevel(s string) (zerolog.Level, error) {
	if strings.TrimSpace(s) == "" {
		return zerolog.InfoLevel, nil
	}
	level, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("invalid log level '%s': %w", s, err)
	}
	return level, nil
}
