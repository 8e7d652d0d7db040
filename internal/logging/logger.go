// Package logging configures the process-wide logrus logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
	log "github.com/sirupsen/logrus"
)

// Config holds logging configuration.
type Config struct {
	Level  string
	Format string // text, json or auto
	Output io.Writer
}

// Init configures the standard logrus logger and returns an entry carrying
// the service field.
func Init(cfg Config) (*log.Entry, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	log.SetOutput(out)

	level := cfg.Level
	if level == "" {
		level = "info"
	}
	logLevel, err := log.ParseLevel(level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}
	log.SetLevel(logLevel)

	formatter, err := formatterFor(cfg.Format, out)
	if err != nil {
		return nil, err
	}
	log.SetFormatter(formatter)

	return log.WithField("service", "monthlyload"), nil
}

func formatterFor(format string, out io.Writer) (log.Formatter, error) {
	switch strings.ToLower(format) {
	case "json":
		return &log.JSONFormatter{}, nil
	case "text":
		return &log.TextFormatter{FullTimestamp: true}, nil
	case "", "auto":
		if f, ok := out.(*os.File); ok && isatty.IsTerminal(f.Fd()) {
			return &log.TextFormatter{FullTimestamp: true}, nil
		}
		return &log.JSONFormatter{}, nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want text, json or auto)", format)
	}
}
