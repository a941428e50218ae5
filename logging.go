package main

import (
	"io"
	"time"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// NewLogger builds the process logger from the log section.
func NewLogger(c LogConfig, out io.Writer) (zerolog.Logger, error) {
	level, err := zerolog.ParseLevel(c.Level)
	if err != nil {
		return zerolog.Nop(), eris.Wrapf(err, "log level %q", c.Level)
	}
	if c.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.Kitchen}
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger(), nil
}
