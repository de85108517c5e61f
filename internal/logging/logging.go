// Package logging builds the zerolog loggers shared by the command line tool
// and the library packages.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// New returns a human readable logger writing to w. Verbose enables debug
// output; otherwise only info and above is emitted.
func New(verbose bool, w io.Writer) zerolog.Logger {
	if w == nil {
		w = os.Stderr
	}
	level := zerolog.InfoLevel
	if verbose {
		level = zerolog.DebugLevel
	}

	consoleWriter := zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05"}
	return zerolog.New(consoleWriter).
		Level(level).
		With().
		Timestamp().
		Logger()
}

// NewJSON returns a machine readable logger, used when output is piped
func NewJSON(w io.Writer, level zerolog.Level) zerolog.Logger {
	return zerolog.New(w).
		Level(level).
		With().
		Timestamp().
		Logger()
}
