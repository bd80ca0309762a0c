// Package logging constructs the zerolog loggers shared by both binaries.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a structured logger writing JSON to stdout, or a console
// writer when format is "pretty" (local development).
//
// Every log line carries a timestamp and the service name so that lines
// from the enricher and the gateway can be told apart downstream.
func New(service, level, format string) zerolog.Logger {
	var output io.Writer = os.Stdout

	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	if format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Str("service", service).
		Logger()
}
