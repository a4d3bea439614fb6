// Package logging provides the structured logger shared by every service in
// the core.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// New builds a console-friendly zerolog.Logger tagged with component. Each
// service struct holds its own logger and logs at request boundaries.
func New(component string) zerolog.Logger {
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().
		Timestamp().
		Str("component", component).
		Logger()
}
