// Package logging constructs the structured logger shared by every
// component, via github.com/joeycumines/logiface backed by
// github.com/joeycumines/stumpy's JSON writer - the same pairing the
// teacher repo publishes as logiface + logiface-stumpy.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type threaded through every component by
// constructor injection (spec §9: no global singleton).
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing newline-delimited JSON to w at the given
// level (one of "debug", "info", "warn", "err"; unrecognized values fall
// back to "info").
func New(w io.Writer, level string) *Logger {
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(parseLevel(level)),
	)
}

// NewStderr is a convenience wrapper around New, writing to os.Stderr.
func NewStderr(level string) *Logger {
	return New(os.Stderr, level)
}

func parseLevel(level string) logiface.Level {
	switch level {
	case "debug":
		return logiface.LevelDebug
	case "warn":
		return logiface.LevelWarning
	case "err", "error":
		return logiface.LevelError
	default:
		return logiface.LevelInformational
	}
}
