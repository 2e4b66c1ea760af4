// Package logutil builds the zerolog loggers handed to the gateway
// components. Core packages receive a zerolog.Logger value and never
// write to the console on their own.
package logutil

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// New returns a logger writing to out at the given level. Format is
// "json" or "console". Extra writers receive the raw JSON lines
// alongside out, which is how the in-memory log ring is fed.
func New(out io.Writer, level, format string, extra ...io.Writer) (zerolog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return zerolog.Nop(), err
	}
	var w io.Writer = out
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "console":
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	case "json":
	default:
		return zerolog.Nop(), fmt.Errorf("unsupported log format %q", format)
	}
	if len(extra) > 0 {
		ws := append([]io.Writer{w}, extra...)
		w = zerolog.MultiLevelWriter(ws...)
	}
	return zerolog.New(w).With().Timestamp().Logger().Level(lvl), nil
}

func ParseLevel(level string) (zerolog.Level, error) {
	s := strings.ToLower(strings.TrimSpace(level))
	if s == "" {
		return zerolog.InfoLevel, nil
	}
	lvl, err := zerolog.ParseLevel(s)
	if err != nil {
		return zerolog.InfoLevel, fmt.Errorf("unknown log level %q", level)
	}
	return lvl, nil
}
