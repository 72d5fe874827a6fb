// Package logging builds the structured loggers used across metapub.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"golang.org/x/term"
)

// Log formats.
const (
	FormatAuto = "auto"
	FormatText = "text"
	FormatJSON = "json"
)

// ParseLevel accepts debug, info, warn/warning and error (case-insensitive).
func ParseLevel(s string) (slog.Level, error) {
	var lvl slog.Level
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		lvl = slog.LevelInfo
	case "warning":
		lvl = slog.LevelWarn
	default:
		if err := lvl.UnmarshalText([]byte(s)); err != nil {
			return 0, fmt.Errorf("invalid log level %q", s)
		}
	}
	return lvl, nil
}

// New returns a logger writing to w. FormatAuto picks text when w is a
// terminal and JSON otherwise, so piped worker output stays machine readable.
func New(w io.Writer, level, format string) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	opts := &slog.HandlerOptions{Level: lvl}

	switch strings.ToLower(format) {
	case "", FormatAuto:
		if isTerminal(w) {
			return slog.New(slog.NewTextHandler(w, opts)), nil
		}
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	case FormatText:
		return slog.New(slog.NewTextHandler(w, opts)), nil
	case FormatJSON:
		return slog.New(slog.NewJSONHandler(w, opts)), nil
	default:
		return nil, fmt.Errorf("invalid log format %q (want %s, %s or %s)", format, FormatAuto, FormatText, FormatJSON)
	}
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger { return slog.New(slog.DiscardHandler) }

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
