// Package logx wires log/slog to a console handler in the style the
// teacher corpus uses: tint for colorized, human-readable output, with
// color gated on whether stderr is an actual terminal.
package logx

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
)

// Setup installs a tint-backed slog.Logger as the default logger and
// returns it. level is parsed case-insensitively ("debug", "info", "warn",
// "error"); unrecognized values fall back to info.
func Setup(level string, w io.Writer) *slog.Logger {
	if w == nil {
		w = os.Stderr
	}
	out := w
	noColor := true
	if f, ok := w.(*os.File); ok {
		noColor = !isatty.IsTerminal(f.Fd()) && !isatty.IsCygwinTerminal(f.Fd())
		if !noColor {
			out = colorable.NewColorable(f)
		}
	}

	h := tint.NewHandler(out, &tint.Options{
		Level:      parseLevel(level),
		NoColor:    noColor,
		TimeFormat: "15:04:05",
	})
	logger := slog.New(h)
	slog.SetDefault(logger)
	return logger
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
