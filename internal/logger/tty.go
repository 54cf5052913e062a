package logger

import (
	"io"
	"log/slog"
)

const ansiReset = "\033[0m"

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // red
	case l >= slog.LevelWarn:
		return "\033[33m" // yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // green
	default:
		return "\033[36m" // cyan
	}
}

// NewColorTextHandler returns a text handler that colorizes the level
// attribute with ANSI escapes. Intended for interactive terminals only.
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) slog.Handler {
	base := &slog.HandlerOptions{}
	if opts != nil {
		*base = *opts
	}
	inner := base.ReplaceAttr
	base.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 && a.Key == slog.LevelKey {
			if lvl, ok := a.Value.Any().(slog.Level); ok {
				a.Value = slog.StringValue(levelColor(lvl) + lvl.String() + ansiReset)
			}
		}
		if inner != nil {
			return inner(groups, a)
		}
		return a
	}
	return slog.NewTextHandler(w, base)
}
