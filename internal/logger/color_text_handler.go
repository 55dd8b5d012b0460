package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// ColorTextHandler wraps slog.TextHandler to color the level tag on
// terminals. Colors are suppressed when NO_COLOR is set.
type ColorTextHandler struct {
	*slog.TextHandler
	color bool
}

func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions) *ColorTextHandler {
	_, noColor := os.LookupEnv("NO_COLOR")
	return &ColorTextHandler{
		TextHandler: slog.NewTextHandler(w, opts),
		color:       !noColor,
	}
}

// Handle implements slog.Handler.
func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	if !h.color {
		return h.TextHandler.Handle(ctx, r)
	}
	var code string
	switch r.Level {
	case slog.LevelDebug:
		code = "\033[36m"
	case slog.LevelInfo:
		code = "\033[32m"
	case slog.LevelWarn:
		code = "\033[33m"
	case slog.LevelError:
		code = "\033[31m"
	default:
		code = "\033[0m"
	}
	r.Message = code + r.Level.String() + "\033[0m  " + r.Message
	return h.TextHandler.Handle(ctx, r)
}
