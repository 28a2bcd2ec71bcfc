package logger

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sync"
)

const colorReset = "\033[0m"

func levelColor(l slog.Level) string {
	switch {
	case l >= slog.LevelError:
		return "\033[31m" // Red
	case l >= slog.LevelWarn:
		return "\033[33m" // Yellow
	case l >= slog.LevelInfo:
		return "\033[32m" // Green
	default:
		return "\033[36m" // Cyan
	}
}

// ColorTextHandler renders records like slog.TextHandler but prints the
// level first, colored, outside of the key=value body.
type ColorTextHandler struct {
	w        io.Writer
	mu       *sync.Mutex
	opts     slog.HandlerOptions
	showTime bool
	chain    []func(slog.Handler) slog.Handler
}

// NewColorTextHandler creates a new ColorTextHandler
func NewColorTextHandler(w io.Writer, opts *slog.HandlerOptions, showTime bool) *ColorTextHandler {
	h := &ColorTextHandler{w: w, mu: &sync.Mutex{}, showTime: showTime}
	if opts != nil {
		h.opts = *opts
	}
	return h
}

func (h *ColorTextHandler) Enabled(_ context.Context, l slog.Level) bool {
	lvl := slog.LevelInfo
	if h.opts.Level != nil {
		lvl = h.opts.Level.Level()
	}
	return l >= lvl
}

func (h *ColorTextHandler) Handle(ctx context.Context, r slog.Record) error {
	var buf bytes.Buffer
	buf.WriteString(levelColor(r.Level))
	buf.WriteString(r.Level.String())
	buf.WriteString(colorReset)
	buf.WriteString("  ")

	opts := h.opts
	userReplace := opts.ReplaceAttr
	opts.ReplaceAttr = func(groups []string, a slog.Attr) slog.Attr {
		if len(groups) == 0 {
			if a.Key == slog.LevelKey || (a.Key == slog.TimeKey && !h.showTime) {
				return slog.Attr{}
			}
		}
		if userReplace != nil {
			return userReplace(groups, a)
		}
		return a
	}
	var inner slog.Handler = slog.NewTextHandler(&buf, &opts)
	for _, wrap := range h.chain {
		inner = wrap(inner)
	}
	if err := inner.Handle(ctx, r); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf.Bytes())
	return err
}

func (h *ColorTextHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return h.with(func(in slog.Handler) slog.Handler { return in.WithAttrs(attrs) })
}

func (h *ColorTextHandler) WithGroup(name string) slog.Handler {
	return h.with(func(in slog.Handler) slog.Handler { return in.WithGroup(name) })
}

func (h *ColorTextHandler) with(fn func(slog.Handler) slog.Handler) *ColorTextHandler {
	c := *h
	c.chain = append(append([]func(slog.Handler) slog.Handler(nil), h.chain...), fn)
	return &c
}
