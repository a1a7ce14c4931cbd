package slogutil

import (
	"context"
	"log/slog"
	"os"
	"sync/atomic"
)

// Handler decorates a slog.Handler, adding the attributes stored in the
// record's context by With.
type Handler struct {
	next slog.Handler
}

// WrapHandler wraps h. A nil h falls back to a text handler on stdout.
func WrapHandler(h slog.Handler) Handler {
	if h == nil {
		h = slog.NewTextHandler(os.Stdout, nil)
	}
	return Handler{next: h}
}

func (h Handler) Enabled(ctx context.Context, l slog.Level) bool {
	return h.next.Enabled(ctx, l)
}

func (h Handler) Handle(ctx context.Context, r slog.Record) error {
	if attrs := Attrs(ctx); len(attrs) > 0 {
		r = r.Clone()
		r.AddAttrs(attrs...)
	}
	return h.next.Handle(ctx, r)
}

func (h Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return Handler{next: h.next.WithAttrs(attrs)}
}

func (h Handler) WithGroup(name string) slog.Handler {
	return Handler{next: h.next.WithGroup(name)}
}

// DynamicLeveler is a slog.Leveler whose level can change at runtime.
type DynamicLeveler struct {
	level atomic.Int64
}

// NewDynamicLeveler creates a leveler starting at l.
func NewDynamicLeveler(l slog.Level) *DynamicLeveler {
	dl := &DynamicLeveler{}
	dl.SetLevel(l)
	return dl
}

// Level returns the current logging level.
func (dl *DynamicLeveler) Level() slog.Level {
	return slog.Level(dl.level.Load())
}

// SetLevel updates the logging level.
func (dl *DynamicLeveler) SetLevel(level slog.Level) {
	dl.level.Store(int64(level))
}
