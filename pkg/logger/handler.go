package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// handler is a minimal slog.Handler that writes one line per record in the
// form "LEVEL time msg key=val key=val". There is no corpus example of a
// custom slog handler to imitate, so this stays deliberately small.
type handler struct {
	mu     *sync.Mutex
	w      io.Writer
	opts   *slog.HandlerOptions
	groups []string
	attrs  []slog.Attr
}

func newHandler(w io.Writer, opts *slog.HandlerOptions) *handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &handler{mu: &sync.Mutex{}, w: w, opts: opts}
}

func (h *handler) Enabled(_ context.Context, level slog.Level) bool {
	min := slog.LevelInfo
	if h.opts.Level != nil {
		min = h.opts.Level.Level()
	}
	return level >= min
}

func (h *handler) Handle(_ context.Context, r slog.Record) error {
	var b strings.Builder
	fmt.Fprintf(&b, "%-5s %s %s", r.Level.String(), r.Time.Format("2006-01-02T15:04:05.000Z07:00"), r.Message)
	for _, a := range h.attrs {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		fmt.Fprintf(&b, " %s=%v", a.Key, a.Value)
		return true
	})
	if h.opts.AddSource && r.PC != 0 {
		b.WriteString(" source=1")
	}
	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.w, b.String())
	return err
}

func (h *handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	nh := *h
	nh.attrs = append(append([]slog.Attr{}, h.attrs...), attrs...)
	return &nh
}

func (h *handler) WithGroup(name string) slog.Handler {
	nh := *h
	nh.groups = append(append([]string{}, h.groups...), name)
	return &nh
}
