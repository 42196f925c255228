package logger

import (
	"context"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/mattn/go-isatty"
)

// teeWriter forwards writes to an optional secondary writer (the watch log
// file). It is safe for concurrent use.
type teeWriter struct {
	mu sync.RWMutex
	w  io.Writer
}

func (tw *teeWriter) Write(p []byte) (int, error) {
	tw.mu.RLock()
	w := tw.w
	tw.mu.RUnlock()
	if w == nil {
		return len(p), nil
	}
	return w.Write(p)
}

func (tw *teeWriter) active() bool {
	tw.mu.RLock()
	defer tw.mu.RUnlock()
	return tw.w != nil
}

var tee = &teeWriter{}

// Init installs the global slog logger. Terminals get the PrettyHandler,
// everything else a plain text handler on stderr. LOG_LEVEL overrides level
// (debug/info/warn/error; default info). Call once early in main.
func Init(level string) {
	if env := os.Getenv("LOG_LEVEL"); env != "" {
		level = env
	}
	lvl := parseLevel(level)
	opts := &slog.HandlerOptions{Level: lvl}

	var primary slog.Handler
	if fd := os.Stderr.Fd(); isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd) {
		primary = NewPrettyHandler(os.Stderr, opts, true)
	} else {
		primary = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(&fanout{
		primary:   primary,
		secondary: slog.NewTextHandler(tee, opts),
	}))
}

// SetTee adds a secondary write target that receives every record as plain
// text. Pass nil to clear it.
func SetTee(w io.Writer) {
	tee.mu.Lock()
	tee.w = w
	tee.mu.Unlock()
}

// fanout sends records to the primary handler and, while a tee is set, to
// the secondary one.
type fanout struct {
	primary   slog.Handler
	secondary slog.Handler
}

func (f *fanout) Enabled(ctx context.Context, level slog.Level) bool {
	return f.primary.Enabled(ctx, level) || (tee.active() && f.secondary.Enabled(ctx, level))
}

func (f *fanout) Handle(ctx context.Context, r slog.Record) error {
	var err error
	if f.primary.Enabled(ctx, r.Level) {
		err = f.primary.Handle(ctx, r.Clone())
	}
	if tee.active() && f.secondary.Enabled(ctx, r.Level) {
		if err2 := f.secondary.Handle(ctx, r.Clone()); err == nil {
			err = err2
		}
	}
	return err
}

func (f *fanout) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &fanout{primary: f.primary.WithAttrs(attrs), secondary: f.secondary.WithAttrs(attrs)}
}

func (f *fanout) WithGroup(name string) slog.Handler {
	return &fanout{primary: f.primary.WithGroup(name), secondary: f.secondary.WithGroup(name)}
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
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
