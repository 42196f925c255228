package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// PrettyHandler is a slog.Handler for interactive terminals.
//
//	15:04:05.000  INFO   [auth-api#2] spec started   branch=sw/auth-api
//
// The spec_id and attempt attributes collapse into the bracketed prefix. With
// color on, a status attribute is tinted by its lifecycle meaning.
type PrettyHandler struct {
	level slog.Leveler
	w     io.Writer
	color bool
	mu    *sync.Mutex

	// preformatted attributes from WithAttrs, already qualified by group
	attrs   []slog.Attr
	prefix  string
	specID  string
	attempt int64
}

// NewPrettyHandler returns a PrettyHandler writing to w.
func NewPrettyHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *PrettyHandler {
	h := &PrettyHandler{w: w, color: color, mu: &sync.Mutex{}, level: slog.LevelInfo}
	if opts != nil && opts.Level != nil {
		h.level = opts.Level
	}
	return h
}

const (
	ansiReset  = "\033[0m"
	ansiDim    = "\033[2m"
	ansiBold   = "\033[1m"
	ansiCyan   = "\033[36m"
	ansiGreen  = "\033[32m"
	ansiYellow = "\033[33m"
	ansiRed    = "\033[31m"
	ansiGray   = "\033[90m"
)

func levelColor(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return ansiRed
	case level >= slog.LevelWarn:
		return ansiYellow
	case level >= slog.LevelInfo:
		return ansiCyan
	default:
		return ansiGray
	}
}

// statusColor tints spec and marker statuses.
func statusColor(status string) string {
	switch status {
	case "completed", "done", "merged", "passed":
		return ansiGreen
	case "failed", "conflict":
		return ansiRed
	case "blocked", "in_progress", "pending":
		return ansiYellow
	case "cancelled":
		return ansiGray
	}
	return ""
}

func (h *PrettyHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *PrettyHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = h.paint(buf, ansiDim, r.Time.Format("15:04:05.000"))
	buf = append(buf, "  "...)
	buf = h.paint(buf, levelColor(r.Level), fmt.Sprintf("%-5s", r.Level.String()))
	buf = append(buf, "  "...)

	specID, attempt := h.specID, h.attempt
	attrs := make([]slog.Attr, 0, r.NumAttrs())
	r.Attrs(func(a slog.Attr) bool {
		switch {
		case h.prefix == "" && a.Key == "spec_id" && specID == "":
			specID = a.Value.String()
		case h.prefix == "" && a.Key == "attempt" && a.Value.Kind() == slog.KindInt64:
			attempt = a.Value.Int64()
		default:
			attrs = append(attrs, a)
		}
		return true
	})
	if specID != "" {
		tag := "[" + specID
		if attempt > 1 {
			tag += "#" + strconv.FormatInt(attempt, 10)
		}
		buf = h.paint(buf, ansiGreen, tag+"]")
		buf = append(buf, ' ')
	}
	buf = h.paint(buf, ansiBold, r.Message)

	for _, a := range h.attrs {
		buf = h.appendAttr(buf, "", a)
	}
	for _, a := range attrs {
		buf = h.appendAttr(buf, h.prefix, a)
	}
	buf = append(buf, '\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := h.w.Write(buf)
	return err
}

func (h *PrettyHandler) paint(buf []byte, color, s string) []byte {
	if !h.color || color == "" {
		return append(buf, s...)
	}
	buf = append(buf, color...)
	buf = append(buf, s...)
	return append(buf, ansiReset...)
}

// appendAttr writes " key=value", flattening groups into dotted keys.
func (h *PrettyHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	key := a.Key
	if prefix != "" && key == "" {
		key = prefix
	} else if prefix != "" {
		key = prefix + "." + key
	}
	if a.Value.Kind() == slog.KindGroup {
		for _, ga := range a.Value.Group() {
			buf = h.appendAttr(buf, key, ga)
		}
		return buf
	}
	buf = append(buf, ' ')
	buf = append(buf, key...)
	buf = append(buf, '=')
	val := formatValue(a.Value)
	if a.Key == "status" {
		return h.paint(buf, statusColor(val), val)
	}
	return append(buf, val...)
}

func (h *PrettyHandler) clone() *PrettyHandler {
	c := *h
	c.attrs = append([]slog.Attr(nil), h.attrs...)
	return &c
}

func (h *PrettyHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	c := h.clone()
	for _, a := range attrs {
		switch {
		case h.prefix == "" && a.Key == "spec_id" && c.specID == "":
			c.specID = a.Value.String()
		case h.prefix == "" && a.Key == "attempt" && a.Value.Kind() == slog.KindInt64:
			c.attempt = a.Value.Int64()
		case h.prefix != "":
			c.attrs = append(c.attrs, slog.Group(h.prefix, a))
		default:
			c.attrs = append(c.attrs, a)
		}
	}
	return c
}

func (h *PrettyHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	c := h.clone()
	if c.prefix != "" {
		name = c.prefix + "." + name
	}
	c.prefix = name
	return c
}

// formatValue renders v the way logfmt does, quoting strings that would
// otherwise be ambiguous.
func formatValue(v slog.Value) string {
	v = v.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return quoteIfNeeded(v.String())
	case slog.KindInt64:
		return strconv.FormatInt(v.Int64(), 10)
	case slog.KindUint64:
		return strconv.FormatUint(v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.FormatFloat(v.Float64(), 'g', -1, 64)
	case slog.KindBool:
		return strconv.FormatBool(v.Bool())
	case slog.KindDuration:
		return v.Duration().Round(time.Millisecond).String()
	case slog.KindTime:
		return v.Time().Format(time.RFC3339)
	}
	if err, ok := v.Any().(error); ok {
		return quoteIfNeeded(err.Error())
	}
	return quoteIfNeeded(fmt.Sprint(v.Any()))
}

func quoteIfNeeded(s string) string {
	if s == "" || strings.ContainsAny(s, " \"=\n\t") {
		return strconv.Quote(s)
	}
	return s
}
