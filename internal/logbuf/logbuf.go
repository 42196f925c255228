// Package logbuf keeps the last lines written by an agent so a failure can
// be summarized without reading the whole log file back.
package logbuf

import (
	"strings"
	"sync"
)

// LogBuf is a bounded ring of output lines. It implements io.Writer and is
// safe for concurrent writers (stdout and stderr share one).
type LogBuf struct {
	mu      sync.Mutex
	lines   []string
	partial string
	max     int
}

// New creates a LogBuf holding at most max lines.
func New(max int) *LogBuf {
	if max < 1 {
		max = 1
	}
	return &LogBuf{max: max}
}

// Write splits p into lines. A trailing fragment without a newline is held
// until the rest of the line arrives.
func (lb *LogBuf) Write(p []byte) (int, error) {
	lb.mu.Lock()
	defer lb.mu.Unlock()

	parts := strings.Split(lb.partial+string(p), "\n")
	lb.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}
		lb.push(line)
	}
	return len(p), nil
}

func (lb *LogBuf) push(line string) {
	lb.lines = append(lb.lines, line)
	if len(lb.lines) > lb.max {
		lb.lines = lb.lines[len(lb.lines)-lb.max:]
	}
}

// Lines returns a snapshot of the buffered lines, including an unterminated
// last line.
func (lb *LogBuf) Lines() []string {
	lb.mu.Lock()
	defer lb.mu.Unlock()
	out := make([]string, len(lb.lines), len(lb.lines)+1)
	copy(out, lb.lines)
	if strings.TrimSpace(lb.partial) != "" {
		out = append(out, lb.partial)
		if len(out) > lb.max {
			out = out[1:]
		}
	}
	return out
}

// Tail joins the last n lines (all lines when n <= 0).
func (lb *LogBuf) Tail(n int) string {
	lines := lb.Lines()
	if n > 0 && len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
