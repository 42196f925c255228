package idgen

import (
	"strconv"
	"strings"
	"sync"
	"time"
)

// now returns the current time. It is a variable so tests can override it.
var now = func() time.Time {
	return time.Now().UTC()
}

// mu, lastMs, and seqCounter keep ids monotonic within the same millisecond.
// seqCounter increments when two calls fall in the same ms and resets to 0
// on a new ms.
var (
	mu         sync.Mutex
	lastMs     int64 = -1
	seqCounter int64
)

// msPerDay fits in 6 base36 digits (36^6 > 86,400,000).
const msPerDay = 24 * 60 * 60 * 1000

// NewSpecID returns a spec id of the form YYYY-MM-DD-TTTTTTSS.
//
// TTTTTT is the millisecond of the UTC day in base36, left-padded to 6 chars;
// SS is a per-ms counter mod 1296 (36^2) in base36, left-padded to 2 chars.
// Base36 digits sort '0' < ... < '9' < 'a' < ... < 'z', so lexicographic
// order of ids equals creation order.
func NewSpecID() string {
	t := now()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	ms := t.Sub(day).Milliseconds()
	if ms < 0 {
		ms = 0
	}
	abs := t.UnixMilli()

	mu.Lock()
	if abs == lastMs {
		seqCounter++
	} else {
		lastMs = abs
		seqCounter = 0
	}
	seq := seqCounter % 1296
	mu.Unlock()

	return day.Format("2006-01-02") + "-" + pad36(ms, 6) + pad36(seq, 2)
}

func pad36(v int64, width int) string {
	s := strconv.FormatInt(v, 36)
	for len(s) < width {
		s = "0" + s
	}
	return s
}

// MemberID returns the id of the n-th member of driver.
func MemberID(driver string, n int) string {
	return driver + "." + strconv.Itoa(n)
}

// SplitMember reports whether id names a member (an id ending in ".N" with
// numeric N) and returns the driver id and member number.
func SplitMember(id string) (driver string, n int, ok bool) {
	i := strings.LastIndexByte(id, '.')
	if i <= 0 || i == len(id)-1 {
		return "", 0, false
	}
	n, err := strconv.Atoi(id[i+1:])
	if err != nil || n < 0 || strings.ContainsAny(id[i+1:], "+-") {
		return "", 0, false
	}
	return id[:i], n, true
}
