package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Trace is the diagnostic log of one pipeline run: which URLs were built,
// what came back, how many items survived. It is the surface a rule author
// debugs against, so every stage writes enough here to explain itself
// without engine internals.
//
// A Trace is owned by exactly one run and is append-only; it takes no lock.
type Trace struct {
	// RunID distinguishes interleaved runs in shared log output.
	RunID string

	lines []Line

	// now is injected for deterministic tests. Production uses time.Now.
	now func() time.Time
}

// Line is one timestamped trace entry.
type Line struct {
	At   time.Time `json:"at"`
	Text string    `json:"text"`
}

// NewTrace returns an empty trace with a fresh run id.
func NewTrace() *Trace {
	return &Trace{RunID: uuid.NewString(), now: time.Now}
}

// Logf appends one formatted line.
func (t *Trace) Logf(format string, args ...any) {
	t.lines = append(t.lines, Line{At: t.now(), Text: fmt.Sprintf(format, args...)})
}

// Lines returns a copy of the recorded lines in append order.
func (t *Trace) Lines() []Line {
	out := make([]Line, len(t.lines))
	copy(out, t.lines)
	return out
}

// Contains reports whether any line contains substr. Test helper grade, but
// callers also use it to detect short-circuits without parsing text layouts.
func (t *Trace) Contains(substr string) bool {
	for _, l := range t.lines {
		if strings.Contains(l.Text, substr) {
			return true
		}
	}
	return false
}

// previewText collapses s to a single line and bounds it to max runes for a
// trace entry.
func previewText(s string, max int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max]) + "..."
}
