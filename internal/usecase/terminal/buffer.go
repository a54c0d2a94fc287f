package terminal

import "strings"

// lineBuffer is a bounded list of output lines that drops the oldest lines
// when the capacity is exceeded. Callers hold the owning tab's lock.
type lineBuffer struct {
	lines   []string
	max     int
	written int64 // total lines ever appended (including dropped)
}

func newLineBuffer(maxLines int) *lineBuffer {
	return &lineBuffer{
		lines: make([]string, 0, min(maxLines, 256)),
		max:   maxLines,
	}
}

// Append splits text on newlines and appends every line. A single trailing
// newline does not produce an empty line.
func (b *lineBuffer) Append(text string) {
	text = strings.TrimSuffix(strings.ReplaceAll(text, "\r\n", "\n"), "\n")
	for _, line := range strings.Split(text, "\n") {
		b.lines = append(b.lines, line)
		b.written++
	}
	if len(b.lines) > b.max {
		b.lines = append(b.lines[:0:0], b.lines[len(b.lines)-b.max:]...)
	}
}

// Clear empties the buffer. The written counter keeps running so readers
// holding an offset do not re-read stale lines.
func (b *lineBuffer) Clear() {
	b.lines = b.lines[:0]
}

func (b *lineBuffer) Len() int { return len(b.lines) }

// Lines returns a copy of the buffered lines.
func (b *lineBuffer) Lines() []string {
	return append([]string(nil), b.lines...)
}

// TotalWritten returns the number of lines ever appended.
func (b *lineBuffer) TotalWritten() int64 { return b.written }

// ReadFrom returns lines from the given offset onward. The offset counts
// lines ever written; an offset pointing at dropped or cleared lines reads
// from the start of what is still buffered.
func (b *lineBuffer) ReadFrom(offset int64) []string {
	dropped := b.written - int64(len(b.lines))
	local := offset - dropped
	if local < 0 {
		local = 0
	}
	if local >= int64(len(b.lines)) {
		return nil
	}
	return append([]string(nil), b.lines[local:]...)
}
