package terminal

// inputHistory is a tab's command history with an arrow-key cursor. The
// cursor sits at len(entries) when no entry is selected.
type inputHistory struct {
	entries []string
	cursor  int
	max     int
}

func newInputHistory(maxEntries int) *inputHistory {
	return &inputHistory{max: maxEntries}
}

// Push records line unless it repeats the newest entry, then moves the
// cursor past the end.
func (h *inputHistory) Push(line string) {
	if n := len(h.entries); n == 0 || h.entries[n-1] != line {
		h.entries = append(h.entries, line)
		if h.max > 0 && len(h.entries) > h.max {
			h.entries = append(h.entries[:0:0], h.entries[len(h.entries)-h.max:]...)
		}
	}
	h.cursor = len(h.entries)
}

// Prev moves to the previous entry and returns it. At the oldest entry it
// stays put and returns that entry again.
func (h *inputHistory) Prev() string {
	if len(h.entries) == 0 {
		return ""
	}
	if h.cursor > 0 {
		h.cursor--
	}
	return h.entries[h.cursor]
}

// Next moves to the next entry and returns it. Stepping past the newest
// entry returns "" and leaves the cursor at the end.
func (h *inputHistory) Next() string {
	if h.cursor < len(h.entries) {
		h.cursor++
	}
	if h.cursor >= len(h.entries) {
		return ""
	}
	return h.entries[h.cursor]
}

func (h *inputHistory) Entries() []string {
	return append([]string(nil), h.entries...)
}

func (h *inputHistory) Len() int { return len(h.entries) }
