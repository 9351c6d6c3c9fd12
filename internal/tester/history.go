package tester

import "sync"

// History remembers commands typed into the tester. Position 0 is the empty
// entry, so stepping wraps through a blank line.
type History struct {
	mu      sync.Mutex
	entries []string
	index   int
	last    string
}

func NewHistory() *History {
	return &History{entries: []string{""}}
}

// Add records cmd unless it repeats the previous one, then rewinds to the
// blank entry.
func (h *History) Add(cmd string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if cmd != "" && cmd != h.last {
		h.entries = append(h.entries, cmd)
	}
	h.last = cmd
	h.index = 0
}

func (h *History) Previous() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.index == 0 {
		h.index = len(h.entries) - 1
	} else {
		h.index--
	}
	return h.entries[h.index]
}

func (h *History) Next() string {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.index == len(h.entries)-1 {
		h.index = 0
	} else {
		h.index++
	}
	return h.entries[h.index]
}

// Entries returns the recorded commands, oldest first.
func (h *History) Entries() []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	res := make([]string, len(h.entries)-1)
	copy(res, h.entries[1:])
	return res
}
