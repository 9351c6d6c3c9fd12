// Package messages records the command channel traffic shown by the tester.
package messages

import (
	"bufio"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/flex/session"
	"github.com/0w0mewo/flexlink-cli/internal/flex/wire"
)

const DefaultMaxMessages = 10000

type Filter string

const (
	FilterAll      Filter = "all"
	FilterPrefix   Filter = "prefix"
	FilterIncludes Filter = "includes"
	FilterExcludes Filter = "excludes"
	FilterCommand  Filter = "command"
	FilterStatus   Filter = "status"
	FilterReply    Filter = "reply"
	FilterS0       Filter = "S0"
)

var Filters = []Filter{FilterAll, FilterPrefix, FilterIncludes, FilterExcludes, FilterCommand, FilterStatus, FilterReply, FilterS0}

func ParseFilter(s string) (Filter, error) {
	for _, f := range Filters {
		if strings.EqualFold(s, string(f)) {
			return f, nil
		}
	}
	return "", fmt.Errorf("unknown message filter %q", s)
}

// Message is one logged line.
type Message struct {
	Direction session.Direction `json:"direction"`
	Text      string            `json:"text"`
	// Interval is the time since the log was started or cleared.
	Interval time.Duration `json:"interval"`
}

type Options struct {
	ShowPings   bool
	Filter      Filter
	FilterText  string
	MaxMessages int
}

// Log keeps the traffic of the current radio connection. Routine replies are
// never kept; pings only when ShowPings is set.
type Log struct {
	mu         sync.RWMutex
	start      time.Time
	messages   []Message
	max        int
	showPings  bool
	filter     Filter
	filterText string

	now func() time.Time
}

func NewLog(opts Options) *Log {
	if opts.MaxMessages <= 0 {
		opts.MaxMessages = DefaultMaxMessages
	}
	if opts.Filter == "" {
		opts.Filter = FilterAll
	}
	return &Log{
		start:      time.Now(),
		max:        opts.MaxMessages,
		showPings:  opts.ShowPings,
		filter:     opts.Filter,
		filterText: opts.FilterText,
		now:        time.Now,
	}
}

// Observe records one line. Its signature fits session.Options.OnTraffic.
func (l *Log) Observe(dir session.Direction, text string) {
	if dir == session.Received && wire.DecodeLine([]byte(text)).Routine() {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if !l.showPings && strings.Contains(text, "ping") {
		return
	}

	if len(l.messages) >= l.max {
		copy(l.messages, l.messages[1:])
		l.messages = l.messages[:len(l.messages)-1]
	}
	l.messages = append(l.messages, Message{
		Direction: dir,
		Text:      text,
		Interval:  l.now().Sub(l.start),
	})
}

// Clear drops every message and restarts the interval clock.
func (l *Log) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = nil
	l.start = l.now()
}

func (l *Log) SetFilter(f Filter, text string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.filter = f
	l.filterText = text
}

func (l *Log) SetShowPings(show bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.showPings = show
}

func (l *Log) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.messages)
}

// Filtered returns the messages passing the current filter.
func (l *Log) Filtered() []Message {
	l.mu.RLock()
	defer l.mu.RUnlock()

	res := make([]Message, 0, len(l.messages))
	for _, m := range l.messages {
		if match(l.filter, l.filterText, m.Text) {
			res = append(res, m)
		}
	}
	return res
}

// Export writes the filtered messages, one per line, prefixed by their
// interval in seconds.
func (l *Log) Export(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, m := range l.Filtered() {
		if _, err := fmt.Fprintf(bw, "%10.6f %s\n", m.Interval.Seconds(), m.Text); err != nil {
			return err
		}
	}
	return bw.Flush()
}

func match(f Filter, text, line string) bool {
	switch f {
	case FilterPrefix:
		return text == "" || containsFold(line, "|"+text)
	case FilterIncludes:
		return containsFold(line, text)
	case FilterExcludes:
		return text == "" || !containsFold(line, text)
	case FilterCommand:
		return strings.HasPrefix(line, "C")
	case FilterS0:
		return strings.HasPrefix(line, "S0|")
	case FilterStatus:
		return strings.HasPrefix(line, "S") && !strings.HasPrefix(line, "S0|")
	case FilterReply:
		return strings.HasPrefix(line, "R")
	default:
		return true
	}
}

func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
