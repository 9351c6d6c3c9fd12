package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	flexerrors "github.com/0w0mewo/flexlink-cli/internal/flex/errors"
	"github.com/0w0mewo/flexlink-cli/internal/flex/session"
	"github.com/0w0mewo/flexlink-cli/internal/flex/wire"
)

type Kind string

const (
	RxAudio  Kind = "rx-audio"
	TxAudio  Kind = "tx-audio"
	Panafall Kind = "panafall"
)

func (k Kind) createCommand() (string, error) {
	switch k {
	case RxAudio:
		return "stream create type=remote_audio_rx compression=opus", nil
	case TxAudio:
		return "stream create type=remote_audio_tx", nil
	case Panafall:
		return "display panafall create x=1024 y=700", nil
	default:
		return "", fmt.Errorf("unknown stream kind %q", k)
	}
}

func (k Kind) removeCommand(id uint32) string {
	if k == Panafall {
		return fmt.Sprintf("display panafall remove 0x%08X", id)
	}
	return fmt.Sprintf("stream remove 0x%08X", id)
}

// Sink observes one stream. The manager only holds a reference to it; the
// requester keeps ownership.
type Sink interface {
	StreamStarted(h Handle)
	StreamStopped(id uint32)
}

// Handle is an active stream as last known locally.
type Handle struct {
	ID   uint32
	Kind Kind
}

func (h Handle) String() string {
	return fmt.Sprintf("%s 0x%08X", h.Kind, h.ID)
}

// Commander is the part of a session the manager needs.
type Commander interface {
	Send(text string) (uint32, <-chan session.Result, error)
	SendAndWait(ctx context.Context, text string) (wire.Line, error)
}

type entry struct {
	handle Handle
	sink   Sink
}

// Manager tracks the streams of one radio connection.
type Manager struct {
	conn Commander

	mu      sync.Mutex
	streams map[uint32]*entry
}

func NewManager(conn Commander) *Manager {
	return &Manager{
		conn:    conn,
		streams: make(map[uint32]*entry),
	}
}

// Request asks the radio for a new stream and registers it once the radio
// replies with its id.
func (m *Manager) Request(ctx context.Context, kind Kind) (Handle, error) {
	cmd, err := kind.createCommand()
	if err != nil {
		return Handle{}, err
	}

	line, err := m.conn.SendAndWait(ctx, cmd)
	if err != nil {
		return Handle{}, err
	}

	id, err := parseStreamID(line.Payload)
	if err != nil {
		return Handle{}, fmt.Errorf("%w: %s reply %q: %v", flexerrors.ErrRequestRejected, kind, line.Payload, err)
	}

	h := Handle{ID: id, Kind: kind}
	m.mu.Lock()
	m.streams[id] = &entry{handle: h}
	m.mu.Unlock()

	slog.Info("Stream started", "kind", kind, "id", fmt.Sprintf("0x%08X", id))

	return h, nil
}

// Remove sends the removal command without waiting for it and forgets the
// stream right away.
func (m *Manager) Remove(id uint32) {
	e, ok := m.take(id)
	if !ok {
		slog.Debug("Remove of unknown stream", "id", fmt.Sprintf("0x%08X", id))
		return
	}

	cmd := e.handle.Kind.removeCommand(id)
	_, ch, err := m.conn.Send(cmd)
	if err != nil {
		slog.Warn("Fail to send stream removal", "stream", e.handle, "error", err)
	} else {
		go logReply(cmd, ch)
	}

	if e.sink != nil {
		e.sink.StreamStopped(id)
	}
}

func logReply(cmd string, ch <-chan session.Result) {
	res := <-ch
	if res.Err != nil {
		slog.Debug("Stream removal not confirmed", "command", cmd, "error", res.Err)
		return
	}
	if res.Line.ErrorCode != 0 {
		slog.Warn("Stream removal rejected", "command", cmd, "code", fmt.Sprintf("0x%08X", res.Line.ErrorCode))
	}
}

// Attach registers sink for stream id, replacing any previous one.
func (m *Manager) Attach(id uint32, sink Sink) error {
	m.mu.Lock()
	e, ok := m.streams[id]
	if ok {
		e.sink = sink
	}
	m.mu.Unlock()

	if !ok {
		return fmt.Errorf("stream 0x%08X: %w", id, flexerrors.ErrNoSuchStream)
	}
	sink.StreamStarted(e.handle)
	return nil
}

func (m *Manager) Detach(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.streams[id]; ok {
		e.sink = nil
	}
}

// ObserveStatus drops streams the radio reports as removed.
func (m *Manager) ObserveStatus(l wire.Line) {
	if l.Kind != wire.LineStatus {
		return
	}
	_, body := wire.SplitStatus(l.Payload)
	id, ok := removedStreamID(body)
	if !ok {
		return
	}

	e, ok := m.take(id)
	if !ok {
		return
	}
	slog.Info("Stream removed by radio", "stream", e.handle)
	if e.sink != nil {
		e.sink.StreamStopped(id)
	}
}

// Watch feeds status lines of sub to ObserveStatus until sub is closed.
func (m *Manager) Watch(sub *session.Subscription) {
	for l := range sub.Lines() {
		m.ObserveStatus(l)
	}
}

// Reset forgets every stream without telling the radio, which drops them
// itself when the connection closes.
func (m *Manager) Reset() []Handle {
	m.mu.Lock()
	streams := m.streams
	m.streams = make(map[uint32]*entry)
	m.mu.Unlock()

	res := make([]Handle, 0, len(streams))
	for id, e := range streams {
		res = append(res, e.handle)
		if e.sink != nil {
			e.sink.StreamStopped(id)
		}
	}
	return res
}

// Find returns an active stream of the given kind.
func (m *Manager) Find(kind Kind) (Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.streams {
		if e.handle.Kind == kind {
			return e.handle, true
		}
	}
	return Handle{}, false
}

func (m *Manager) Active() []Handle {
	m.mu.Lock()
	defer m.mu.Unlock()

	res := make([]Handle, 0, len(m.streams))
	for _, e := range m.streams {
		res = append(res, e.handle)
	}
	return res
}

func (m *Manager) take(id uint32) (*entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.streams[id]
	if ok {
		delete(m.streams, id)
	}
	return e, ok
}

// parseStreamID reads the first id of a create reply. Panafall replies
// carry the panadapter and waterfall ids separated by a comma.
func parseStreamID(payload string) (uint32, error) {
	first, _, _ := strings.Cut(strings.TrimSpace(payload), ",")
	if first == "" {
		return 0, fmt.Errorf("empty stream id")
	}
	return wire.ParseHex(first)
}

// removedStreamID matches "stream 0x<id> removed" and
// "display pan 0x<id> removed".
func removedStreamID(body string) (uint32, bool) {
	fields := strings.Fields(body)
	if len(fields) < 3 || fields[len(fields)-1] != "removed" {
		return 0, false
	}
	switch {
	case fields[0] == "stream" && len(fields) == 3:
	case fields[0] == "display" && len(fields) == 4 && fields[1] == "pan":
	default:
		return 0, false
	}
	id, err := wire.ParseHex(fields[len(fields)-2])
	if err != nil {
		return 0, false
	}
	return id, true
}
