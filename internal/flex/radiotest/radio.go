// Package radiotest provides an in-process stand-in for a radio's command
// port and discovery broadcaster.
package radiotest

import (
	"bufio"
	"crypto/tls"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/crypto"
	"github.com/0w0mewo/flexlink-cli/internal/flex/wire"
)

// Command is one command line received by the radio.
type Command struct {
	Seq  uint32
	Text string
}

// Handler decides the reply to a command. Returning ok=false sends nothing,
// leaving the test to reply by hand.
type Handler func(text string) (code uint32, payload string, ok bool)

type Radio struct {
	ln      net.Listener
	version string
	handle  uint32

	mu      sync.Mutex
	conns   map[net.Conn]struct{}
	history []Command
	changed chan struct{}
	handler Handler
	silent  bool

	streamSeq atomic.Uint32
	wg        sync.WaitGroup
}

// Start listens on a loopback port and greets every connection with the
// given protocol version and handle.
func Start(version string, handle uint32) (*Radio, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	return Serve(ln, version, handle), nil
}

// StartTLS is Start behind a freshly generated self-signed certificate, the
// way radios reached through the relay present their command port.
func StartTLS(version string, handle uint32) (*Radio, error) {
	cert, err := crypto.GenerateSelfSignedCert("radiotest")
	if err != nil {
		return nil, err
	}
	ln, err := tls.Listen("tcp", "127.0.0.1:0", &tls.Config{Certificates: []tls.Certificate{cert}})
	if err != nil {
		return nil, err
	}
	return Serve(ln, version, handle), nil
}

// Serve runs the radio on an existing listener.
func Serve(ln net.Listener, version string, handle uint32) *Radio {
	r := &Radio{
		ln:      ln,
		version: version,
		handle:  handle,
		conns:   make(map[net.Conn]struct{}),
		changed: make(chan struct{}),
	}
	r.streamSeq.Store(0x04000000)
	r.wg.Add(1)
	go r.acceptLoop()
	return r
}

func (r *Radio) Addr() (string, int) {
	addr := r.ln.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (r *Radio) SetHandler(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handler = h
}

// SetSilent makes new connections receive no greeting at all.
func (r *Radio) SetSilent(silent bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.silent = silent
}

// DefaultHandler acknowledges everything and hands out stream ids for
// stream and panafall creation.
func (r *Radio) DefaultHandler(text string) (uint32, string, bool) {
	if strings.HasPrefix(text, "stream create") || strings.HasPrefix(text, "display panafall create") {
		return 0, fmt.Sprintf("0x%08X", r.streamSeq.Add(1)), true
	}
	return 0, "", true
}

func (r *Radio) acceptLoop() {
	defer r.wg.Done()
	for {
		conn, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns[conn] = struct{}{}
		silent := r.silent
		r.mu.Unlock()

		if !silent {
			conn.Write(wire.EncodeVersion(r.version))
			conn.Write(wire.EncodeHandle(r.handle))
		}

		r.wg.Add(1)
		go r.serve(conn)
	}
}

func (r *Radio) serve(conn net.Conn) {
	defer r.wg.Done()
	defer func() {
		r.mu.Lock()
		delete(r.conns, conn)
		r.mu.Unlock()
		conn.Close()
	}()

	reader := bufio.NewReader(conn)
	for {
		raw, err := reader.ReadString('\n')
		if err != nil {
			return
		}
		seq, text, ok := wire.ParseCommand([]byte(raw))
		if !ok {
			slog.Debug("Simulator ignoring line", "line", strings.TrimSpace(raw))
			continue
		}

		r.mu.Lock()
		r.history = append(r.history, Command{Seq: seq, Text: text})
		close(r.changed)
		r.changed = make(chan struct{})
		handler := r.handler
		r.mu.Unlock()

		if handler == nil {
			continue
		}
		if code, payload, ok := handler(text); ok {
			conn.Write(wire.EncodeReply(seq, code, payload))
		}
	}
}

// Commands returns every command received so far, in arrival order.
func (r *Radio) Commands() []Command {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := make([]Command, len(r.history))
	copy(res, r.history)
	return res
}

// WaitCommand waits for a command whose text starts with prefix.
func (r *Radio) WaitCommand(prefix string, timeout time.Duration) (Command, error) {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		for _, c := range r.history {
			if strings.HasPrefix(c.Text, prefix) {
				r.mu.Unlock()
				return c, nil
			}
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return Command{}, fmt.Errorf("no command with prefix %q within %s", prefix, timeout)
		}
	}
}

// WaitCommands waits until at least n commands have been received.
func (r *Radio) WaitCommands(n int, timeout time.Duration) ([]Command, error) {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		if len(r.history) >= n {
			res := make([]Command, len(r.history))
			copy(res, r.history)
			r.mu.Unlock()
			return res, nil
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return nil, fmt.Errorf("got %d commands within %s, want %d", len(r.Commands()), timeout, n)
		}
	}
}

// Reply answers a command by hand.
func (r *Radio) Reply(seq uint32, code uint32, payload string) {
	r.Broadcast(wire.EncodeReply(seq, code, payload))
}

func (r *Radio) Status(payload string) {
	r.Broadcast(wire.EncodeStatus(payload))
}

func (r *Radio) Message(payload string) {
	r.Broadcast(wire.EncodeMessage(payload))
}

// Broadcast writes raw bytes to every open connection.
func (r *Radio) Broadcast(b []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.conns {
		conn.Write(b)
	}
}

// DropConnections closes every open connection from the radio side.
func (r *Radio) DropConnections() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for conn := range r.conns {
		conn.Close()
	}
}

func (r *Radio) Close() error {
	err := r.ln.Close()
	r.DropConnections()
	r.wg.Wait()
	return err
}

// StreamID parses the stream id a DefaultHandler reply carried.
func StreamID(payload string) uint32 {
	v, _ := strconv.ParseUint(strings.TrimPrefix(payload, "0x"), 16, 32)
	return uint32(v)
}
