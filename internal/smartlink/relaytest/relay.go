package relaytest

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/models"
	"github.com/0w0mewo/flexlink-cli/internal/smartlink"
	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/gorilla/websocket"
)

type relayConn struct {
	conn *websocket.Conn
	mu   sync.Mutex
}

func (rc *relayConn) write(msg smartlink.ServerMessage) error {
	rc.mu.Lock()
	defer rc.mu.Unlock()
	rc.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return rc.conn.WriteJSON(msg)
}

// ConnectTarget is what the relay answers to a CONNECT for a radio.
type ConnectTarget struct {
	Host    string
	TLSPort int
	Handle  string
}

// Relay is a Smartlink relay serving a configurable radio list.
type Relay struct {
	srv      *httptest.Server
	upgrader websocket.Upgrader
	verifier *oidc.IDTokenVerifier

	mu       sync.Mutex
	conns    map[*relayConn]struct{}
	radios   map[string]smartlink.RelayRadio
	results  map[string]smartlink.TestResult
	targets  map[string]ConnectTarget
	requests []smartlink.ClientMessage
	changed  chan struct{}
}

// NewRelay starts a relay. With a nil verifier any bearer token is accepted.
func NewRelay(verifier *oidc.IDTokenVerifier) *Relay {
	r := &Relay{
		verifier: verifier,
		conns:    make(map[*relayConn]struct{}),
		radios:   make(map[string]smartlink.RelayRadio),
		results:  make(map[string]smartlink.TestResult),
		targets:  make(map[string]ConnectTarget),
		changed:  make(chan struct{}),
	}
	r.srv = httptest.NewServer(http.HandlerFunc(r.handle))
	return r
}

// URL is the websocket URL of the relay.
func (r *Relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *Relay) handle(w http.ResponseWriter, req *http.Request) {
	token := strings.TrimPrefix(req.Header.Get("Authorization"), "Bearer ")
	if r.verifier != nil {
		if _, err := r.verifier.Verify(req.Context(), token); err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
	}

	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		return
	}
	rc := &relayConn{conn: conn}

	// pushes wait for the HELLO so it is always the first message
	rc.mu.Lock()
	r.mu.Lock()
	radios := r.radioList()
	r.conns[rc] = struct{}{}
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.conns, rc)
		r.mu.Unlock()
		conn.Close()
	}()

	err = conn.WriteJSON(smartlink.ServerMessage{Type: smartlink.TypeHello, Radios: &radios})
	rc.mu.Unlock()
	if err != nil {
		return
	}

	for {
		var msg smartlink.ClientMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		r.record(msg)

		switch msg.Type {
		case smartlink.TypeTest:
			r.mu.Lock()
			res, ok := r.results[msg.Serial]
			r.mu.Unlock()
			if !ok {
				res = smartlink.TestResult{Serial: msg.Serial}
			}
			rc.write(smartlink.ServerMessage{Type: smartlink.TypeTestResult, Serial: msg.Serial, Result: &res})
		case smartlink.TypeConnect:
			r.mu.Lock()
			target, ok := r.targets[msg.Serial]
			r.mu.Unlock()
			if !ok {
				rc.write(smartlink.ServerMessage{Type: smartlink.TypeError, Serial: msg.Serial, Message: "radio not available"})
				continue
			}
			rc.write(smartlink.ServerMessage{
				Type:    smartlink.TypeConnectReady,
				Serial:  msg.Serial,
				Handle:  target.Handle,
				Host:    target.Host,
				TLSPort: target.TLSPort,
			})
		default:
			slog.Debug("Relay ignoring message", "type", msg.Type)
		}
	}
}

func (r *Relay) record(msg smartlink.ClientMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.requests = append(r.requests, msg)
	close(r.changed)
	r.changed = make(chan struct{})
}

// radioList must be called with mu held.
func (r *Relay) radioList() []smartlink.RelayRadio {
	radios := make([]smartlink.RelayRadio, 0, len(r.radios))
	for _, radio := range r.radios {
		radios = append(radios, radio)
	}
	return radios
}

// SetRadio registers or updates a radio and pushes it to connected clients.
func (r *Relay) SetRadio(pkt models.RadioPacket) {
	radio := smartlink.FromPacket(pkt)

	r.mu.Lock()
	_, known := r.radios[radio.Serial]
	r.radios[radio.Serial] = radio
	r.mu.Unlock()

	typ := smartlink.TypeRadioAdded
	if known {
		typ = smartlink.TypeRadioUpdated
	}
	r.push(smartlink.ServerMessage{Type: typ, Radio: &radio})
}

func (r *Relay) RemoveRadio(serial string) {
	r.mu.Lock()
	delete(r.radios, serial)
	r.mu.Unlock()

	r.push(smartlink.ServerMessage{Type: smartlink.TypeRadioRemoved, Serial: serial})
}

func (r *Relay) SetTestResult(res smartlink.TestResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.Serial] = res
}

func (r *Relay) SetConnectTarget(serial string, target ConnectTarget) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[serial] = target
}

// Clients returns the number of connected relay clients.
func (r *Relay) Clients() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// WaitRequest waits for a client message of the given type.
func (r *Relay) WaitRequest(typ string, timeout time.Duration) (smartlink.ClientMessage, error) {
	deadline := time.After(timeout)
	for {
		r.mu.Lock()
		for _, msg := range r.requests {
			if msg.Type == typ {
				r.mu.Unlock()
				return msg, nil
			}
		}
		changed := r.changed
		r.mu.Unlock()

		select {
		case <-changed:
		case <-deadline:
			return smartlink.ClientMessage{}, fmt.Errorf("no %s request within %s", typ, timeout)
		}
	}
}

func (r *Relay) push(msg smartlink.ServerMessage) {
	r.mu.Lock()
	conns := make([]*relayConn, 0, len(r.conns))
	for rc := range r.conns {
		conns = append(conns, rc)
	}
	r.mu.Unlock()

	for _, rc := range conns {
		if err := rc.write(msg); err != nil {
			slog.Debug("Relay push failed", "error", err)
		}
	}
}

// DropClients closes every client connection from the relay side.
func (r *Relay) DropClients() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for rc := range r.conns {
		rc.conn.Close()
	}
}

func (r *Relay) Close() {
	r.DropClients()
	r.srv.Close()
}
