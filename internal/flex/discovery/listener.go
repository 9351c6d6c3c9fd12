// Package discovery keeps the table of reachable radios, fed by LAN
// broadcasts and by the Smartlink relay.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/flex/constants"
	flexerrors "github.com/0w0mewo/flexlink-cli/internal/flex/errors"
	"github.com/0w0mewo/flexlink-cli/internal/flex/session"
	"github.com/0w0mewo/flexlink-cli/internal/models"
	"github.com/0w0mewo/flexlink-cli/internal/smartlink"
	"github.com/0w0mewo/flexlink-cli/internal/store"
	"github.com/google/uuid"
)

type ModeResult int

const (
	ModeReady ModeResult = iota
	// ModeLoginRequired means the relay was requested but there is no
	// usable credential; call Login.
	ModeLoginRequired
)

func (r ModeResult) String() string {
	if r == ModeLoginRequired {
		return "login required"
	}
	return "ready"
}

// Metrics receives discovery counters.
type Metrics interface {
	PacketReceived(source models.Source)
	PacketMalformed()
	RadiosVisible(n int)
}

// Authenticator logs in to the relay.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (smartlink.Session, error)
	Resume(ctx context.Context, email string) (smartlink.Session, error)
}

type Options struct {
	// LocalAddr is the UDP address broadcasts are received on.
	LocalAddr   string
	StaleWindow time.Duration
	RelayURL    string
	AppID       uuid.UUID
	Auth        Authenticator
	Metrics     Metrics
	FeedBuffer  int
}

// Listener owns the radio table. It runs up to two sub listeners, one per
// source, switched independently by SetMode.
type Listener struct {
	opts Options

	radios  *store.Radios
	clients *store.GuiClients

	packets *Feed[models.PacketEvent]
	events  *Feed[models.ClientEvent]
	tests   *Feed[TestOutcome]

	// serializes table updates so events leave in table order
	ingestMu    sync.Mutex
	activeLAN   atomic.Pointer[lanListener]
	activeRelay atomic.Pointer[relayListener]

	mu        sync.Mutex
	lan       *lanListener
	relay     *relayListener
	wantRelay bool
	email     string
	binds     int
	closed    bool
}

func New(opts Options) *Listener {
	if opts.LocalAddr == "" {
		opts.LocalAddr = net.JoinHostPort("", strconv.Itoa(constants.DiscoveryPort))
	}
	if opts.StaleWindow <= 0 {
		opts.StaleWindow = constants.StaleWindow
	}
	if opts.RelayURL == "" {
		opts.RelayURL = smartlink.DefaultServer
	}
	if opts.AppID == uuid.Nil {
		opts.AppID = uuid.New()
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}

	return &Listener{
		opts:    opts,
		radios:  store.NewRadios(),
		clients: store.NewGuiClients(),
		packets: newFeed[models.PacketEvent]("packets", opts.FeedBuffer),
		events:  newFeed[models.ClientEvent]("clients", opts.FeedBuffer),
		tests:   newFeed[TestOutcome]("tests", opts.FeedBuffer),
	}
}

// SetMode starts or stops the LAN and relay listeners to match. Running
// listeners that stay enabled are left alone. A LAN bind failure is returned
// as ErrBindFailed and does not keep the relay from starting.
func (l *Listener) SetMode(ctx context.Context, local, relay bool, email string) (ModeResult, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ModeReady, flexerrors.ErrBadState
	}

	var errs []error

	switch {
	case local && l.lan == nil:
		lan, err := startLAN(l.opts.LocalAddr, l.opts.StaleWindow, l)
		if err != nil {
			slog.Error("Fail to bind discovery socket", "addr", l.opts.LocalAddr, "error", err)
			errs = append(errs, fmt.Errorf("%w: %v", flexerrors.ErrBindFailed, err))
			break
		}
		l.binds++
		l.lan = lan
		l.activeLAN.Store(lan)
	case !local && l.lan != nil:
		l.stopLANLocked()
	}

	l.wantRelay = relay
	if email != "" {
		l.email = email
	}

	result := ModeReady
	switch {
	case relay && l.relay == nil:
		err := l.resumeRelayLocked(ctx)
		switch {
		case errors.Is(err, flexerrors.ErrLoginRequired):
			result = ModeLoginRequired
		case err != nil:
			errs = append(errs, err)
		}
	case !relay && l.relay != nil:
		l.stopRelayLocked()
	}

	return result, errors.Join(errs...)
}

func (l *Listener) resumeRelayLocked(ctx context.Context) error {
	if l.opts.Auth == nil || l.email == "" {
		return flexerrors.ErrLoginRequired
	}
	sess, err := l.opts.Auth.Resume(ctx, l.email)
	if err != nil {
		return err
	}
	return l.startRelayLocked(ctx, sess)
}

func (l *Listener) startRelayLocked(ctx context.Context, sess smartlink.Session) error {
	client, err := smartlink.Connect(ctx, l.opts.RelayURL, sess.IDToken, l.opts.AppID)
	if err != nil {
		slog.Warn("Fail to connect smartlink relay", "error", err)
		return err
	}

	rl := newRelayListener(client, sess.Email)
	l.relay = rl
	l.activeRelay.Store(rl)
	go rl.run(l)

	return nil
}

func (l *Listener) stopLANLocked() {
	lan := l.lan
	l.lan = nil

	l.ingestMu.Lock()
	l.activeLAN.Store(nil)
	l.removed(l.radios.RemoveSource(models.SourceLocal))
	l.ingestMu.Unlock()

	if err := lan.stop(); err != nil {
		slog.Warn("Fail to stop LAN discovery", "error", err)
	}
	slog.Info("LAN discovery stopped")
}

func (l *Listener) stopRelayLocked() {
	rl := l.relay
	l.relay = nil

	l.ingestMu.Lock()
	l.activeRelay.Store(nil)
	l.removed(l.radios.RemoveSource(models.SourceSmartlink))
	l.ingestMu.Unlock()

	rl.stop()
	slog.Info("Smartlink discovery stopped")
}

// relayLost handles the relay channel ending without being asked to.
func (l *Listener) relayLost(rl *relayListener) {
	l.ingestMu.Lock()
	if !l.activeRelay.CompareAndSwap(rl, nil) {
		l.ingestMu.Unlock()
		return
	}
	l.removed(l.radios.RemoveSource(models.SourceSmartlink))
	l.ingestMu.Unlock()

	rl.stop()
	slog.Warn("Smartlink relay connection lost", "email", rl.email)

	l.mu.Lock()
	if l.relay == rl {
		l.relay = nil
	}
	l.mu.Unlock()
}

// Login authenticates with the relay. A wrong password reports false with
// a nil error. On success the relay starts if it was requested by SetMode.
func (l *Listener) Login(ctx context.Context, email, password string) (bool, error) {
	if l.opts.Auth == nil {
		return false, flexerrors.ErrRelayUnavailable
	}

	sess, err := l.opts.Auth.Login(ctx, email, password)
	if errors.Is(err, flexerrors.ErrLoginFailed) {
		slog.Warn("Smartlink login rejected", "email", email, "error", err)
		return false, nil
	}
	if err != nil {
		return false, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	l.email = sess.Email
	if l.wantRelay && l.relay == nil && !l.closed {
		if err := l.startRelayLocked(ctx, sess); err != nil {
			return true, err
		}
	}
	return true, nil
}

// SendTestRequest asks the relay to test reachability of a radio. The
// outcome is delivered on TestResults.
func (l *Listener) SendTestRequest(serial string) {
	l.mu.Lock()
	rl := l.relay
	l.mu.Unlock()

	if rl == nil {
		l.tests.publish(TestOutcome{Serial: serial, Err: flexerrors.ErrRelayUnavailable})
		return
	}
	if err := rl.client.SendTest(serial); err != nil {
		l.tests.publish(TestOutcome{Serial: serial, Err: err})
	}
}

// RequestWanConnect prepares a relayed session to a radio and returns where
// to connect.
func (l *Listener) RequestWanConnect(ctx context.Context, serial string) (session.Target, error) {
	l.mu.Lock()
	rl := l.relay
	want := l.wantRelay
	l.mu.Unlock()

	if rl == nil {
		if want {
			return session.Target{}, flexerrors.ErrLoginRequired
		}
		return session.Target{}, flexerrors.ErrRelayUnavailable
	}

	pkt, err := l.radios.Get(models.PacketKey{Serial: serial, Source: models.SourceSmartlink})
	if err != nil {
		return session.Target{}, fmt.Errorf("%s: %w", serial, flexerrors.ErrNoSuchRadio)
	}

	ready, err := rl.client.RequestConnect(ctx, serial)
	if err != nil {
		return session.Target{}, err
	}

	target := session.Target{
		Serial:    serial,
		Host:      ready.Host,
		Port:      ready.TLSPort,
		TLS:       true,
		WanHandle: ready.Handle,
	}
	if target.Host == "" {
		target.Host = pkt.PublicIP
	}
	if target.Port == 0 {
		target.Port = pkt.TLSPort
	}
	if target.Port == 0 {
		target.Port = constants.WanTLSPort
	}
	return target, nil
}

// FindPacket resolves the default of the current mode against the table.
func (l *Listener) FindPacket(guiDefault, nonGuiDefault *models.DefaultValue, isGui bool) (models.RadioPacket, bool) {
	return l.radios.FindDefault(guiDefault, nonGuiDefault, isGui)
}

func (l *Listener) Packet(key models.PacketKey) (models.RadioPacket, error) {
	return l.radios.Get(key)
}

// Packets returns every visible radio.
func (l *Listener) Packets() []models.RadioPacket {
	return l.radios.Snapshot()
}

// Clients returns the last known gui clients of a radio.
func (l *Listener) Clients(key models.PacketKey) []models.GuiClientInfo {
	return l.clients.Clients(key)
}

func (l *Listener) PacketEvents() *Sub[models.PacketEvent] {
	return l.packets.Subscribe()
}

func (l *Listener) ClientEvents() *Sub[models.ClientEvent] {
	return l.events.Subscribe()
}

func (l *Listener) TestResults() *Sub[TestOutcome] {
	return l.tests.Subscribe()
}

func (l *Listener) LocalActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lan != nil
}

func (l *Listener) RelayActive() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.relay != nil
}

// LocalAddr is the address of the LAN socket, or nil when it is not bound.
func (l *Listener) LocalAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.lan == nil {
		return nil
	}
	return l.lan.Addr()
}

// Binds counts how often the LAN socket has been bound.
func (l *Listener) Binds() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.binds
}

// Close stops both listeners and ends every event subscription.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	if l.lan != nil {
		l.stopLANLocked()
	}
	if l.relay != nil {
		l.stopRelayLocked()
	}
	l.closed = true
	l.mu.Unlock()

	l.packets.close()
	l.events.close()
	l.tests.close()
	return nil
}

func (l *Listener) withLAN(lan *lanListener, fn func()) {
	l.ingestMu.Lock()
	defer l.ingestMu.Unlock()
	if l.activeLAN.Load() == lan {
		fn()
	}
}

func (l *Listener) withRelay(rl *relayListener, fn func()) {
	l.ingestMu.Lock()
	defer l.ingestMu.Unlock()
	if l.activeRelay.Load() == rl {
		fn()
	}
}

// apply upserts one packet and publishes what changed. ingestMu must be held.
func (l *Listener) apply(pkt models.RadioPacket) {
	ev, ok := l.radios.Upsert(pkt)
	if !ok {
		return
	}
	if ev.Action == models.PacketAdded {
		slog.Info("Radio discovered", "serial", pkt.Serial, "nickname", pkt.Nickname,
			"model", pkt.Model, "source", pkt.Source, "ip", pkt.PublicIP)
		l.opts.Metrics.RadiosVisible(l.radios.Len())
	}
	l.packets.publish(ev)

	for _, ce := range l.clients.Diff(pkt.Key(), pkt.GuiClients) {
		slog.Debug("Gui client event", "serial", ce.Serial, "source", ce.Source, "action", ce.Action,
			"handle", ce.Client.HandleHex(), "station", ce.Client.Station)
		l.events.publish(ce)
	}
}

// removed publishes the removal of entries already taken out of the table.
// Only the clients seen through the removed entry's source go with it.
// ingestMu must be held.
func (l *Listener) removed(pkts []models.RadioPacket) {
	if len(pkts) == 0 {
		return
	}
	for _, pkt := range pkts {
		l.packets.publish(models.PacketEvent{Action: models.PacketRemoved, Packet: pkt})
		for _, ce := range l.clients.Forget(pkt.Key()) {
			l.events.publish(ce)
		}
	}
	l.opts.Metrics.RadiosVisible(l.radios.Len())
}

// expire drops LAN radios that stopped announcing. ingestMu must be held.
func (l *Listener) expire(now time.Time, window time.Duration) {
	expired := l.radios.Expire(now, window, models.SourceLocal)
	for _, pkt := range expired {
		slog.Info("Radio went silent", "serial", pkt.Serial, "nickname", pkt.Nickname)
	}
	l.removed(expired)
}

type noopMetrics struct{}

func (noopMetrics) PacketReceived(models.Source) {}
func (noopMetrics) PacketMalformed()             {}
func (noopMetrics) RadiosVisible(int)            {}
