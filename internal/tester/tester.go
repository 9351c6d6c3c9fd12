// Package tester drives one connection to a radio: picking a target,
// negotiating with bound gui clients, the handshake, audio streams and
// teardown.
package tester

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/flex/constants"
	"github.com/0w0mewo/flexlink-cli/internal/flex/discovery"
	flexerrors "github.com/0w0mewo/flexlink-cli/internal/flex/errors"
	"github.com/0w0mewo/flexlink-cli/internal/flex/session"
	"github.com/0w0mewo/flexlink-cli/internal/flex/stream"
	"github.com/0w0mewo/flexlink-cli/internal/messages"
	"github.com/0w0mewo/flexlink-cli/internal/models"
	"github.com/0w0mewo/flexlink-cli/internal/prefs"
)

// Discovery is what the tester needs from the discovery listener.
type Discovery interface {
	SetMode(ctx context.Context, local, relay bool, email string) (discovery.ModeResult, error)
	Login(ctx context.Context, email, password string) (bool, error)
	SendTestRequest(serial string)
	RequestWanConnect(ctx context.Context, serial string) (session.Target, error)
	FindPacket(guiDefault, nonGuiDefault *models.DefaultValue, isGui bool) (models.RadioPacket, bool)
}

type Metrics interface {
	session.Metrics
	ConnectAttempt(outcome string)
	Connected(up bool)
	StreamsActive(n int)
}

type Options struct {
	Discovery Discovery
	Prefs     *prefs.Store
	Log       *messages.Log
	Metrics   Metrics
	// AudioSink is attached to rx audio streams when set.
	AudioSink      stream.Sink
	ConnectTimeout time.Duration
}

// StartResult tells the caller what Start did. Unless Defaulted, the tester
// is now Picking and waits for Select.
type StartResult struct {
	Defaulted bool
	Selection models.Pickable
	Decision  Decision
}

// Status is a point in time view of the tester.
type Status struct {
	State   State
	IsGui   bool
	Serial  string
	Source  models.Source
	Station string
	Handle  uint32
	Version string
	Bound   string
	Streams []stream.Handle
	Pending int
}

type Tester struct {
	disc    Discovery
	prefs   *prefs.Store
	log     *messages.Log
	metrics Metrics
	sink    stream.Sink
	timeout time.Duration
	history *History

	mu        sync.Mutex
	state     State
	isGui     bool
	selection models.Pickable
	decision  Decision
	sess      *session.Session
	streams   *stream.Manager
	station   string
	bound     string // client id of the station we are bound to

	cancelConnect context.CancelFunc
}

func New(opts Options) *Tester {
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	if opts.Log == nil {
		opts.Log = messages.NewLog(messages.Options{})
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = constants.ConnectTimeout
	}

	p := opts.Prefs.Get()
	opts.Log.SetShowPings(p.ShowPings)
	if f, err := messages.ParseFilter(p.MessageFilter); err == nil {
		opts.Log.SetFilter(f, p.MessageFilterText)
	}

	return &Tester{
		disc:    opts.Discovery,
		prefs:   opts.Prefs,
		log:     opts.Log,
		metrics: opts.Metrics,
		sink:    opts.AudioSink,
		timeout: opts.ConnectTimeout,
		history: NewHistory(),
		isGui:   p.IsGui,
	}
}

func (t *Tester) Log() *messages.Log {
	return t.log
}

func (t *Tester) History() *History {
	return t.history
}

func (t *Tester) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Tester) Status() Status {
	t.mu.Lock()
	st := Status{
		State:   t.state,
		IsGui:   t.isGui,
		Serial:  t.selection.Packet.Serial,
		Source:  t.selection.Packet.Source,
		Station: t.station,
		Bound:   t.bound,
	}
	sess, streams := t.sess, t.streams
	t.mu.Unlock()

	if sess != nil {
		st.Handle = sess.Handle()
		st.Version = sess.Version()
		st.Pending = sess.Pending()
	}
	if streams != nil {
		st.Streams = streams.Active()
	}
	return st
}

// ApplyMode starts and stops the discovery paths the preferences ask for.
// A relay that needs credentials marks login as required.
func (t *Tester) ApplyMode(ctx context.Context) (discovery.ModeResult, error) {
	p := t.prefs.Get()
	if !p.LocalEnabled && !p.SmartlinkEnabled {
		slog.Warn("Select local and/or smartlink discovery")
		t.disc.SetMode(ctx, false, false, p.SmartlinkEmail)
		return discovery.ModeReady, flexerrors.ErrNoMode
	}

	res, err := t.disc.SetMode(ctx, p.LocalEnabled, p.SmartlinkEnabled, p.SmartlinkEmail)
	if res == discovery.ModeLoginRequired {
		if perr := t.prefs.SetLoginRequired(true); perr != nil {
			slog.Warn("Fail to save preferences", "error", perr)
		}
	}
	return res, err
}

// Login signs in to the relay. A rejected password is reported as false
// with no error.
func (t *Tester) Login(ctx context.Context, email, password string) (bool, error) {
	ok, err := t.disc.Login(ctx, email, password)
	if err != nil {
		return false, err
	}
	if !ok {
		slog.Warn("Smartlink login failed", "email", email)
		return false, nil
	}

	if err := t.prefs.SetLoginSucceeded(email); err != nil {
		slog.Warn("Fail to save preferences", "error", err)
	}
	return true, nil
}

// TestRadio asks the relay to probe serial. The outcome arrives on the
// listener's TestResults feed.
func (t *Tester) TestRadio(serial string) {
	t.disc.SendTestRequest(serial)
}

// Start begins a connection. With useDefault and a live default radio it
// goes straight to arbitration, otherwise it waits for Select.
func (t *Tester) Start(ctx context.Context, useDefault, isGui bool) (StartResult, error) {
	t.mu.Lock()
	if t.state != Idle {
		state := t.state
		t.mu.Unlock()
		return StartResult{}, fmt.Errorf("start while %s: %w", state, flexerrors.ErrBadState)
	}
	t.isGui = isGui
	t.state = Picking
	t.mu.Unlock()

	p := t.prefs.Get()
	if p.Policy.ClearOnStart {
		t.log.Clear()
	}

	if !useDefault {
		return StartResult{}, nil
	}

	gui, nonGui := p.GuiDefaultValue(), p.NonGuiDefaultValue()
	pkt, ok := t.disc.FindPacket(gui, nonGui, isGui)
	if !ok {
		slog.Info("Default radio not found, picking")
		return StartResult{}, nil
	}

	sel := models.Pickable{Packet: pkt}
	if !isGui && nonGui != nil {
		sel.Station = nonGui.Station
	}
	decision, err := t.Select(ctx, sel)
	return StartResult{Defaulted: true, Selection: sel, Decision: decision}, err
}

// Select arbitrates a picked radio. It connects at once when nobody needs
// to yield, otherwise it parks the selection until Connect or CancelPick.
func (t *Tester) Select(ctx context.Context, sel models.Pickable) (Decision, error) {
	t.mu.Lock()
	if t.state != Picking && t.state != Idle {
		state := t.state
		t.mu.Unlock()
		return Decision{}, fmt.Errorf("select while %s: %w", state, flexerrors.ErrBadState)
	}

	decision := Decide(t.isGui, sel)
	t.selection = sel
	t.station = sel.Station
	t.decision = decision
	if decision.NeedsClientChoice() {
		t.state = AwaitingClientDecision
		t.mu.Unlock()
		slog.Info("Radio has gui clients", "serial", sel.Packet.Serial, "stations", decision.Stations)
		return decision, nil
	}
	t.mu.Unlock()

	return decision, t.Connect(ctx, sel, nil)
}

// PendingChoice returns the selection waiting for a client decision.
func (t *Tester) PendingChoice() (models.Pickable, Decision, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != AwaitingClientDecision {
		return models.Pickable{}, Decision{}, false
	}
	return t.selection, t.decision, true
}

// CancelPick abandons picking or a pending client decision.
func (t *Tester) CancelPick() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state == Picking || t.state == AwaitingClientDecision {
		t.state = Idle
		t.selection = models.Pickable{}
		t.decision = Decision{}
		t.station = ""
	}
}

// Connect opens the session to sel and identifies this client. A non-nil
// disconnectHandle asks the radio to drop that gui client first. Failures
// come back as *errors.ConnectionError and leave the tester Idle.
func (t *Tester) Connect(ctx context.Context, sel models.Pickable, disconnectHandle *uint32) error {
	serial := sel.Packet.Serial

	t.mu.Lock()
	switch t.state {
	case Connecting, Connected, Disconnecting:
		t.mu.Unlock()
		return t.failed(serial, flexerrors.ErrAlreadyConnected)
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	var sess *session.Session
	sess = session.New(session.Options{
		ConnectTimeout: t.timeout,
		Metrics:        t.metrics,
		OnTraffic:      t.log.Observe,
		OnDisconnect:   func(err error) { t.sessionLost(sess, err) },
	})
	t.state = Connecting
	t.selection = sel
	t.station = sel.Station
	t.sess = sess
	t.streams = nil
	t.cancelConnect = cancel
	isGui := t.isGui
	t.mu.Unlock()

	slog.Info("Connecting to radio", "serial", serial, "source", sel.Packet.Source, "gui", isGui)

	target, err := t.target(ctx, sel)
	if err == nil {
		err = sess.Connect(ctx, target)
	}
	if err == nil {
		err = t.handshake(ctx, sess, sel, isGui, disconnectHandle)
	}
	if err != nil {
		sess.Disconnect()
		t.mu.Lock()
		if t.sess == sess {
			t.reset()
		}
		t.mu.Unlock()
		return t.failed(serial, err)
	}

	streams := stream.NewManager(sess)
	go streams.Watch(sess.Subscribe())

	t.mu.Lock()
	if t.sess != sess {
		// stopped while the handshake ran
		t.mu.Unlock()
		return t.failed(serial, flexerrors.ErrCancelled)
	}
	t.streams = streams
	t.state = Connected
	t.cancelConnect = nil
	t.mu.Unlock()

	t.metrics.ConnectAttempt("ok")
	t.metrics.Connected(true)
	slog.Info("Tester ready", "serial", serial, "handle", models.FormatHandle(sess.Handle()), "version", sess.Version())

	if !isGui {
		t.bindExisting(sess, sel)
		return nil
	}

	p := t.prefs.Get()
	if !p.Policy.ResumeAudio {
		return nil
	}
	if p.RxAudio {
		if err := t.startStream(ctx, stream.RxAudio); err != nil {
			slog.Warn("Fail to start rx audio", "error", err)
		}
	}
	if p.TxAudio {
		if err := t.startStream(ctx, stream.TxAudio); err != nil {
			slog.Warn("Fail to start tx audio", "error", err)
		}
	}
	return nil
}

func (t *Tester) failed(serial string, err error) error {
	cerr := flexerrors.NewConnectionError(serial, err)
	t.metrics.ConnectAttempt(string(cerr.Reason))
	slog.Warn("Connection failed", "serial", serial, "reason", cerr.Reason, "error", err)
	return cerr
}

func (t *Tester) target(ctx context.Context, sel models.Pickable) (session.Target, error) {
	pkt := sel.Packet
	if pkt.Source != models.SourceSmartlink {
		port := pkt.Port
		if port == 0 {
			port = constants.CommandPort
		}
		return session.Target{Serial: pkt.Serial, Host: pkt.PublicIP, Port: port}, nil
	}

	if t.prefs.Get().LoginRequired {
		return session.Target{}, flexerrors.ErrLoginRequired
	}
	return t.disc.RequestWanConnect(ctx, pkt.Serial)
}

func (t *Tester) handshake(ctx context.Context, sess *session.Session, sel models.Pickable, isGui bool, disconnectHandle *uint32) error {
	if disconnectHandle != nil {
		cmd := "client disconnect " + models.FormatHandle(*disconnectHandle)
		if _, err := sess.SendAndWait(ctx, cmd); err != nil {
			if errors.Is(err, flexerrors.ErrRequestRejected) {
				return fmt.Errorf("%w: %w", flexerrors.ErrTakeoverRejected, err)
			}
			return err
		}
	}

	p := t.prefs.Get()
	cmds := []string{}
	if isGui {
		cmds = append(cmds, "client gui "+p.ClientID)
	}
	cmds = append(cmds, "client program "+p.Program)
	if isGui {
		cmds = append(cmds, "client station "+p.Station)
	}

	for _, cmd := range cmds {
		if _, err := sess.SendAndWait(ctx, cmd); err != nil {
			return err
		}
	}
	return nil
}

// bindExisting binds a non-gui connection when the target station already
// announced its client id.
func (t *Tester) bindExisting(sess *session.Session, sel models.Pickable) {
	for _, c := range sel.Packet.GuiClients {
		if c.Station == sel.Station && c.ClientID != "" {
			t.bind(sess, c.ClientID)
			return
		}
	}
}

// HandleClientEvent keeps a non-gui connection bound to its station as the
// station's gui client comes and goes.
func (t *Tester) HandleClientEvent(ev models.ClientEvent) {
	t.mu.Lock()
	relevant := !t.isGui && t.state == Connected && t.station != "" &&
		ev.Key() == t.selection.Packet.Key() && ev.Client.Station == t.station
	sess := t.sess
	t.mu.Unlock()

	if !relevant {
		return
	}

	switch ev.Action {
	case models.ClientAdded, models.ClientCompleted:
		// a client that comes back already identified arrives as added
		if ev.Client.ClientID != "" {
			t.bind(sess, ev.Client.ClientID)
		}
	case models.ClientRemoved:
		t.unbind(sess)
	}
}

// WatchClients feeds client events to HandleClientEvent until ctx is done
// or the feed closes.
func (t *Tester) WatchClients(ctx context.Context, sub *discovery.Sub[models.ClientEvent]) {
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.C():
			if !ok {
				return
			}
			t.HandleClientEvent(ev)
		}
	}
}

func (t *Tester) bind(sess *session.Session, clientID string) {
	t.mu.Lock()
	if t.bound == clientID {
		t.mu.Unlock()
		return
	}
	t.bound = clientID
	t.mu.Unlock()

	slog.Info("Binding to station", "clientId", clientID)
	t.fireAndLog(sess, "client bind client_id="+clientID)
}

func (t *Tester) unbind(sess *session.Session) {
	t.mu.Lock()
	if t.bound == "" {
		t.mu.Unlock()
		return
	}
	t.bound = ""
	t.mu.Unlock()

	slog.Info("Unbinding from station")
	t.fireAndLog(sess, "client unbind")
}

func (t *Tester) fireAndLog(sess *session.Session, cmd string) {
	_, ch, err := sess.Send(cmd)
	if err != nil {
		slog.Warn("Fail to send command", "command", cmd, "error", err)
		return
	}
	go func() {
		res := <-ch
		if res.Err == nil && res.Line.ErrorCode != 0 {
			slog.Warn("Command rejected", "command", cmd, "code", models.FormatHandle(res.Line.ErrorCode))
		}
	}()
}

// SendCommand sends free-form text typed by the user.
func (t *Tester) SendCommand(text string) (uint32, <-chan session.Result, error) {
	t.history.Add(text)

	t.mu.Lock()
	sess := t.sess
	connected := t.state == Connected
	t.mu.Unlock()

	if !connected {
		return 0, nil, flexerrors.ErrNotConnected
	}
	if t.prefs.Get().Policy.ClearOnSend {
		t.log.Clear()
	}
	return sess.Send(text)
}

// ToggleDefault sets sel as the default for the current mode, or clears it
// when it already is.
func (t *Tester) ToggleDefault(sel models.Pickable) (*models.DefaultValue, error) {
	t.mu.Lock()
	isGui := t.isGui
	t.mu.Unlock()

	p := t.prefs.Get()
	v := models.NewDefaultValue(sel)
	if isGui {
		if cur := p.GuiDefaultValue(); cur != nil && *cur == v {
			return nil, t.prefs.SetGuiDefault(nil)
		}
		return &v, t.prefs.SetGuiDefault(&v)
	}

	if cur := p.NonGuiDefaultValue(); cur != nil && *cur == v {
		return nil, t.prefs.SetNonGuiDefault(nil)
	}
	return &v, t.prefs.SetNonGuiDefault(&v)
}

// SetRxAudio saves the preference and starts or stops the stream when
// connected.
func (t *Tester) SetRxAudio(ctx context.Context, on bool) error {
	if err := t.prefs.SetRxAudio(on); err != nil {
		return err
	}
	return t.toggleStream(ctx, stream.RxAudio, on)
}

func (t *Tester) SetTxAudio(ctx context.Context, on bool) error {
	if err := t.prefs.SetTxAudio(on); err != nil {
		return err
	}
	return t.toggleStream(ctx, stream.TxAudio, on)
}

// RequestPanafall opens a panadapter on the connected radio.
func (t *Tester) RequestPanafall(ctx context.Context) (stream.Handle, error) {
	streams, err := t.connectedStreams()
	if err != nil {
		return stream.Handle{}, err
	}
	h, err := streams.Request(ctx, stream.Panafall)
	if err == nil {
		t.metrics.StreamsActive(len(streams.Active()))
	}
	return h, err
}

func (t *Tester) RemoveStream(id uint32) error {
	streams, err := t.connectedStreams()
	if err != nil {
		return err
	}
	streams.Remove(id)
	t.metrics.StreamsActive(len(streams.Active()))
	return nil
}

func (t *Tester) toggleStream(ctx context.Context, kind stream.Kind, on bool) error {
	streams, err := t.connectedStreams()
	if err != nil {
		return nil
	}

	if on {
		if _, ok := streams.Find(kind); ok {
			return nil
		}
		return t.startStream(ctx, kind)
	}

	if h, ok := streams.Find(kind); ok {
		streams.Remove(h.ID)
		t.metrics.StreamsActive(len(streams.Active()))
	}
	return nil
}

func (t *Tester) startStream(ctx context.Context, kind stream.Kind) error {
	streams, err := t.connectedStreams()
	if err != nil {
		return err
	}

	h, err := streams.Request(ctx, kind)
	if err != nil {
		return err
	}
	if kind == stream.RxAudio && t.sink != nil {
		streams.Attach(h.ID, t.sink)
	}
	t.metrics.StreamsActive(len(streams.Active()))
	return nil
}

func (t *Tester) connectedStreams() (*stream.Manager, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Connected || t.streams == nil {
		return nil, flexerrors.ErrNotConnected
	}
	return t.streams, nil
}

// Stop tears everything down. Streams are forgotten without removal
// commands since the radio drops them with the connection. Safe in any state.
func (t *Tester) Stop() {
	t.mu.Lock()
	sess, streams := t.sess, t.streams
	wasConnected := t.state == Connected
	if t.cancelConnect != nil {
		t.cancelConnect()
	}
	t.state = Disconnecting
	t.mu.Unlock()

	if streams != nil {
		dropped := streams.Reset()
		slog.Debug("Streams discarded", "count", len(dropped))
	}
	if sess != nil {
		sess.Disconnect()
	}

	t.mu.Lock()
	if t.sess == sess {
		t.reset()
	}
	t.mu.Unlock()

	if t.prefs.Get().Policy.ClearOnStop {
		t.log.Clear()
	}
	if wasConnected {
		t.metrics.Connected(false)
		t.metrics.StreamsActive(0)
		slog.Info("Disconnected from radio")
	}
}

// sessionLost handles the radio closing the connection on us.
func (t *Tester) sessionLost(sess *session.Session, err error) {
	if err == nil {
		return
	}

	t.mu.Lock()
	// a failing handshake is reported by Connect
	if t.sess != sess || t.state != Connected {
		t.mu.Unlock()
		return
	}
	streams := t.streams
	t.reset()
	t.mu.Unlock()

	if streams != nil {
		streams.Reset()
	}
	t.metrics.Connected(false)
	t.metrics.StreamsActive(0)
	slog.Warn("Connection to radio lost", "error", err)
}

// reset returns to Idle. Callers hold t.mu.
func (t *Tester) reset() {
	t.state = Idle
	t.sess = nil
	t.streams = nil
	t.cancelConnect = nil
	t.station = ""
	t.bound = ""
	t.selection = models.Pickable{}
	t.decision = Decision{}
}

type noopMetrics struct{}

func (noopMetrics) CommandSent()          {}
func (noopMetrics) ReplyReceived(uint32)  {}
func (noopMetrics) DuplicateReply()       {}
func (noopMetrics) LineDropped()          {}
func (noopMetrics) ConnectAttempt(string) {}
func (noopMetrics) Connected(bool)        {}
func (noopMetrics) StreamsActive(int)     {}
