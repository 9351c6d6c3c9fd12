package session

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/0w0mewo/flexlink-cli/internal/crypto"
	"github.com/0w0mewo/flexlink-cli/internal/flex/constants"
	flexerrors "github.com/0w0mewo/flexlink-cli/internal/flex/errors"
	"github.com/0w0mewo/flexlink-cli/internal/flex/wire"
	"github.com/hashicorp/go-version"
)

const (
	writeTimeout      = 10 * time.Second
	resolvedCacheSize = 256
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
	Disconnecting
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	default:
		return "unknown"
	}
}

type Direction int

const (
	Sent Direction = iota
	Received
)

// Target is where a session connects to. Relay targets are TLS wrapped and
// must present the handle issued by the relay before anything else.
type Target struct {
	Serial    string
	Host      string
	Port      int
	TLS       bool
	WanHandle string
}

func (t Target) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(t.Port))
}

// Result is the outcome of one command: its reply line or ErrCancelled.
type Result struct {
	Line wire.Line
	Err  error
}

// Metrics receives session counters. All methods must be cheap.
type Metrics interface {
	CommandSent()
	ReplyReceived(errorCode uint32)
	DuplicateReply()
	LineDropped()
}

type Options struct {
	ConnectTimeout   time.Duration
	SubscriberBuffer int
	Metrics          Metrics
	// OnTraffic sees every line sent or received. It runs with the session
	// locked for sent lines and must not call back into the session.
	OnTraffic func(dir Direction, text string)
	// OnDisconnect is called once per connection after teardown. err is nil
	// for a requested disconnect.
	OnDisconnect func(err error)
}

// Session is one command/reply connection to a radio.
type Session struct {
	opts Options

	mu            sync.Mutex
	state         State
	conn          net.Conn
	seq           uint32
	pending       map[uint32]chan Result
	subs          map[*Subscription]struct{}
	handle        uint32
	version       string
	cancelConnect context.CancelFunc

	resolved *seqCache
}

func New(opts Options) *Session {
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = constants.ConnectTimeout
	}
	if opts.SubscriberBuffer <= 0 {
		opts.SubscriberBuffer = DefaultSubscriberBuffer
	}
	if opts.Metrics == nil {
		opts.Metrics = noopMetrics{}
	}
	return &Session{
		opts:     opts,
		pending:  make(map[uint32]chan Result),
		subs:     make(map[*Subscription]struct{}),
		resolved: newSeqCache(resolvedCacheSize),
	}
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Handle is the connection handle the radio assigned to us.
func (s *Session) Handle() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle
}

func (s *Session) Version() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.version
}

// Pending returns the number of commands still waiting for a reply.
func (s *Session) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Connect dials the radio and waits for its version and handle lines.
func (s *Session) Connect(ctx context.Context, target Target) error {
	s.mu.Lock()
	if s.state != Disconnected {
		s.mu.Unlock()
		return flexerrors.ErrAlreadyConnected
	}
	ctx, cancel := context.WithTimeout(ctx, s.opts.ConnectTimeout)
	s.state = Connecting
	s.cancelConnect = cancel
	s.mu.Unlock()
	defer cancel()

	slog.Debug("Connecting to radio", "serial", target.Serial, "addr", target.Addr(), "tls", target.TLS)

	conn, reader, early, err := s.dialAndHandshake(ctx, target)
	if err != nil {
		s.mu.Lock()
		s.state = Disconnected
		s.cancelConnect = nil
		s.mu.Unlock()
		return err
	}

	s.mu.Lock()
	if s.state != Connecting {
		// Disconnect raced the handshake
		s.mu.Unlock()
		conn.Close()
		return flexerrors.ErrCancelled
	}
	s.state = Connected
	s.conn = conn
	s.seq = 0
	s.cancelConnect = nil
	s.resolved.Reset()
	s.mu.Unlock()

	go s.readLoop(conn, reader, early)

	if target.WanHandle != "" {
		if _, err := s.SendAndWait(ctx, "wan validate handle="+target.WanHandle); err != nil {
			s.finish(nil)
			return fmt.Errorf("%w: wan validate: %v", flexerrors.ErrRefused, err)
		}
	}

	slog.Info("Connected to radio", "serial", target.Serial, "addr", target.Addr(),
		"handle", fmt.Sprintf("0x%08X", s.Handle()), "version", s.Version())

	return nil
}

func (s *Session) dialAndHandshake(ctx context.Context, target Target) (net.Conn, *bufio.Reader, []wire.Line, error) {
	var (
		conn net.Conn
		err  error
	)
	if target.TLS {
		dialer := &tls.Dialer{Config: &tls.Config{InsecureSkipVerify: true}}
		conn, err = dialer.DialContext(ctx, "tcp", target.Addr())
	} else {
		dialer := &net.Dialer{}
		conn, err = dialer.DialContext(ctx, "tcp", target.Addr())
	}
	if err != nil {
		return nil, nil, nil, classifyErr(ctx, err)
	}

	if tlsConn, ok := conn.(*tls.Conn); ok {
		if certs := tlsConn.ConnectionState().PeerCertificates; len(certs) > 0 {
			slog.Debug("Radio certificate", "serial", target.Serial, "sha256", crypto.Fingerprint(certs[0]))
		}
	}

	// unblock the handshake read when ctx ends
	stop := context.AfterFunc(ctx, func() {
		conn.SetReadDeadline(time.Now())
	})
	defer stop()

	reader := bufio.NewReader(conn)
	var (
		early      []wire.Line
		gotVersion bool
		gotHandle  bool
		handle     uint32
		protoVer   string
	)
	for !gotVersion || !gotHandle {
		raw, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, nil, nil, classifyErr(ctx, err)
		}
		if v, ok := wire.ParseVersion(raw); ok {
			protoVer = v
			gotVersion = true
			continue
		}
		if h, ok := wire.ParseHandle(raw); ok {
			handle = h
			gotHandle = true
			continue
		}
		early = append(early, wire.DecodeLine([]byte(raw)))
	}

	if err := checkProtocolVersion(protoVer); err != nil {
		conn.Close()
		return nil, nil, nil, err
	}

	if !stop() {
		// ctx fired after the last line arrived, the deadline may be set
		conn.Close()
		return nil, nil, nil, classifyErr(ctx, context.Cause(ctx))
	}
	conn.SetReadDeadline(time.Time{})

	s.mu.Lock()
	s.handle = handle
	s.version = protoVer
	s.mu.Unlock()

	return conn, reader, early, nil
}

func checkProtocolVersion(v string) error {
	got, err := version.NewVersion(v)
	if err != nil {
		return fmt.Errorf("%w: unparsable version %q", flexerrors.ErrProtocolMismatch, v)
	}
	min := version.Must(version.NewVersion(constants.MinProtocolVersion))
	if got.LessThan(min) {
		return fmt.Errorf("%w: radio speaks %s, need %s", flexerrors.ErrProtocolMismatch, got, min)
	}
	return nil
}

func classifyErr(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		return flexerrors.ErrCancelled
	}
	var netErr net.Error
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) ||
		(errors.As(err, &netErr) && netErr.Timeout()) {
		return fmt.Errorf("%w: %v", flexerrors.ErrTimeout, err)
	}
	return fmt.Errorf("%w: %v", flexerrors.ErrRefused, err)
}

// Send frames and writes a command and returns without waiting for the
// reply, which arrives on the returned channel exactly once.
func (s *Session) Send(text string) (uint32, <-chan Result, error) {
	s.mu.Lock()
	if s.state != Connected || s.conn == nil {
		s.mu.Unlock()
		return 0, nil, flexerrors.ErrNotConnected
	}

	s.seq++
	seq := s.seq
	ch := make(chan Result, 1)
	s.pending[seq] = ch

	// observed before the write so a fast reply can never be seen first
	if s.opts.OnTraffic != nil {
		s.opts.OnTraffic(Sent, fmt.Sprintf("%c%d|%s", constants.PrefixCommand, seq, text))
	}

	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	_, err := s.conn.Write(wire.EncodeCommand(seq, text))
	if err != nil {
		delete(s.pending, seq)
		s.mu.Unlock()
		slog.Warn("Fail to write command", "seq", seq, "error", err)
		return 0, nil, fmt.Errorf("write command: %w", err)
	}
	s.mu.Unlock()

	s.opts.Metrics.CommandSent()

	return seq, ch, nil
}

// SendAndWait sends a command and waits for its reply. A reply with a non
// zero error code is returned together with a RejectedError.
func (s *Session) SendAndWait(ctx context.Context, text string) (wire.Line, error) {
	_, ch, err := s.Send(text)
	if err != nil {
		return wire.Line{}, err
	}

	select {
	case res := <-ch:
		if res.Err != nil {
			return wire.Line{}, res.Err
		}
		if res.Line.ErrorCode != 0 {
			return res.Line, &flexerrors.RejectedError{Command: text, Code: res.Line.ErrorCode, Payload: res.Line.Payload}
		}
		return res.Line, nil
	case <-ctx.Done():
		return wire.Line{}, ctx.Err()
	}
}

// Subscribe registers for status and message lines of the current connection.
// Subscribe on a session that is not connected returns an already closed
// subscription.
func (s *Session) Subscribe() *Subscription {
	sub := newSubscription(s.opts.SubscriberBuffer, s.opts.Metrics.LineDropped)

	s.mu.Lock()
	if s.state != Connected {
		s.mu.Unlock()
		sub.close()
		return sub
	}
	s.subs[sub] = struct{}{}
	s.mu.Unlock()

	return sub
}

func (s *Session) Unsubscribe(sub *Subscription) {
	s.mu.Lock()
	delete(s.subs, sub)
	s.mu.Unlock()

	sub.close()
}

// Disconnect closes the connection, cancelling an in-flight Connect and
// resolving every pending command with ErrCancelled. Safe to call any time.
func (s *Session) Disconnect() {
	s.mu.Lock()
	if s.state == Connecting && s.cancelConnect != nil {
		s.cancelConnect()
		s.state = Disconnected
		s.cancelConnect = nil
	}
	s.mu.Unlock()

	s.finish(nil)
}

func (s *Session) readLoop(conn net.Conn, reader *bufio.Reader, early []wire.Line) {
	for _, l := range early {
		s.dispatch(l)
	}

	for {
		raw, err := reader.ReadString('\n')
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				s.finish(nil)
			} else {
				s.finish(fmt.Errorf("read: %w", err))
			}
			return
		}

		l := wire.DecodeLine([]byte(raw))
		if l.Raw == "" {
			continue
		}
		s.dispatch(l)
	}
}

func (s *Session) dispatch(l wire.Line) {
	if s.opts.OnTraffic != nil {
		s.opts.OnTraffic(Received, l.Raw)
	}

	switch l.Kind {
	case wire.LineReply:
		s.resolve(l)
	case wire.LineStatus, wire.LineMessage:
		s.publish(l)
	default:
		slog.Debug("Unknown line from radio", "line", l.Raw)
	}
}

func (s *Session) resolve(l wire.Line) {
	s.opts.Metrics.ReplyReceived(l.ErrorCode)

	s.mu.Lock()
	ch, ok := s.pending[l.Sequence]
	if ok {
		delete(s.pending, l.Sequence)
	}
	s.mu.Unlock()

	if !ok {
		if s.resolved.Contains(l.Sequence) {
			s.opts.Metrics.DuplicateReply()
			slog.Warn("Duplicate reply dropped", "seq", l.Sequence, "line", l.Raw)
		} else {
			slog.Debug("Reply without a pending command", "seq", l.Sequence, "line", l.Raw)
		}
		return
	}

	s.resolved.Put(l.Sequence)
	ch <- Result{Line: l}
}

func (s *Session) publish(l wire.Line) {
	s.mu.Lock()
	subs := make([]*Subscription, 0, len(s.subs))
	for sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.Unlock()

	for _, sub := range subs {
		sub.push(l)
	}
}

// finish tears down the current connection once.
func (s *Session) finish(cause error) {
	s.mu.Lock()
	if s.conn == nil {
		s.mu.Unlock()
		return
	}
	conn := s.conn
	s.conn = nil
	s.state = Disconnecting
	pending := s.pending
	s.pending = make(map[uint32]chan Result)
	subs := s.subs
	s.subs = make(map[*Subscription]struct{})
	s.mu.Unlock()

	conn.Close()

	for _, ch := range pending {
		ch <- Result{Err: flexerrors.ErrCancelled}
	}
	for sub := range subs {
		sub.close()
	}

	s.mu.Lock()
	s.state = Disconnected
	s.handle = 0
	s.mu.Unlock()

	if cause != nil {
		slog.Warn("Radio connection lost", "error", cause, "cancelled", len(pending))
	} else {
		slog.Info("Disconnected from radio", "cancelled", len(pending))
	}

	if s.opts.OnDisconnect != nil {
		s.opts.OnDisconnect(cause)
	}
}

type noopMetrics struct{}

func (noopMetrics) CommandSent()         {}
func (noopMetrics) ReplyReceived(uint32) {}
func (noopMetrics) DuplicateReply()      {}
func (noopMetrics) LineDropped()         {}
