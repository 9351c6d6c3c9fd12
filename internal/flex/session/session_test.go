package session

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync/atomic"
	"testing"
	"time"

	flexerrors "github.com/0w0mewo/flexlink-cli/internal/flex/errors"
	"github.com/0w0mewo/flexlink-cli/internal/flex/radiotest"
	"github.com/0w0mewo/flexlink-cli/internal/flex/wire"
)

type countingMetrics struct {
	sent, replies, duplicates, dropped atomic.Int64
}

func (m *countingMetrics) CommandSent()         { m.sent.Add(1) }
func (m *countingMetrics) ReplyReceived(uint32) { m.replies.Add(1) }
func (m *countingMetrics) DuplicateReply()      { m.duplicates.Add(1) }
func (m *countingMetrics) LineDropped()         { m.dropped.Add(1) }

func startRadio(t *testing.T, version string) (*radiotest.Radio, Target) {
	t.Helper()
	radio, err := radiotest.Start(version, 0x1A2B3C4D)
	if err != nil {
		t.Fatalf("Failed to start radio: %v", err)
	}
	t.Cleanup(func() { radio.Close() })

	host, port := radio.Addr()
	return radio, Target{Serial: "1234-5678-9012-3456", Host: host, Port: port}
}

func connect(t *testing.T, opts Options, target Target) *Session {
	t.Helper()
	sess := New(opts)
	if err := sess.Connect(context.Background(), target); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	t.Cleanup(sess.Disconnect)
	return sess
}

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestConnectHandshake(t *testing.T) {
	_, target := startRadio(t, "1.4.0.0")
	sess := connect(t, Options{}, target)

	if sess.State() != Connected {
		t.Errorf("State = %s; want connected", sess.State())
	}
	if sess.Handle() != 0x1A2B3C4D {
		t.Errorf("Handle = %X; want 1A2B3C4D", sess.Handle())
	}
	if sess.Version() != "1.4.0.0" {
		t.Errorf("Version = %q; want 1.4.0.0", sess.Version())
	}

	if err := sess.Connect(context.Background(), target); !errors.Is(err, flexerrors.ErrAlreadyConnected) {
		t.Errorf("second Connect err = %v; want ErrAlreadyConnected", err)
	}
}

func TestConnectTLS(t *testing.T) {
	radio, err := radiotest.StartTLS("1.4.0.0", 0x1A2B3C4D)
	if err != nil {
		t.Fatalf("Failed to start radio: %v", err)
	}
	t.Cleanup(func() { radio.Close() })
	radio.SetHandler(radio.DefaultHandler)

	host, port := radio.Addr()
	sess := connect(t, Options{}, Target{Serial: "1234-5678-9012-3456", Host: host, Port: port, TLS: true})

	if sess.Handle() != 0x1A2B3C4D {
		t.Errorf("Handle = %X; want 1A2B3C4D", sess.Handle())
	}
	if _, err := sess.SendAndWait(context.Background(), "info"); err != nil {
		t.Errorf("SendAndWait over tls failed: %v", err)
	}
}

func TestRepliesOutOfOrder(t *testing.T) {
	radio, target := startRadio(t, "1.4.0.0")
	sess := connect(t, Options{}, target)

	const n = 5
	chans := make([]<-chan Result, n)
	seqs := make([]uint32, n)
	for i := 0; i < n; i++ {
		seq, ch, err := sess.Send(fmt.Sprintf("info %d", i))
		if err != nil {
			t.Fatalf("Send %d failed: %v", i, err)
		}
		seqs[i], chans[i] = seq, ch
	}

	cmds, err := radio.WaitCommands(n, 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	for i := n - 1; i >= 0; i-- {
		radio.Reply(cmds[i].Seq, 0, cmds[i].Text)
	}

	for i := 0; i < n; i++ {
		res := waitResult(t, chans[i])
		if res.Err != nil {
			t.Fatalf("result %d: %v", i, res.Err)
		}
		if res.Line.Sequence != seqs[i] {
			t.Errorf("result %d sequence = %d; want %d", i, res.Line.Sequence, seqs[i])
		}
		if want := fmt.Sprintf("info %d", i); res.Line.Payload != want {
			t.Errorf("result %d payload = %q; want %q", i, res.Line.Payload, want)
		}
	}
}

func TestDisconnectCancelsPending(t *testing.T) {
	radio, target := startRadio(t, "1.4.0.0")
	sess := connect(t, Options{}, target)

	const k = 3
	var chans []<-chan Result
	for i := 0; i < k; i++ {
		_, ch, err := sess.Send("slice list")
		if err != nil {
			t.Fatalf("Send failed: %v", err)
		}
		chans = append(chans, ch)
	}
	if _, err := radio.WaitCommands(k, 2*time.Second); err != nil {
		t.Fatal(err)
	}

	sess.Disconnect()
	sess.Disconnect()

	for i, ch := range chans {
		res := waitResult(t, ch)
		if !errors.Is(res.Err, flexerrors.ErrCancelled) {
			t.Errorf("pending %d err = %v; want ErrCancelled", i, res.Err)
		}
	}
	if sess.State() != Disconnected {
		t.Errorf("State = %s; want disconnected", sess.State())
	}
	if sess.Pending() != 0 {
		t.Errorf("Pending = %d; want 0", sess.Pending())
	}
}

func TestSendNotConnected(t *testing.T) {
	sess := New(Options{})
	if _, _, err := sess.Send("info"); !errors.Is(err, flexerrors.ErrNotConnected) {
		t.Fatalf("Send err = %v; want ErrNotConnected", err)
	}

	_, target := startRadio(t, "1.4.0.0")
	if err := sess.Connect(context.Background(), target); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	defer sess.Disconnect()

	seq, _, err := sess.Send("info")
	if err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if seq != 1 {
		t.Errorf("first sequence = %d; want 1", seq)
	}
}

func TestSubscribeAfterDisconnectIsClosed(t *testing.T) {
	_, target := startRadio(t, "1.4.0.0")
	sess := connect(t, Options{}, target)
	sess.Disconnect()

	select {
	case _, ok := <-sess.Subscribe().Lines():
		if ok {
			t.Error("got a line from a closed session")
		}
	case <-time.After(time.Second):
		t.Fatal("subscription on a disconnected session stayed open")
	}
}

func TestConnectTimeout(t *testing.T) {
	radio, target := startRadio(t, "1.4.0.0")
	radio.SetSilent(true)

	sess := New(Options{ConnectTimeout: 200 * time.Millisecond})
	err := sess.Connect(context.Background(), target)
	if !errors.Is(err, flexerrors.ErrTimeout) {
		t.Fatalf("Connect err = %v; want ErrTimeout", err)
	}
	if sess.State() != Disconnected {
		t.Errorf("State = %s; want disconnected", sess.State())
	}
}

func TestConnectRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	sess := New(Options{ConnectTimeout: time.Second})
	err = sess.Connect(context.Background(), Target{Host: "127.0.0.1", Port: port})
	if !errors.Is(err, flexerrors.ErrRefused) {
		t.Fatalf("Connect err = %v; want ErrRefused", err)
	}
}

func TestConnectProtocolMismatch(t *testing.T) {
	_, target := startRadio(t, "0.9.0.0")

	sess := New(Options{})
	err := sess.Connect(context.Background(), target)
	if !errors.Is(err, flexerrors.ErrProtocolMismatch) {
		t.Fatalf("Connect err = %v; want ErrProtocolMismatch", err)
	}
}

func TestSubscribersSeeArrivalOrder(t *testing.T) {
	radio, target := startRadio(t, "1.4.0.0")
	sess := connect(t, Options{}, target)

	a := sess.Subscribe()
	b := sess.Subscribe()

	radio.Status("1A2B3C4D|radio slices=4")
	radio.Message("10000001|Client connected")
	radio.Status("1A2B3C4D|interlock state=READY")

	want := []struct {
		kind    wire.LineKind
		payload string
	}{
		{wire.LineStatus, "1A2B3C4D|radio slices=4"},
		{wire.LineMessage, "10000001|Client connected"},
		{wire.LineStatus, "1A2B3C4D|interlock state=READY"},
	}

	for name, sub := range map[string]*Subscription{"a": a, "b": b} {
		for i, w := range want {
			select {
			case l := <-sub.Lines():
				if l.Kind != w.kind || l.Payload != w.payload {
					t.Errorf("subscriber %s line %d = %s %q; want %s %q", name, i, l.Kind, l.Payload, w.kind, w.payload)
				}
			case <-time.After(2 * time.Second):
				t.Fatalf("subscriber %s timed out at line %d", name, i)
			}
		}
	}

	sess.Unsubscribe(a)
	if _, ok := <-a.Lines(); ok {
		t.Error("unsubscribed channel should be closed")
	}
}

func TestSlowSubscriberDropsOldest(t *testing.T) {
	radio, target := startRadio(t, "1.4.0.0")
	metrics := &countingMetrics{}
	sess := connect(t, Options{SubscriberBuffer: 2, Metrics: metrics}, target)

	sub := sess.Subscribe()
	for i := 1; i <= 6; i++ {
		radio.Status(fmt.Sprintf("0|tick %d", i))
	}

	deadline := time.Now().Add(2 * time.Second)
	for sub.Dropped() < 3 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if sub.Dropped() < 3 {
		t.Fatalf("Dropped = %d; want at least 3", sub.Dropped())
	}
	if metrics.dropped.Load() == 0 {
		t.Error("metrics should count dropped lines")
	}

	var last string
	for last != "0|tick 6" {
		select {
		case l := <-sub.Lines():
			last = l.Payload
		case <-time.After(2 * time.Second):
			t.Fatalf("newest line never delivered, last = %q", last)
		}
	}
}

func TestDuplicateReplyDropped(t *testing.T) {
	radio, target := startRadio(t, "1.4.0.0")
	metrics := &countingMetrics{}
	sess := connect(t, Options{Metrics: metrics}, target)

	seq, ch, err := sess.Send("version")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := radio.WaitCommand("version", 2*time.Second); err != nil {
		t.Fatal(err)
	}
	radio.Reply(seq, 0, "first")
	radio.Reply(seq, 0, "second")

	res := waitResult(t, ch)
	if res.Line.Payload != "first" {
		t.Errorf("payload = %q; want first", res.Line.Payload)
	}

	deadline := time.Now().Add(2 * time.Second)
	for metrics.duplicates.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if metrics.duplicates.Load() != 1 {
		t.Errorf("duplicates = %d; want 1", metrics.duplicates.Load())
	}
	select {
	case extra := <-ch:
		t.Errorf("unexpected second result %+v", extra)
	default:
	}
}

func TestSendAndWaitRejected(t *testing.T) {
	radio, target := startRadio(t, "1.4.0.0")
	radio.SetHandler(func(text string) (uint32, string, bool) {
		return 0x50000015, "no such slice", true
	})
	sess := connect(t, Options{}, target)

	_, err := sess.SendAndWait(context.Background(), "slice remove 9")
	if !errors.Is(err, flexerrors.ErrRequestRejected) {
		t.Fatalf("err = %v; want ErrRequestRejected", err)
	}
	var rejected *flexerrors.RejectedError
	if !errors.As(err, &rejected) || rejected.Code != 0x50000015 {
		t.Errorf("rejected = %+v; want code 50000015", rejected)
	}
}

func TestRemoteCloseReportsDisconnect(t *testing.T) {
	radio, target := startRadio(t, "1.4.0.0")

	lost := make(chan error, 1)
	sess := connect(t, Options{OnDisconnect: func(err error) { lost <- err }}, target)

	_, ch, err := sess.Send("info")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := radio.WaitCommand("info", 2*time.Second); err != nil {
		t.Fatal(err)
	}
	radio.DropConnections()

	select {
	case err := <-lost:
		if err == nil {
			t.Error("remote close should report a cause")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnect not called")
	}
	if res := waitResult(t, ch); !errors.Is(res.Err, flexerrors.ErrCancelled) {
		t.Errorf("pending err = %v; want ErrCancelled", res.Err)
	}
}

func TestTrafficObserver(t *testing.T) {
	radio, target := startRadio(t, "1.4.0.0")
	radio.SetHandler(radio.DefaultHandler)

	traffic := make(chan string, 16)
	sess := connect(t, Options{OnTraffic: func(dir Direction, text string) {
		traffic <- fmt.Sprintf("%d %s", dir, text)
	}}, target)

	if _, err := sess.SendAndWait(context.Background(), "info"); err != nil {
		t.Fatal(err)
	}

	want := []string{"0 C1|info", "1 R1|0|"}
	for _, w := range want {
		select {
		case got := <-traffic:
			if got != w {
				t.Errorf("traffic = %q; want %q", got, w)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("missing traffic %q", w)
		}
	}
}
