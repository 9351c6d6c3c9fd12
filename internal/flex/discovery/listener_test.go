package discovery

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	flexerrors "github.com/0w0mewo/flexlink-cli/internal/flex/errors"
	"github.com/0w0mewo/flexlink-cli/internal/flex/radiotest"
	"github.com/0w0mewo/flexlink-cli/internal/models"
	"github.com/0w0mewo/flexlink-cli/internal/smartlink"
	"github.com/0w0mewo/flexlink-cli/internal/smartlink/relaytest"
)

const testSerial = "1234-5678-9012-3456"

func lanPacket(serial string, clients ...models.GuiClientInfo) models.RadioPacket {
	return models.RadioPacket{
		Serial:     serial,
		Nickname:   "Shack 6600",
		Model:      "FLEX-6600",
		Version:    "3.4.35.141",
		PublicIP:   "127.0.0.1",
		Port:       4992,
		GuiClients: clients,
	}
}

func startLocal(t *testing.T, opts Options) (*Listener, *net.UDPAddr) {
	t.Helper()
	opts.LocalAddr = "127.0.0.1:0"
	l := New(opts)
	t.Cleanup(func() { l.Close() })

	res, err := l.SetMode(context.Background(), true, false, "")
	if err != nil || res != ModeReady {
		t.Fatalf("SetMode = %v %v; want ready", res, err)
	}
	return l, l.LocalAddr().(*net.UDPAddr)
}

func waitPacket(t *testing.T, sub *Sub[models.PacketEvent], action models.PacketAction) models.PacketEvent {
	t.Helper()
	timeout := time.After(3 * time.Second)
	for {
		select {
		case ev := <-sub.C():
			if ev.Action == action {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s packet event", action)
			return models.PacketEvent{}
		}
	}
}

func waitClient(t *testing.T, sub *Sub[models.ClientEvent]) models.ClientEvent {
	t.Helper()
	select {
	case ev := <-sub.C():
		return ev
	case <-time.After(3 * time.Second):
		t.Fatal("no client event")
		return models.ClientEvent{}
	}
}

func TestLanDiscoveryWithoutClients(t *testing.T) {
	l, addr := startLocal(t, Options{})
	packets := l.PacketEvents()
	clients := l.ClientEvents()

	if err := radiotest.Announce(addr, lanPacket(testSerial)); err != nil {
		t.Fatal(err)
	}

	ev := waitPacket(t, packets, models.PacketAdded)
	if ev.Packet.Serial != testSerial || ev.Packet.Source != models.SourceLocal {
		t.Errorf("packet = %+v", ev.Packet)
	}
	if got := l.Packets(); len(got) != 1 {
		t.Fatalf("table has %d entries; want 1", len(got))
	}

	select {
	case ce := <-clients.C():
		t.Errorf("unexpected client event %+v", ce)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSetModeIsIdempotent(t *testing.T) {
	l, _ := startLocal(t, Options{})

	if _, err := l.SetMode(context.Background(), true, false, ""); err != nil {
		t.Fatal(err)
	}
	if l.Binds() != 1 {
		t.Errorf("Binds = %d; want 1", l.Binds())
	}

	if _, err := l.SetMode(context.Background(), false, false, ""); err != nil {
		t.Fatal(err)
	}
	if l.LocalActive() {
		t.Error("LAN still active")
	}
	if _, err := l.SetMode(context.Background(), false, false, ""); err != nil {
		t.Fatal(err)
	}
}

func TestSetModeBindFailed(t *testing.T) {
	// TEST-NET-1 is never assigned to a local interface
	l := New(Options{LocalAddr: "192.0.2.1:0"})
	defer l.Close()

	_, err := l.SetMode(context.Background(), true, false, "")
	if !errors.Is(err, flexerrors.ErrBindFailed) {
		t.Fatalf("err = %v; want ErrBindFailed", err)
	}
	if l.LocalActive() {
		t.Error("LAN marked active after bind failure")
	}
}

func TestMalformedDatagramDropped(t *testing.T) {
	l, addr := startLocal(t, Options{})
	packets := l.PacketEvents()

	conn, err := net.DialUDP("udp4", nil, addr)
	if err != nil {
		t.Fatal(err)
	}
	conn.Write([]byte("nickname=no serial here"))
	conn.Close()

	if err := radiotest.Announce(addr, lanPacket(testSerial)); err != nil {
		t.Fatal(err)
	}
	waitPacket(t, packets, models.PacketAdded)
	if len(l.Packets()) != 1 {
		t.Errorf("table = %+v; want only the valid radio", l.Packets())
	}
}

func TestStaleRadioEvicted(t *testing.T) {
	l, addr := startLocal(t, Options{StaleWindow: 300 * time.Millisecond})
	packets := l.PacketEvents()
	clients := l.ClientEvents()

	pkt := lanPacket(testSerial, models.GuiClientInfo{Handle: 0x10, Station: "Shack"})
	if err := radiotest.Announce(addr, pkt); err != nil {
		t.Fatal(err)
	}
	waitPacket(t, packets, models.PacketAdded)
	if ev := waitClient(t, clients); ev.Action != models.ClientAdded {
		t.Fatalf("client event = %s; want added", ev.Action)
	}

	ev := waitPacket(t, packets, models.PacketRemoved)
	if ev.Packet.Serial != testSerial {
		t.Errorf("removed %q; want %q", ev.Packet.Serial, testSerial)
	}
	if ce := waitClient(t, clients); ce.Action != models.ClientRemoved || ce.Client.Handle != 0x10 {
		t.Errorf("client event = %s %x; want removed 10", ce.Action, ce.Client.Handle)
	}
}

func TestClientEventsFromAnnouncements(t *testing.T) {
	l, addr := startLocal(t, Options{})
	clients := l.ClientEvents()

	radiotest.Announce(addr, lanPacket(testSerial, models.GuiClientInfo{Handle: 1, Station: "Shack"}))
	if ev := waitClient(t, clients); ev.Action != models.ClientAdded {
		t.Fatalf("event = %s; want added", ev.Action)
	}

	radiotest.Announce(addr, lanPacket(testSerial,
		models.GuiClientInfo{Handle: 1, Station: "Shack", ClientID: "7F1C0A3E"},
		models.GuiClientInfo{Handle: 2, Station: "Laptop"}))

	first, second := waitClient(t, clients), waitClient(t, clients)
	if first.Action != models.ClientCompleted || first.Client.Handle != 1 {
		t.Errorf("first = %s %d; want completed 1", first.Action, first.Client.Handle)
	}
	if second.Action != models.ClientAdded || second.Client.Handle != 2 {
		t.Errorf("second = %s %d; want added 2", second.Action, second.Client.Handle)
	}
}

func drainClients(sub *Sub[models.ClientEvent]) []models.ClientEvent {
	var res []models.ClientEvent
	for {
		select {
		case ev := <-sub.C():
			res = append(res, ev)
		default:
			return res
		}
	}
}

func TestClientViewsPerSource(t *testing.T) {
	l := New(Options{})
	defer l.Close()
	clients := l.ClientEvents()

	shack := models.GuiClientInfo{Handle: 0x1A, ClientID: "abc", Station: "Shack"}
	now := time.Now()
	lan := lanPacket(testSerial, shack)
	lan.Source = models.SourceLocal
	relay := lanPacket(testSerial)
	relay.Source = models.SourceSmartlink

	l.ingestMu.Lock()
	lan.LastSeen = now
	l.apply(lan)
	relay.LastSeen = now
	l.apply(relay)
	lan.LastSeen = now.Add(time.Second)
	l.apply(lan)
	l.ingestMu.Unlock()

	events := drainClients(clients)
	if len(events) != 1 || events[0].Action != models.ClientAdded || events[0].Source != models.SourceLocal {
		t.Fatalf("events = %+v; want one local added", events)
	}

	// the relay view catches up, then its entry goes away
	l.ingestMu.Lock()
	relay.GuiClients = []models.GuiClientInfo{shack}
	relay.LastSeen = now.Add(time.Second)
	l.apply(relay)
	if pkt, ok := l.radios.Remove(relay.Key()); ok {
		l.removed([]models.RadioPacket{pkt})
	}
	l.ingestMu.Unlock()

	events = drainClients(clients)
	if len(events) != 2 {
		t.Fatalf("events = %+v; want relay added then removed", events)
	}
	for i, want := range []models.ClientAction{models.ClientAdded, models.ClientRemoved} {
		if events[i].Action != want || events[i].Source != models.SourceSmartlink {
			t.Errorf("event %d = %s %s; want %s smartlink", i, events[i].Action, events[i].Source, want)
		}
	}
	if got := l.Clients(lan.Key()); len(got) != 1 || got[0].ClientID != "abc" {
		t.Errorf("LAN clients = %+v; want Shack kept", got)
	}
}

type relayEnv struct {
	issuer *relaytest.Issuer
	relay  *relaytest.Relay
	l      *Listener
}

func startRelayEnv(t *testing.T) *relayEnv {
	t.Helper()
	iss, err := relaytest.NewIssuer("flexlink-test")
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(iss.Close)
	iss.AddUser("op@example.com", "hunter2")

	relay := relaytest.NewRelay(iss.Verifier())
	t.Cleanup(relay.Close)

	auth := smartlink.NewAuthenticatorWithVerifier(
		smartlink.AuthConfig{Issuer: iss.URL(), ClientID: "flexlink-test"},
		iss.Endpoint(), iss.Verifier(), nil)

	l := New(Options{LocalAddr: "127.0.0.1:0", RelayURL: relay.URL(), Auth: auth})
	t.Cleanup(func() { l.Close() })

	return &relayEnv{issuer: iss, relay: relay, l: l}
}

func TestRelayNeedsLogin(t *testing.T) {
	env := startRelayEnv(t)

	res, err := env.l.SetMode(context.Background(), true, true, "op@example.com")
	if err != nil {
		t.Fatal(err)
	}
	if res != ModeLoginRequired {
		t.Fatalf("SetMode = %v; want login required", res)
	}
	if !env.l.LocalActive() {
		t.Error("local discovery should run without relay login")
	}

	ok, err := env.l.Login(context.Background(), "op@example.com", "wrong")
	if ok || err != nil {
		t.Errorf("Login(wrong) = %v %v; want false nil", ok, err)
	}

	ok, err = env.l.Login(context.Background(), "op@example.com", "hunter2")
	if !ok || err != nil {
		t.Fatalf("Login = %v %v; want true nil", ok, err)
	}
	if !env.l.RelayActive() {
		t.Error("relay not started after login")
	}

	// later mode changes reuse the stored credential
	env.l.SetMode(context.Background(), true, false, "")
	res, err = env.l.SetMode(context.Background(), true, true, "op@example.com")
	if err != nil || res != ModeReady {
		t.Errorf("SetMode after login = %v %v; want ready", res, err)
	}
}

func TestRelayRadios(t *testing.T) {
	env := startRelayEnv(t)
	remote := lanPacket("9999-0000-1111-2222", models.GuiClientInfo{Handle: 0x40, Station: "Remote"})
	remote.TLSPort = 4994
	env.relay.SetRadio(remote)

	packets := env.l.PacketEvents()
	env.l.SetMode(context.Background(), false, true, "op@example.com")
	if ok, err := env.l.Login(context.Background(), "op@example.com", "hunter2"); !ok || err != nil {
		t.Fatalf("Login = %v %v", ok, err)
	}

	ev := waitPacket(t, packets, models.PacketAdded)
	if ev.Packet.Source != models.SourceSmartlink || ev.Packet.Serial != remote.Serial {
		t.Errorf("packet = %+v", ev.Packet)
	}

	env.relay.RemoveRadio(remote.Serial)
	waitPacket(t, packets, models.PacketRemoved)
	if len(env.l.Packets()) != 0 {
		t.Errorf("table = %+v; want empty", env.l.Packets())
	}
}

func TestRelayTestAndConnect(t *testing.T) {
	env := startRelayEnv(t)
	remote := lanPacket("9999-0000-1111-2222")
	remote.PublicIP = "203.0.113.7"
	remote.TLSPort = 4994
	env.relay.SetRadio(remote)
	env.relay.SetTestResult(smartlink.TestResult{Serial: remote.Serial, NatHolePunch: true})
	env.relay.SetConnectTarget(remote.Serial, relaytest.ConnectTarget{Handle: "C0FFEE"})

	tests := env.l.TestResults()
	packets := env.l.PacketEvents()

	// without the relay the test fails at once
	env.l.SendTestRequest(remote.Serial)
	if out := <-tests.C(); !errors.Is(out.Err, flexerrors.ErrRelayUnavailable) {
		t.Errorf("outcome = %+v; want relay unavailable", out)
	}

	env.l.SetMode(context.Background(), false, true, "op@example.com")
	env.l.Login(context.Background(), "op@example.com", "hunter2")
	waitPacket(t, packets, models.PacketAdded)

	env.l.SendTestRequest(remote.Serial)
	select {
	case out := <-tests.C():
		if !out.Success || out.Serial != remote.Serial {
			t.Errorf("outcome = %+v; want success", out)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("no test result")
	}

	target, err := env.l.RequestWanConnect(context.Background(), remote.Serial)
	if err != nil {
		t.Fatal(err)
	}
	if !target.TLS || target.WanHandle != "C0FFEE" || target.Host != "203.0.113.7" || target.Port != 4994 {
		t.Errorf("target = %+v", target)
	}
}

func TestRelayLostEvictsRadios(t *testing.T) {
	env := startRelayEnv(t)
	env.relay.SetRadio(lanPacket("9999-0000-1111-2222"))

	packets := env.l.PacketEvents()
	env.l.SetMode(context.Background(), false, true, "op@example.com")
	env.l.Login(context.Background(), "op@example.com", "hunter2")
	waitPacket(t, packets, models.PacketAdded)

	env.l.mu.Lock()
	rl := env.l.relay
	env.l.mu.Unlock()
	if rl == nil {
		t.Fatal("no relay listener")
	}

	env.relay.DropClients()
	waitPacket(t, packets, models.PacketRemoved)

	select {
	case <-rl.client.Done():
	case <-time.After(2 * time.Second):
		t.Error("relay client left open after the relay hung up")
	}

	deadline := time.Now().Add(2 * time.Second)
	for env.l.RelayActive() {
		if time.Now().After(deadline) {
			t.Fatal("relay still marked active")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestFindPacket(t *testing.T) {
	l, addr := startLocal(t, Options{})
	packets := l.PacketEvents()
	radiotest.Announce(addr, lanPacket(testSerial))
	waitPacket(t, packets, models.PacketAdded)

	def := &models.DefaultValue{Serial: testSerial, Source: models.SourceLocal}
	if pkt, ok := l.FindPacket(def, nil, true); !ok || pkt.Serial != testSerial {
		t.Errorf("FindPacket = %+v %v", pkt, ok)
	}
	if _, ok := l.FindPacket(def, nil, false); ok {
		t.Error("non gui default should not resolve")
	}
}
